package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"github.com/golang-jwt/jwt/v5"
)

// sessionProvider passes a pre-issued session through. It cannot be
// refreshed; once its embedded expiry (if any) passes, it fails.
type sessionProvider struct {
	cred *Credential
	now  func() time.Time
}

func newSessionProvider(blob string, now func() time.Time) *sessionProvider {
	c := &Credential{Kind: KindSession, Session: blob}
	if exp, ok := TokenExpiry(blob); ok {
		c.Expiry = exp
	}
	return &sessionProvider{cred: c, now: now}
}

func (p *sessionProvider) Kind() Kind { return KindSession }

func (p *sessionProvider) Invalidate() {}

func (p *sessionProvider) Credential(context.Context) (*Credential, error) {
	if !p.cred.Valid(p.now(), 0) {
		return nil, fmt.Errorf("%w: session expired at %s", model.ErrAuth, p.cred.Expiry.Format(time.RFC3339))
	}
	return p.cred, nil
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// The client only needs to know when to refresh; the server verifies.
func TokenExpiry(token string) (time.Time, bool) {
	t, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := t.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
