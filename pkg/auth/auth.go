// Package auth resolves the credential an Endpoint presents to the service.
// Exactly one source is active: a secret API key exchanged for access
// tokens, an OAuth2 grant, or a pre-issued session blob. Access tokens are
// cached and refreshed a safety margin before they expire; concurrent
// callers share a single in-flight refresh.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/config"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/metrics"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc/metadata"
)

// Kind names the credential source.
type Kind string

const (
	KindNone    Kind = "none"
	KindAPIKey  Kind = "api_key"
	KindOAuth2  Kind = "oauth2"
	KindSession Kind = "session"
)

// Credential is what gets attached to outgoing calls.
type Credential struct {
	Kind Kind
	// Token is a bearer access token (api key and oauth2 sources).
	Token string
	// Session is the opaque session blob (session source).
	Session string
	// Expiry is zero when unknown.
	Expiry time.Time
}

// Valid reports whether c can still be used at now, keeping margin in reserve.
func (c *Credential) Valid(now time.Time, margin time.Duration) bool {
	if c == nil {
		return false
	}
	if c.Expiry.IsZero() {
		return true
	}
	return now.Add(margin).Before(c.Expiry)
}

// Apply sets the credential header on h.
func (c *Credential) Apply(h http.Header) {
	h.Set(ClientHeader, ClientName)
	if c.Session != "" {
		h.Set(SessionHeader, c.Session)
		return
	}
	h.Set(AuthorizationHeader, "Bearer "+c.Token)
}

// GRPCMetadata decorates ctx with the credential as outgoing gRPC metadata.
func (c *Credential) GRPCMetadata(ctx context.Context) context.Context {
	if c.Session != "" {
		return metadata.AppendToOutgoingContext(ctx, sessionMD, c.Session, clientMD, ClientName)
	}
	return metadata.AppendToOutgoingContext(ctx, authorizationMD, "Bearer "+c.Token, clientMD, ClientName)
}

// Provider resolves credentials.
//
// Typical flow per request:
//  1. Call Credential(ctx); a cached credential is returned unless it is
//     within the safety margin of expiry.
//  2. Apply it to the outgoing request or gRPC context.
//  3. On an authentication rejection call Invalidate so that the next
//     Credential call fetches a fresh one.
type Provider interface {
	Credential(ctx context.Context) (*Credential, error)
	Invalidate()
	Kind() Kind
}

// Option configures a Provider.
type Option func(*options)

type options struct {
	now     func() time.Time
	metrics *metrics.Metrics
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics records refresh outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New returns the Provider for the single credential configured in cfg.
// cfg must have been validated. With no credential configured the returned
// Provider fails every call with model.ErrAuth.
func New(cfg *config.Config, client *http.Client, opts ...Option) Provider {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeouts.WithDefaults().AuthRefresh

	switch {
	case cfg.APIKey != "":
		return newCached(KindAPIKey, newAPIKeyFetcher(cfg.URL, cfg.APIKey, client, o.now), cfg.AuthSafetyMargin, timeout, o)
	case cfg.OAuth2 != nil:
		return newCached(KindOAuth2, newOAuth2Fetcher(cfg.URL, cfg.OAuth2, client), cfg.AuthSafetyMargin, timeout, o)
	case cfg.Session != "":
		return newSessionProvider(cfg.Session, o.now)
	default:
		return noCredential{}
	}
}

type noCredential struct{}

func (noCredential) Credential(context.Context) (*Credential, error) {
	return nil, fmt.Errorf("%w: no credential configured", model.ErrAuth)
}

func (noCredential) Invalidate() {}

func (noCredential) Kind() Kind { return KindNone }

type fetchFunc func(ctx context.Context) (*Credential, error)

// cachedProvider serves a cached credential and refreshes it through a
// singleflight group. The refresh runs detached from the first caller's
// cancellation so one impatient caller cannot fail the others.
type cachedProvider struct {
	kind    Kind
	fetch   fetchFunc
	margin  time.Duration
	timeout time.Duration
	now     func() time.Time
	metrics *metrics.Metrics

	mu    sync.Mutex
	cur   *Credential
	group singleflight.Group
}

func newCached(kind Kind, fetch fetchFunc, margin, timeout time.Duration, o options) *cachedProvider {
	return &cachedProvider{
		kind:    kind,
		fetch:   fetch,
		margin:  margin,
		timeout: timeout,
		now:     o.now,
		metrics: o.metrics,
	}
}

func (p *cachedProvider) Kind() Kind { return p.kind }

func (p *cachedProvider) Invalidate() {
	p.mu.Lock()
	p.cur = nil
	p.mu.Unlock()
}

func (p *cachedProvider) cached() *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur.Valid(p.now(), p.margin) {
		return p.cur
	}
	return nil
}

func (p *cachedProvider) Credential(ctx context.Context) (*Credential, error) {
	if c := p.cached(); c != nil {
		return c, nil
	}

	ch := p.group.DoChan("refresh", func() (any, error) {
		// A caller that missed the cache may arrive after the previous
		// refresh already stored a fresh credential.
		if c := p.cached(); c != nil {
			return c, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()

		c, err := p.fetch(fctx)
		p.metrics.AuthRefreshed(string(p.kind), err)
		if err != nil {
			zap.L().Warn("credential refresh failed", zap.String("kind", string(p.kind)), zap.Error(err))
			return nil, err
		}
		zap.L().Debug("credential refreshed", zap.String("kind", string(p.kind)), zap.Time("expiry", c.Expiry))

		p.mu.Lock()
		p.cur = c
		p.mu.Unlock()
		return c, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Credential), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", model.ErrAuth, ctx.Err())
	}
}
