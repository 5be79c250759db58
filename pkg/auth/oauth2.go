package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/config"
	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuth2TokenPath is the default token endpoint relative to the API URL.
const OAuth2TokenPath = "/v1/auth/oauth2/token"

type oauth2Fetcher struct {
	cfg    config.OAuth2
	client *http.Client

	mu           sync.Mutex
	refreshToken string
}

func newOAuth2Fetcher(baseURL string, c *config.OAuth2, client *http.Client) fetchFunc {
	f := &oauth2Fetcher{cfg: *c, client: client, refreshToken: c.RefreshToken}
	if f.cfg.TokenURL == "" {
		f.cfg.TokenURL = baseURL + OAuth2TokenPath
	}
	return f.fetch
}

func (f *oauth2Fetcher) fetch(ctx context.Context) (*Credential, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.client)

	f.mu.Lock()
	refresh := f.refreshToken
	f.mu.Unlock()

	var (
		tok *oauth2.Token
		err error
	)
	if refresh != "" {
		conf := &oauth2.Config{
			ClientID:     f.cfg.ClientID,
			ClientSecret: f.cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: f.cfg.TokenURL},
			Scopes:       f.cfg.Scopes,
		}
		// A token without access token is never valid, so this always
		// performs exactly one refresh-token grant.
		tok, err = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	} else {
		conf := &clientcredentials.Config{
			ClientID:     f.cfg.ClientID,
			ClientSecret: f.cfg.ClientSecret,
			TokenURL:     f.cfg.TokenURL,
			Scopes:       f.cfg.Scopes,
		}
		tok, err = conf.Token(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: oauth2: %w", model.ErrAuth, err)
	}

	if tok.RefreshToken != "" && tok.RefreshToken != refresh {
		f.mu.Lock()
		f.refreshToken = tok.RefreshToken
		f.mu.Unlock()
	}
	return &Credential{Kind: KindOAuth2, Token: tok.AccessToken, Expiry: tok.Expiry}, nil
}
