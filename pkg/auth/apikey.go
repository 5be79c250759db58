package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
)

// TokenPath is where secret keys are exchanged for access tokens.
const TokenPath = "/v1/auth/token"

type tokenRequest struct {
	SecretKey string `json:"secret_key"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func newAPIKeyFetcher(baseURL, apiKey string, client *http.Client, now func() time.Time) fetchFunc {
	return func(ctx context.Context) (*Credential, error) {
		body, err := json.Marshal(tokenRequest{SecretKey: apiKey})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+TokenPath, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrAuth, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(ClientHeader, ClientName)

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: token exchange: %w", model.ErrAuth, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("%w: token exchange returned %d: %s", model.ErrAuth, resp.StatusCode, bytes.TrimSpace(msg))
		}

		var tr tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return nil, fmt.Errorf("%w: decode token response: %w", model.ErrAuth, err)
		}
		if tr.AccessToken == "" {
			return nil, fmt.Errorf("%w: token response without access_token", model.ErrAuth)
		}

		c := &Credential{Kind: KindAPIKey, Token: tr.AccessToken}
		if tr.ExpiresIn > 0 {
			c.Expiry = now().Add(time.Duration(tr.ExpiresIn) * time.Second)
		} else if exp, ok := TokenExpiry(tr.AccessToken); ok {
			c.Expiry = exp
		}
		return c, nil
	}
}
