// Package config defines the runtime configuration of an Endpoint: service
// URL and environment, target pop, credential source, push transport,
// reconnect policy, request rate limits and per-operation timeouts. It also
// provides validation, defaulting and file/environment loading helpers.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
)

// Push transport kinds.
const (
	PushWebSocket = "websocket"
	PushGRPC      = "grpc"
	PushNone      = "none"
)

// Environments with a well-known API URL.
const (
	Production = "production"
	Staging    = "staging"
)

var environmentURLs = map[string]string{
	Production: "https://api.eyepop.ai",
	Staging:    "https://api.staging.eyepop.xyz",
}

// ResyncPolicy controls what job streams do when they receive events_lost.
type ResyncPolicy string

const (
	// ResyncRefetch switches the stream to polling the authoritative job state.
	ResyncRefetch ResyncPolicy = "refetch"
	// ResyncIgnore keeps trusting the push stream; the signal is only logged.
	ResyncIgnore ResyncPolicy = "ignore"
)

// Config holds all settings required to build an Endpoint.
// Use Validate to fill implicit defaults and to check for conflicting fields.
type Config struct {
	// URL is the API base URL. Default: derived from Environment.
	URL string `json:"url" yaml:"url" toml:"url"`
	// Environment selects a well-known URL ("production" or "staging").
	// Ignored when URL is set.
	Environment string `json:"environment" yaml:"environment" toml:"environment"`
	// Sandbox requests an isolated sandbox worker session.
	Sandbox bool `json:"sandbox" yaml:"sandbox" toml:"sandbox"`
	// PopID is the worker pipeline to attach to. Default for sandbox
	// sessions: "transient".
	PopID string `json:"pop_id" yaml:"pop_id" toml:"pop_id"`
	// AccountUUID scopes data operations and account events.
	AccountUUID string `json:"account_uuid" yaml:"account_uuid" toml:"account_uuid"`

	// APIKey is a long-lived secret key exchanged for access tokens.
	APIKey string `json:"api_key" yaml:"api_key" toml:"api_key"`
	// OAuth2 configures a refreshable bearer token.
	OAuth2 *OAuth2 `json:"oauth2,omitempty" yaml:"oauth2,omitempty" toml:"oauth2,omitempty"`
	// Session is a pre-issued, opaque session blob passed through as is.
	Session string `json:"session" yaml:"session" toml:"session"`
	// AuthSafetyMargin is how long before expiry a cached token is
	// refreshed. Default: 60s.
	AuthSafetyMargin time.Duration `json:"auth_safety_margin" yaml:"auth_safety_margin" toml:"auth_safety_margin"`

	// Push selects the push transport: "websocket" (default), "grpc" or "none".
	Push string `json:"push" yaml:"push" toml:"push"`
	// GRPCAddr is the gRPC push endpoint, required when Push is "grpc".
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr" toml:"grpc_addr"`

	// AutoReconnect moves a Connected endpoint to Reconnecting on push loss
	// instead of Error.
	AutoReconnect bool `json:"auto_reconnect" yaml:"auto_reconnect" toml:"auto_reconnect"`
	// Reconnect configures the reconnect backoff. See Reconnect.WithDefaults.
	Reconnect Reconnect `json:"reconnect" yaml:"reconnect" toml:"reconnect"`
	// Resync is the job stream policy on events_lost. Default: "refetch".
	Resync ResyncPolicy `json:"resync" yaml:"resync" toml:"resync"`

	// RateLimit caps outgoing requests per second (0 disables limiting).
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	// RateBurst is the limiter burst. Default: 1 when RateLimit is set.
	RateBurst int `json:"rate_burst" yaml:"rate_burst" toml:"rate_burst"`

	// Debug enables verbose logging.
	Debug bool `json:"debug" yaml:"debug" toml:"debug"`
	// Timeouts configures per-operation timeouts. See Timeouts.WithDefaults for defaults.
	Timeouts Timeouts `json:"timeouts" yaml:"timeouts" toml:"timeouts"`
}

// OAuth2 describes either a refresh-token grant (RefreshToken set) or a
// client-credentials grant.
type OAuth2 struct {
	ClientID     string   `json:"client_id" yaml:"client_id" toml:"client_id"`
	ClientSecret string   `json:"client_secret" yaml:"client_secret" toml:"client_secret"`
	RefreshToken string   `json:"refresh_token" yaml:"refresh_token" toml:"refresh_token"`
	TokenURL     string   `json:"token_url" yaml:"token_url" toml:"token_url"`
	Scopes       []string `json:"scopes" yaml:"scopes" toml:"scopes"`
}

// Reconnect controls the exponential backoff used while Reconnecting.
type Reconnect struct {
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval" toml:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval" toml:"max_interval"`
	MaxElapsed      time.Duration `json:"max_elapsed" yaml:"max_elapsed" toml:"max_elapsed"`
	MaxAttempts     uint          `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
}

// Timeouts controls operation deadlines.
// Zero values will be replaced by sane defaults in WithDefaults.
type Timeouts struct {
	Dial        time.Duration `json:"dial" yaml:"dial" toml:"dial"`                         // session handshake + push dial
	Request     time.Duration `json:"request" yaml:"request" toml:"request"`                // request/response calls
	Upload      time.Duration `json:"upload" yaml:"upload" toml:"upload"`                   // streamed uploads
	AuthRefresh time.Duration `json:"auth_refresh" yaml:"auth_refresh" toml:"auth_refresh"` // token exchange/refresh
	Poll        time.Duration `json:"poll" yaml:"poll" toml:"poll"`                         // job polling interval
	Disconnect  time.Duration `json:"disconnect" yaml:"disconnect" toml:"disconnect"`       // session teardown
	Watchdog    time.Duration `json:"watchdog" yaml:"watchdog" toml:"watchdog"`             // push silence before a job stream polls
}

// Validate normalizes the configuration by applying implicit defaults for
// URL, PopID, Push, Resync, AuthSafetyMargin and RateBurst, and rejects
// conflicting or malformed settings. A configuration with no credential at
// all is accepted here; resolving it fails later with model.ErrAuth.
func (c *Config) Validate() error {
	if c.URL == "" {
		env := c.Environment
		if env == "" {
			env = Production
		}
		u, ok := environmentURLs[env]
		if !ok {
			return fmt.Errorf("unknown environment %q", c.Environment)
		}
		c.URL = u
	}
	c.URL = strings.TrimRight(c.URL, "/")
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", c.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL %q must use http or https", c.URL)
	}

	if c.PopID == "" && c.Sandbox {
		c.PopID = model.TransientPopID
	}

	if n := c.credentialCount(); n > 1 {
		return fmt.Errorf("%w: exactly one of api_key, oauth2 or session may be set, got %d", model.ErrAuth, n)
	}
	if c.OAuth2 != nil && c.OAuth2.ClientID == "" && c.OAuth2.RefreshToken == "" {
		return fmt.Errorf("%w: oauth2 needs a client_id or a refresh_token", model.ErrAuth)
	}

	switch c.Push {
	case "":
		c.Push = PushWebSocket
	case PushWebSocket, PushNone:
	case PushGRPC:
		if c.GRPCAddr == "" {
			return errors.New("grpc_addr is required for grpc push")
		}
	default:
		return fmt.Errorf("unknown push transport %q", c.Push)
	}

	switch c.Resync {
	case "":
		c.Resync = ResyncRefetch
	case ResyncRefetch, ResyncIgnore:
	default:
		return fmt.Errorf("unknown resync policy %q", c.Resync)
	}

	if c.AuthSafetyMargin == 0 {
		c.AuthSafetyMargin = 60 * time.Second
	}
	if c.RateLimit < 0 {
		return errors.New("rate_limit must not be negative")
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}

	return nil
}

func (c *Config) credentialCount() int {
	n := 0
	if c.APIKey != "" {
		n++
	}
	if c.OAuth2 != nil {
		n++
	}
	if c.Session != "" {
		n++
	}
	return n
}

// WithDefaults returns a copy of t with zero values replaced by defaults:
//
//	Dial:        10s
//	Request:     30s
//	Upload:      300s
//	AuthRefresh: 10s
//	Poll:        1s
//	Disconnect:  5s
//	Watchdog:    30s
func (t Timeouts) WithDefaults() Timeouts {
	tt := t
	if tt.Dial == 0 {
		tt.Dial = 10 * time.Second
	}
	if tt.Request == 0 {
		tt.Request = 30 * time.Second
	}
	if tt.Upload == 0 {
		tt.Upload = 300 * time.Second
	}
	if tt.AuthRefresh == 0 {
		tt.AuthRefresh = 10 * time.Second
	}
	if tt.Poll == 0 {
		tt.Poll = time.Second
	}
	if tt.Disconnect == 0 {
		tt.Disconnect = 5 * time.Second
	}
	if tt.Watchdog == 0 {
		tt.Watchdog = 30 * time.Second
	}
	return tt
}

// WithDefaults returns a copy of r with zero values replaced by defaults:
//
//	InitialInterval: 500ms
//	MaxInterval:     30s
//	MaxElapsed:      5m
//	MaxAttempts:     0 (bounded by MaxElapsed only)
func (r Reconnect) WithDefaults() Reconnect {
	rr := r
	if rr.InitialInterval == 0 {
		rr.InitialInterval = 500 * time.Millisecond
	}
	if rr.MaxInterval == 0 {
		rr.MaxInterval = 30 * time.Second
	}
	if rr.MaxElapsed == 0 {
		rr.MaxElapsed = 5 * time.Minute
	}
	return rr
}
