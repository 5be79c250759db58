// Package config provides configuration management for the EyePop SDK.
//
// # Basic Configuration
//
// The minimum configuration is a credential; everything else has defaults:
//
//	cfg := &config.Config{
//		APIKey: os.Getenv("EYEPOP_API_KEY"),
//		PopID:  "my-pop-uuid",
//	}
//
// # Environments
//
// URL defaults to the production API. Environment selects a well-known
// alternative, and URL overrides both:
//
//	cfg.Environment = config.Staging      // https://api.staging.eyepop.xyz
//	cfg.URL = "http://localhost:8080"     // local or proxied service
//
// Sandbox sessions get an isolated worker; without a PopID they attach to a
// transient pop that can be reconfigured with Endpoint.ChangePop.
//
// # Credentials
//
// Exactly one credential source may be active:
//
//   - APIKey: a long-lived secret exchanged for short-lived access tokens
//   - OAuth2: refresh-token grant (RefreshToken set) or client credentials
//   - Session: a pre-issued session blob, passed through unchanged
//
// Tokens are refreshed AuthSafetyMargin before they expire (default 60s).
//
// # Push Transport
//
// Push selects how server events reach the client:
//
//	config.PushWebSocket // default, JSON envelopes over a WebSocket
//	config.PushGRPC      // bidirectional gRPC stream, needs GRPCAddr
//	config.PushNone      // no push, job streams poll
//
// # Reconnect
//
// With AutoReconnect a lost push connection moves the endpoint to
// Reconnecting and retries with exponential backoff (Reconnect.WithDefaults):
//
//	cfg.AutoReconnect = true
//	cfg.Reconnect = config.Reconnect{MaxInterval: 10 * time.Second, MaxAttempts: 20}
//
// # Loading From Files
//
// Load reads YAML, TOML or JSON by file extension; ApplyEnv overlays the
// EYEPOP_* environment variables:
//
//	cfg, err := config.Load("eyepop.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	cfg.ApplyEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// # Thread Safety
//
// Config is a plain value. Do not modify a Config after passing it to
// sdk.NewEndpoint.
package config
