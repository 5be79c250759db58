package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
)

// TestConfigValidate_AppliesDefaults verifies that Validate applies default values
// for URL, Push, Resync and AuthSafetyMargin when they are not explicitly set.
func TestConfigValidate_AppliesDefaults(t *testing.T) {
	cfg := &Config{APIKey: "secret"}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}

	if cfg.URL != "https://api.eyepop.ai" {
		t.Fatalf("unexpected URL: %s", cfg.URL)
	}
	if cfg.Push != PushWebSocket {
		t.Fatalf("unexpected Push: %s", cfg.Push)
	}
	if cfg.Resync != ResyncRefetch {
		t.Fatalf("unexpected Resync: %s", cfg.Resync)
	}
	if cfg.AuthSafetyMargin != 60*time.Second {
		t.Fatalf("unexpected AuthSafetyMargin: %v", cfg.AuthSafetyMargin)
	}
	if cfg.PopID != "" {
		t.Fatalf("expected empty PopID outside sandbox, got %q", cfg.PopID)
	}
}

// TestConfigValidate_SandboxDefaultsToTransientPop verifies that a sandbox
// session without a pop id targets a transient pop.
func TestConfigValidate_SandboxDefaultsToTransientPop(t *testing.T) {
	cfg := &Config{APIKey: "secret", Sandbox: true, Environment: Staging}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if cfg.PopID != model.TransientPopID {
		t.Fatalf("expected transient pop, got %q", cfg.PopID)
	}
	if cfg.URL != "https://api.staging.eyepop.xyz" {
		t.Fatalf("unexpected staging URL: %s", cfg.URL)
	}
}

// TestConfigValidate_Errors verifies the rejected configurations.
func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name:    "two credentials",
			cfg:     Config{APIKey: "k", Session: "s"},
			wantErr: model.ErrAuth,
		},
		{
			name:    "empty oauth2",
			cfg:     Config{OAuth2: &OAuth2{}},
			wantErr: model.ErrAuth,
		},
		{
			name: "unknown environment",
			cfg:  Config{Environment: "moon"},
		},
		{
			name: "bad scheme",
			cfg:  Config{URL: "ftp://example.com"},
		},
		{
			name: "grpc without address",
			cfg:  Config{Push: PushGRPC},
		},
		{
			name: "unknown push",
			cfg:  Config{Push: "carrier-pigeon"},
		},
		{
			name: "unknown resync",
			cfg:  Config{Resync: "sometimes"},
		},
		{
			name: "negative rate",
			cfg:  Config{RateLimit: -1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

// TestConfigValidate_NoCredentialIsAccepted verifies that a missing credential
// is deferred to credential resolution.
func TestConfigValidate_NoCredentialIsAccepted(t *testing.T) {
	cfg := &Config{URL: "http://localhost:8080/"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL != "http://localhost:8080" {
		t.Fatalf("expected trailing slash trimmed, got %s", cfg.URL)
	}
}

// TestTimeoutsWithDefaults verifies that WithDefaults preserves explicitly set
// timeout values and fills in defaults for zero values.
func TestTimeoutsWithDefaults(t *testing.T) {
	in := Timeouts{Request: 3 * time.Second}
	out := in.WithDefaults()

	if out.Request != 3*time.Second {
		t.Fatalf("explicit Request overwritten: %v", out.Request)
	}
	if out.Dial != 10*time.Second {
		t.Fatalf("unexpected Dial default: %v", out.Dial)
	}
	if out.Upload != 300*time.Second {
		t.Fatalf("unexpected Upload default: %v", out.Upload)
	}
	if out.AuthRefresh != 10*time.Second {
		t.Fatalf("unexpected AuthRefresh default: %v", out.AuthRefresh)
	}
	if out.Poll != time.Second {
		t.Fatalf("unexpected Poll default: %v", out.Poll)
	}
	if out.Disconnect != 5*time.Second {
		t.Fatalf("unexpected Disconnect default: %v", out.Disconnect)
	}
	if out.Watchdog != 30*time.Second {
		t.Fatalf("unexpected Watchdog default: %v", out.Watchdog)
	}
	if in.Dial != 0 {
		t.Fatal("WithDefaults must not modify the receiver")
	}
}

func TestReconnectWithDefaults(t *testing.T) {
	out := Reconnect{MaxAttempts: 3}.WithDefaults()
	if out.InitialInterval != 500*time.Millisecond || out.MaxInterval != 30*time.Second || out.MaxElapsed != 5*time.Minute {
		t.Fatalf("unexpected defaults: %#v", out)
	}
	if out.MaxAttempts != 3 {
		t.Fatalf("explicit MaxAttempts overwritten: %d", out.MaxAttempts)
	}
}

func TestLoad_Formats(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"c.yaml": "url: http://localhost:9000\npop_id: p1\napi_key: k\nreconnect:\n  max_interval: 2s\ntimeouts:\n  poll: 250ms\n",
		"c.toml": "url = \"http://localhost:9000\"\npop_id = \"p1\"\napi_key = \"k\"\n[reconnect]\nmax_interval = \"2s\"\n[timeouts]\npoll = \"250ms\"\n",
		"c.json": `{"url":"http://localhost:9000","pop_id":"p1","api_key":"k","reconnect":{"max_interval":2000000000},"timeouts":{"poll":250000000}}`,
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.URL != "http://localhost:9000" || cfg.PopID != "p1" || cfg.APIKey != "k" {
				t.Fatalf("unexpected config %#v", cfg)
			}
			if cfg.Reconnect.MaxInterval != 2*time.Second {
				t.Fatalf("unexpected max_interval %v", cfg.Reconnect.MaxInterval)
			}
			if cfg.Timeouts.Poll != 250*time.Millisecond {
				t.Fatalf("unexpected poll %v", cfg.Timeouts.Poll)
			}
		})
	}
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.ini")
	if err := os.WriteFile(path, []byte("x=1"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for .ini")
	}
}

func TestApplyEnv_CredentialReplacesFileCredential(t *testing.T) {
	t.Setenv(EnvSession, "blob")
	t.Setenv(EnvPopID, "env-pop")
	cfg := &Config{APIKey: "file-key", PopID: "file-pop"}
	cfg.ApplyEnv()
	if cfg.Session != "blob" || cfg.APIKey != "" {
		t.Fatalf("expected env session to replace api key, got %#v", cfg)
	}
	if cfg.PopID != "env-pop" {
		t.Fatalf("unexpected pop id %q", cfg.PopID)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
