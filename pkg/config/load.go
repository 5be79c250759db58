package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by ApplyEnv.
const (
	EnvURL         = "EYEPOP_URL"
	EnvAPIKey      = "EYEPOP_API_KEY"
	EnvSession     = "EYEPOP_SESSION"
	EnvPopID       = "EYEPOP_POP_ID"
	EnvAccountUUID = "EYEPOP_ACCOUNT_UUID"
)

// Load reads a configuration file. The format is chosen by extension:
// .yaml/.yml, .toml or .json. The result is not validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err = toml.Decode(string(data), cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays non-empty EYEPOP_* environment variables onto c.
// A credential taken from the environment replaces any credential from the
// file so that exactly one stays active.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvURL); v != "" {
		c.URL = v
	}
	if v := os.Getenv(EnvPopID); v != "" {
		c.PopID = v
	}
	if v := os.Getenv(EnvAccountUUID); v != "" {
		c.AccountUUID = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.APIKey, c.OAuth2, c.Session = v, nil, ""
	}
	if v := os.Getenv(EnvSession); v != "" {
		c.APIKey, c.OAuth2, c.Session = "", nil, v
	}
}
