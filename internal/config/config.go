// Package config loads iglink settings from a YAML file with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by all iglink commands.
type Config struct {
	// APIBaseURL is the base URL of the scheduling backend, e.g.
	// "https://api.example.com". The Instagram endpoints live under
	// {APIBaseURL}/instagram/.
	APIBaseURL string `yaml:"api_base_url" env:"IGLINK_API_BASE_URL"`

	// Origin is the application origin used for the OAuth redirect and for
	// message validation. Messages carrying any other origin are discarded.
	Origin string `yaml:"origin" env:"IGLINK_ORIGIN"`

	// CallbackAddr is the listen address for the local OAuth callback
	// endpoint. The provider redirects the child window here.
	CallbackAddr string `yaml:"callback_addr" env:"IGLINK_CALLBACK_ADDR"`

	// Token is the bearer token used to authenticate against the backend.
	Token string `yaml:"token" env:"IGLINK_TOKEN"`

	// StateDir is where the shared claim/ledger store and message inboxes
	// live. Defaults to an XDG-style data directory.
	StateDir string `yaml:"state_dir" env:"IGLINK_STATE_DIR"`

	// ChromeUserDataDir is the Chrome profile directory for the child
	// window. Empty means a throwaway profile.
	ChromeUserDataDir string `yaml:"chrome_user_data_dir" env:"IGLINK_CHROME_USER_DATA_DIR"`

	// Headless runs the child window without a visible browser. Mostly
	// useful in CI; real OAuth providers tend to reject headless sessions.
	Headless bool `yaml:"headless" env:"IGLINK_HEADLESS"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		APIBaseURL:   "http://localhost:8000",
		Origin:       "http://localhost:8701",
		CallbackAddr: "127.0.0.1:8701",
		StateDir:     DefaultStateDir(),
	}
}

// DefaultStateDir returns the default state directory.
func DefaultStateDir() string {
	if home := os.Getenv("IGLINK_HOME"); home != "" {
		return home
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "iglink")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "share", "iglink")
	}
	return filepath.Join(homeDir, ".local", "share", "iglink")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultStateDir(), "config.yaml")
}

// Load reads the config file at path (if it exists) on top of defaults,
// then applies IGLINK_* environment overrides. A missing file is not an
// error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env overrides: %w", err)
	}

	return cfg, nil
}

// Validate checks the fields every command depends on.
func (c Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url is required")
	}
	if c.Origin == "" {
		return fmt.Errorf("origin is required")
	}
	if c.CallbackAddr == "" {
		return fmt.Errorf("callback_addr is required")
	}
	return nil
}

// RedirectURI returns the redirect URI registered with the provider.
func (c Config) RedirectURI() string {
	return c.Origin + "/instagram/oauth/callback"
}
