package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	ServerURL      string `toml:"server_url"`
	UserID         string `toml:"user_id"`

	// Tunables; zero values mean "use default".
	HeartbeatSecs   int `toml:"heartbeat_secs"`
	SendTimeoutSecs int `toml:"send_timeout_secs"`
}

const (
	DefaultHeartbeatSecs   = 25
	DefaultSendTimeoutSecs = 10
)

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if cfg.HeartbeatSecs <= 0 {
		cfg.HeartbeatSecs = DefaultHeartbeatSecs
	}
	if cfg.SendTimeoutSecs <= 0 {
		cfg.SendTimeoutSecs = DefaultSendTimeoutSecs
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
