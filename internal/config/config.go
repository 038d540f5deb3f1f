package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Transport selects how the daemon learns about server-side changes.
const (
	TransportWebSocket = "websocket"
	TransportPoll      = "poll"
)

// Server holds the backend endpoints and credentials location.
type Server struct {
	BaseURL   string `toml:"base_url"`
	WSURL     string `toml:"ws_url"`
	TokenPath string `toml:"token_path"`
}

// Stream holds update-source tuning.
type Stream struct {
	Transport        string `toml:"transport"`
	PollIntervalMS   int    `toml:"poll_interval_ms"`
	ReconnectDelayMS int    `toml:"reconnect_delay_ms"`
}

// Config represents the global ~/.huddle/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	Server         Server `toml:"server"`
	Stream         Stream `toml:"stream"`
}

// Defaults returns a config with the stream tuning filled in.
func Defaults() *Config {
	return &Config{
		Stream: Stream{
			Transport:        TransportWebSocket,
			PollIntervalMS:   3000,
			ReconnectDelayMS: 5000,
		},
	}
}

// Load reads config from the given path. Missing stream values fall back to
// defaults; a missing file is an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Stream.Transport != TransportWebSocket && cfg.Stream.Transport != TransportPoll {
		return nil, fmt.Errorf("unknown stream transport %q", cfg.Stream.Transport)
	}
	if cfg.Stream.PollIntervalMS <= 0 {
		cfg.Stream.PollIntervalMS = 3000
	}
	if cfg.Stream.ReconnectDelayMS <= 0 {
		cfg.Stream.ReconnectDelayMS = 5000
	}
	return cfg, nil
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
