package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
default_session = "work"

[server]
base_url = "https://chat.example.com"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultSession != "work" {
		t.Errorf("default_session = %q", cfg.DefaultSession)
	}
	if cfg.Server.BaseURL != "https://chat.example.com" {
		t.Errorf("base_url = %q", cfg.Server.BaseURL)
	}
	if cfg.Stream.Transport != TransportWebSocket {
		t.Errorf("transport = %q, want websocket default", cfg.Stream.Transport)
	}
	if cfg.Stream.PollIntervalMS != 3000 || cfg.Stream.ReconnectDelayMS != 5000 {
		t.Errorf("stream tuning = %+v", cfg.Stream)
	}
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[stream]
transport = "carrier-pigeon"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown transport")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := Defaults()
	cfg.DefaultSession = "main"
	cfg.Server.BaseURL = "https://chat.example.com"
	cfg.Server.WSURL = "wss://chat.example.com/api/subscribe"
	cfg.Stream.Transport = TransportPoll

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Server.WSURL != cfg.Server.WSURL {
		t.Errorf("ws_url = %q", got.Server.WSURL)
	}
	if got.Stream.Transport != TransportPoll {
		t.Errorf("transport = %q", got.Stream.Transport)
	}
}
