package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPathsNestUnderSessionDir(t *testing.T) {
	dir := Dir("main")
	if !strings.HasSuffix(dir, filepath.Join(".huddle", "sessions", "main")) {
		t.Errorf("Dir = %q", dir)
	}

	for name, path := range map[string]string{
		"socket": SocketPath("main"),
		"lock":   LockPath("main"),
		"cache":  CacheDBPath("main"),
		"token":  TokenPath("main"),
		"log":    LogPath("main"),
	} {
		if !strings.HasPrefix(path, dir) {
			t.Errorf("%s path %q not under session dir %q", name, path, dir)
		}
	}

	if !strings.HasSuffix(ConfigPath(), filepath.Join(".huddle", "config.toml")) {
		t.Errorf("ConfigPath = %q", ConfigPath())
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	if CacheDBPath("a") == CacheDBPath("b") {
		t.Error("sessions share a cache path")
	}
	if SocketPath("a") == SocketPath("b") {
		t.Error("sessions share a socket path")
	}
}

func TestEnsureDirCreatesTree(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("test"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsDir() {
		t.Error("log dir is not a directory")
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("perm = %o, want 0700", info.Mode().Perm())
	}
}
