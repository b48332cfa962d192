package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Storage.Type != "file" {
		t.Errorf("storage.type = %q, want file", cfg.Storage.Type)
	}
	if cfg.Keepalive.Interval != 15*time.Second {
		t.Errorf("keepalive.interval = %v, want 15s", cfg.Keepalive.Interval)
	}
	if cfg.Upstream.Reconnect.MaxInterval != 30*time.Second {
		t.Errorf("reconnect.max_interval = %v, want 30s", cfg.Upstream.Reconnect.MaxInterval)
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
upstream:
  base_url: http://agents.internal:7000
storage:
  type: sqlite
  sqlite:
    path: /var/lib/relay/relay.db
keepalive:
  interval: 5s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("server.port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Upstream.BaseURL != "http://agents.internal:7000" {
		t.Errorf("upstream.base_url = %q", cfg.Upstream.BaseURL)
	}
	if cfg.Storage.Type != "sqlite" {
		t.Errorf("storage.type = %q, want sqlite", cfg.Storage.Type)
	}
	if cfg.Storage.SQLite.Path != "/var/lib/relay/relay.db" {
		t.Errorf("storage.sqlite.path = %q", cfg.Storage.SQLite.Path)
	}
	if cfg.Keepalive.Interval != 5*time.Second {
		t.Errorf("keepalive.interval = %v, want 5s", cfg.Keepalive.Interval)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RELAY_SERVER__PORT", "9999")
	t.Setenv("RELAY_STORAGE__TYPE", "memory")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("server.port = %d, want 9999 from env", cfg.Server.Port)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("storage.type = %q, want memory from env", cfg.Storage.Type)
	}
}

func TestLoadRejectsUnknownStorageType(t *testing.T) {
	t.Setenv("RELAY_STORAGE__TYPE", "postgres")

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadFile() with unknown storage type succeeded, want error")
	}
}
