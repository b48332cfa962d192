// Package config loads the relay configuration from an optional config.yaml
// overlaid by RELAY_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Storage   StorageConfig   `koanf:"storage"`
	Keepalive KeepaliveConfig `koanf:"keepalive"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type UpstreamConfig struct {
	BaseURL   string          `koanf:"base_url"`
	Reconnect ReconnectConfig `koanf:"reconnect"`
}

type ReconnectConfig struct {
	BaseInterval time.Duration `koanf:"base_interval"`
	MaxInterval  time.Duration `koanf:"max_interval"`
}

type StorageConfig struct {
	// Type selects the event log backend: file, sqlite, memory.
	Type   string       `koanf:"type"`
	File   FileConfig   `koanf:"file"`
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type FileConfig struct {
	Dir string `koanf:"dir"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type KeepaliveConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// Load reads config.yaml if present, then environment variables
// (RELAY_SERVER__PORT → server.port), then applies defaults.
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// Missing file is fine; env vars and defaults take over.
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("RELAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "RELAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	defaults := map[string]any{
		"server.port":                     8080,
		"upstream.base_url":               "http://localhost:9090",
		"upstream.reconnect.base_interval": "1s",
		"upstream.reconnect.max_interval":  "30s",
		"storage.type":                    "file",
		"storage.file.dir":                "./data/sessions",
		"storage.sqlite.path":             "./data/relay.db",
		"keepalive.interval":              "15s",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	switch cfg.Storage.Type {
	case "file", "sqlite", "memory":
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}

	return &cfg, nil
}
