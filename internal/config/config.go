// Package config loads service configuration from a YAML file with
// environment-variable overrides (STREAMCHAT_SERVER__PORT=9090 style).
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "STREAMCHAT_"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storage    StorageConfig    `koanf:"storage"`
	Sessions   SessionsConfig   `koanf:"sessions"`
	Backend    BackendConfig    `koanf:"backend"`
	Resilience ResilienceConfig `koanf:"resilience"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type StorageConfig struct {
	// Path is the SQLite database file, or ":memory:".
	Path string `koanf:"path"`
}

type SessionsConfig struct {
	MaxSessions     int           `koanf:"max_sessions"`
	DefaultTimeout  time.Duration `koanf:"default_timeout"`
	MirrorQueueSize int           `koanf:"mirror_queue_size"`
	SweepInterval   time.Duration `koanf:"sweep_interval"`
}

type BackendConfig struct {
	// BaseURL is the Ollama server address.
	BaseURL string `koanf:"base_url"`
	// DefaultModel is used when a generation request names none.
	DefaultModel   string        `koanf:"default_model"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type ResilienceConfig struct {
	MaxRetries       int           `koanf:"max_retries"`
	BaseDelay        time.Duration `koanf:"base_delay"`
	MaxDelay         time.Duration `koanf:"max_delay"`
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown"`
}

type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `koanf:"level"`
	// BufferSize is the in-memory ring kept for /v1/observability/logs.
	BufferSize int `koanf:"buffer_size"`
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Load reads path (optional; a missing file falls through to env vars
// and defaults) and applies STREAMCHAT_ env overrides on top.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	// Environment variables override file config.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                  8080,
		"server.read_timeout":          "30s",
		"server.request_timeout":       "60s",
		"server.shutdown_timeout":      "10s",
		"storage.path":                 "streamchat.db",
		"sessions.max_sessions":        100,
		"sessions.default_timeout":     "5m",
		"sessions.mirror_queue_size":   1024,
		"sessions.sweep_interval":      "30s",
		"backend.base_url":             "http://localhost:11434",
		"backend.request_timeout":      "120s",
		"resilience.max_retries":       3,
		"resilience.base_delay":        "100ms",
		"resilience.max_delay":         "5s",
		"resilience.breaker_threshold": 5,
		"resilience.breaker_cooldown":  "30s",
		"logging.level":                "info",
		"logging.buffer_size":          512,
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}
