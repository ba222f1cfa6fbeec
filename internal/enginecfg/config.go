// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package enginecfg loads the registry engine's configuration through a layered
// koanf.Koanf stack: built-in defaults, an optional YAML file, then environment
// variables (highest priority). Adapted from the teacher's internal/config package —
// same three-layer loading order and env-transform approach — re-scoped to the
// engine's storage/sync/auth surface instead of media-server data sources.
package enginecfg

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
)

// Config holds all engine configuration, loaded defaults-then-file-then-env.
type Config struct {
	TenantID string       `koanf:"tenant_id" validate:"required"`
	Storage  StorageConfig `koanf:"storage"`
	Sync     SyncConfig    `koanf:"sync"`
	Auth     AuthConfig    `koanf:"auth"`
	Logging  LoggingConfig `koanf:"logging"`
}

// StorageConfig selects and configures the embedded storage backend.
type StorageConfig struct {
	// Backend is "memory" (tests), "badger" (client-side embedded KV), or
	// "duckdb" (server-side embedded analytical store).
	Backend   string `koanf:"backend"`
	BadgerDir string `koanf:"badger_dir"`
	DuckDBDSN string `koanf:"duckdb_dsn"`
}

// SyncConfig configures the Internal Sync Manager's retry and pagination policy.
type SyncConfig struct {
	ServerURL       string        `koanf:"server_url"`
	PageSize        int           `koanf:"page_size"`
	BackoffBase     time.Duration `koanf:"backoff_base"`
	BackoffFactor   float64       `koanf:"backoff_factor"`
	BackoffMaxDelay time.Duration `koanf:"backoff_max_delay"`
	MaxAttempts     int           `koanf:"max_attempts"`
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
}

// AuthConfig lists the ordered auth provider chain (spec §4.9).
type AuthConfig struct {
	Providers []ProviderConfig `koanf:"providers"`
}

// ProviderConfig describes one entry in the Auth Gate's provider chain.
type ProviderConfig struct {
	Name          string        `koanf:"name"`
	Type          string        `koanf:"type"` // "password" or "oidc"
	JWTSecret     string        `koanf:"jwt_secret"`
	TokenTTL      time.Duration `koanf:"token_ttl"`
	OIDCIssuerURL string        `koanf:"oidc_issuer_url"`
	OIDCClientID  string        `koanf:"oidc_client_id"`
	OIDCSecret    string        `koanf:"oidc_client_secret"`
	OIDCRedirect  string        `koanf:"oidc_redirect_url"`
}

// LoggingConfig mirrors enginelog.Config, expressed as plain config fields so it can
// be loaded the same way as everything else and then translated at startup.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// DefaultConfigPaths lists where a config file is searched for, in priority order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/datacollect-engine/config.yaml",
}

// ConfigPathEnvVar overrides the searched config file path.
const ConfigPathEnvVar = "ENGINE_CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		TenantID: "default",
		Storage: StorageConfig{
			Backend:   "memory",
			BadgerDir: "./data/badger",
			DuckDBDSN: "./data/engine.duckdb",
		},
		Sync: SyncConfig{
			PageSize:        10,
			BackoffBase:     1 * time.Second,
			BackoffFactor:   2,
			BackoffMaxDelay: 5 * time.Minute,
			MaxAttempts:     10,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Auth: AuthConfig{
			Providers: []ProviderConfig{
				{Name: "default", Type: "password", TokenTTL: 24 * time.Hour},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the final Config by layering defaults, an optional YAML file, then
// environment variables, and validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindValidation, "load config defaults", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, engineerrors.Wrap(engineerrors.KindValidation, fmt.Sprintf("load config file %s", path), err)
		}
	}

	envProvider := env.Provider("ENGINE_", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindValidation, "load environment variables", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindValidation, "unmarshal configuration", err)
	}

	if err := engineerrors.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps known ENGINE_-prefixed environment variable suffixes to their full
// koanf dotted path. A blind underscore-to-dot replacement would mangle multi-word leaf
// names (e.g. "page_size"), so each accepted variable is listed explicitly, mirroring
// the teacher's envMappings table.
var envMappings = map[string]string{
	"tenant_id": "tenant_id",

	"storage_backend":   "storage.backend",
	"storage_badger_dir": "storage.badger_dir",
	"storage_duckdb_dsn": "storage.duckdb_dsn",

	"sync_server_url":       "sync.server_url",
	"sync_page_size":        "sync.page_size",
	"sync_backoff_base":     "sync.backoff_base",
	"sync_backoff_factor":   "sync.backoff_factor",
	"sync_backoff_max_delay": "sync.backoff_max_delay",
	"sync_max_attempts":     "sync.max_attempts",
	"sync_breaker_failures": "sync.breaker_failures",
	"sync_breaker_timeout":  "sync.breaker_timeout",

	"logging_level":  "logging.level",
	"logging_format": "logging.format",
	"logging_caller": "logging.caller",
}

// envTransformFunc maps ENGINE_-prefixed environment variables to koanf dotted paths,
// e.g. ENGINE_STORAGE_BACKEND -> storage.backend, ENGINE_SYNC_SERVER_URL -> sync.server_url.
// Auth provider chains are not expressible via flat env vars and must come from the
// config file; unrecognized keys are dropped.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "ENGINE_"))
	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
