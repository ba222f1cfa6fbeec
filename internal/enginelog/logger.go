// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package enginelog provides centralized zerolog-based logging for the registry engine.
// Adapted from the teacher's internal/logging package: same global-logger-plus-Init
// shape, JSON in production / console in development, context-aware logging — but keyed
// on tenant id (the engine's actual partitioning unit, spec §9 "Multi-tenant isolation")
// instead of a generic correlation id.
package enginelog

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	Level     string
	Format    string // "json" or "console"
	Caller    bool
	Timestamp bool
	Output    io.Writer
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", Timestamp: true, Output: os.Stderr}
}

var (
	log zerolog.Logger
	mu  sync.RWMutex
)

func init() {
	initLogger(DefaultConfig())
}

// Init reconfigures the global logger. Safe to call multiple times; call early in
// cmd/enginectl's main().
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	initLogger(cfg)
}

func initLogger(cfg Config) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFieldName = "time"
	zerolog.LevelFieldName = "level"
	zerolog.MessageFieldName = "message"
	zerolog.ErrorFieldName = "error"

	output := cfg.Output
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05"}
	}

	ctx := zerolog.New(output)
	if cfg.Timestamp {
		ctx = ctx.With().Timestamp().Logger()
	}
	if cfg.Caller {
		ctx = ctx.With().Caller().Logger()
	}
	log = ctx
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Logger returns the global logger instance.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

type contextKey string

const tenantIDKey contextKey = "tenant_id"

// ContextWithTenant attaches a tenant id to ctx for downstream logging.
func ContextWithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantFromContext retrieves the tenant id attached by ContextWithTenant, or "".
func TenantFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey).(string); ok {
		return id
	}
	return ""
}

// Ctx returns a logger enriched with the tenant id carried by ctx, if any.
func Ctx(ctx context.Context) zerolog.Logger {
	l := Logger()
	if tid := TenantFromContext(ctx); tid != "" {
		return l.With().Str("tenant_id", tid).Logger()
	}
	return l
}

func Info() *zerolog.Event  { return Logger().Info() }
func Debug() *zerolog.Event { return Logger().Debug() }
func Warn() *zerolog.Event  { return Logger().Warn() }
func Error() *zerolog.Event { return Logger().Error() }

// NewGUID generates a globally unique identifier used for entity guids, form guids, and
// audit entry guids (spec §3). appliers never call this directly — determinism requires
// guid generation happen before the applier is invoked, from a supplied source
// (spec §4.4), so this lives in the ambient logging/id-generation layer the host calls
// from, not inside applier code.
func NewGUID() string {
	return uuid.New().String()
}
