// Package logging builds the zerolog loggers used across the bridge and
// carries them through contexts.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the root logger.
type Config struct {
	Level  string    // debug|info|warn|error|fatal|panic
	Pretty bool      // human-readable console output
	Output io.Writer // defaults to os.Stderr
}

// New returns the root logger and applies the global level.
func New(cfg Config) zerolog.Logger {
	SetLevel(cfg.Level)
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Str("service", "play-review-bridge").Logger()
}

// SetLevel configures the global zerolog level based on a string value.
// Supported values (case-insensitive): debug, info, warn, error, fatal, panic.
// Unknown values fall back to info.
func SetLevel(lvl string) {
	zerolog.SetGlobalLevel(ParseLevel(lvl))
}

// ParseLevel maps a level name to a zerolog.Level.
func ParseLevel(lvl string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component scopes a logger to a named subsystem.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// ForApp scopes a logger to one bridged app.
func ForApp(l zerolog.Logger, appID string) zerolog.Logger {
	return l.With().Str("app_id", appID).Logger()
}

// WithLogger stores l in ctx.
func WithLogger(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// Ctx returns the logger stored in ctx, or a disabled logger.
func Ctx(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
