// Package logging configures the process-wide zerolog logger. JSON output is
// meant for production, console output for development.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Level   string
	JSON    bool
	Service string
	Output  io.Writer
}

// Setup builds a logger from cfg, installs it as the global zerolog logger
// and returns it.
func Setup(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	service := cfg.Service
	if service == "" {
		service = "niuforum"
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	logger := zerolog.New(out).With().Timestamp().Str("service", service).Logger()
	log.Logger = logger
	zerolog.DefaultContextLogger = &log.Logger
	return logger
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithRequestID returns a context carrying a logger tagged with the request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	logger := zerolog.Ctx(ctx).With().Str("request_id", requestID).Logger()
	return logger.WithContext(ctx)
}
