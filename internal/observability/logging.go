// Package observability provides structured logging for the room server.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/vrserver/internal/config"
)

// Logger bundles the root logger with its runtime-adjustable level. Level
// implements http.Handler (GET reports, PUT changes).
type Logger struct {
	*zap.Logger
	Level zap.AtomicLevel
}

// NewLogger creates a structured logger from the given logging configuration.
// Every entry carries the instance name.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig, instance string) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	switch cfg.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	atom := zap.NewAtomicLevelAt(level)
	zapCfg.Level = atom
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if instance != "" {
		zapCfg.InitialFields = map[string]interface{}{"instance": instance}
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return &Logger{Logger: logger, Level: atom}, nil
}
