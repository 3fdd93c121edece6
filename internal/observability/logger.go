// Package observability builds the structured logger shared across the client.
package observability

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig selects the logger's level and output format.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Encoding    string `yaml:"encoding"`
	Development bool   `yaml:"development"`
}

// NewLogger builds a zap logger for cfg. Encoding is "json" or "console".
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if text := strings.TrimSpace(cfg.Level); text != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(text))); err != nil {
			return nil, fmt.Errorf("logging level %q: %w", cfg.Level, err)
		}
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	switch enc := strings.ToLower(strings.TrimSpace(cfg.Encoding)); enc {
	case "":
	case "json", "console":
		zcfg.Encoding = enc
	default:
		return nil, fmt.Errorf("logging encoding %q: must be json or console", cfg.Encoding)
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

var defaultLogger atomic.Pointer[zap.Logger]

// SetLogger overrides the process-wide logger. nil restores the no-op logger.
func SetLogger(logger *zap.Logger) {
	defaultLogger.Store(logger)
}

// Log returns the process-wide logger, a no-op logger until SetLogger is called.
func Log() *zap.Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// Named returns logger, or the process-wide logger when nil, scoped to name.
func Named(logger *zap.Logger, name string) *zap.Logger {
	if logger == nil {
		logger = Log()
	}
	return logger.Named(name)
}
