// Package logging builds the process logger.
package logging

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON ("json") or human readable ("console") logger at
// level.
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(format) {
	case "json", "":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// Timing logs the start of operation and returns a func that logs its
// duration, both at debug level.
func Timing(logger *zap.Logger, operation string) func() {
	if !logger.Core().Enabled(zap.DebugLevel) {
		return func() {}
	}

	start := time.Now()
	logger.Debug("Starting", zap.String("operation", operation))

	return func() {
		logger.Debug("Completed",
			zap.String("operation", operation),
			zap.Duration("took", time.Since(start)))
	}
}
