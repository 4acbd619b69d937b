// Package logger wraps zap construction with level parsing.
package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// Logger carries the configured zap logger.
type Logger struct {
	Log *zap.Logger
}

// New returns an uninitialized Logger with a no-op zap instance so it is
// safe to use before Init.
func New() *Logger {
	return &Logger{Log: zap.NewNop()}
}

// Init builds the production zap logger at the given level.
func (l *Logger) Init(level string) error {
	parsed, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = parsed
	log, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	l.Log = log
	return nil
}
