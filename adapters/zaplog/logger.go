// Package zaplog adapts go.uber.org/zap to resonance.Logger.
package zaplog

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/coregx/resonance"
)

var _ resonance.Logger = (*Logger)(nil)

// Logger forwards bus log lines to a zap SugaredLogger.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New wraps an existing zap logger.
func New(logger *zap.Logger) *Logger {
	return &Logger{sugar: logger.Sugar()}
}

// NewLogger builds a zap logger for level ("debug", "info", "warn" or "error").
// Debug uses the development encoder; every other level the JSON production encoder.
func NewLogger(level string) (*Logger, *zap.Logger, error) {
	config, err := Config(level)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return New(logger), logger, nil
}

// Config returns the zap configuration NewLogger uses for level.
func Config(level string) (zap.Config, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zap.Config{}, err
	}

	var config zap.Config
	if lvl == zapcore.DebugLevel {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}
	config.Level = zap.NewAtomicLevelAt(lvl)
	return config, nil
}

// ParseLevel maps a level name to a zap level. An empty name means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// Debugf implements resonance.Logger.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Infof implements resonance.Logger.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warnf implements resonance.Logger.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Errorf implements resonance.Logger.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Info implements resonance.Logger.
func (l *Logger) Info(message string) {
	l.sugar.Info(message)
}

// With returns a logger that adds key/value pairs to every entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(keysAndValues...)}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
