// Package utils holds small cross-cutting helpers shared by every layer of
// the QUIC/HTTP3 core: a leveled logger.
package utils

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// LogLevel controls verbosity, cheapest first.
type LogLevel uint8

const (
	LogLevelNothing LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

var currentLogLevel atomic.Int32

func init() {
	currentLogLevel.Store(int32(LogLevelError))
}

// SetLogLevel sets the level used by DefaultLogger and every prefixed
// logger derived from it.
func SetLogLevel(level LogLevel) {
	currentLogLevel.Store(int32(level))
}

// Logger is the leveled logging interface used throughout the module;
// components derive scoped instances via WithPrefix and log through
// Debugf/Infof/Errorf.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	WithPrefix(prefix string) Logger
}

type zapLogger struct {
	prefix string
	z      *zap.SugaredLogger
}

// DefaultLogger is a process-wide logger sink; individual components
// derive scoped loggers from it via WithPrefix rather than using it
// directly.
var DefaultLogger Logger = newZapLogger()

func newZapLogger() Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.DisableStacktrace = true
	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}
	return &zapLogger{z: z.Sugar()}
}

func (l *zapLogger) format(format string) string {
	if l.prefix == "" {
		return format
	}
	return fmt.Sprintf("%s: %s", l.prefix, format)
}

func (l *zapLogger) Debugf(format string, args ...interface{}) {
	if LogLevel(currentLogLevel.Load()) < LogLevelDebug {
		return
	}
	l.z.Debugf(l.format(format), args...)
}

func (l *zapLogger) Infof(format string, args ...interface{}) {
	if LogLevel(currentLogLevel.Load()) < LogLevelInfo {
		return
	}
	l.z.Infof(l.format(format), args...)
}

func (l *zapLogger) Errorf(format string, args ...interface{}) {
	if LogLevel(currentLogLevel.Load()) < LogLevelError {
		return
	}
	l.z.Errorf(l.format(format), args...)
}

func (l *zapLogger) WithPrefix(prefix string) Logger {
	if l.prefix != "" {
		prefix = l.prefix + " " + prefix
	}
	return &zapLogger{prefix: prefix, z: l.z}
}
