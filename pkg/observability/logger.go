// Package observability binds the transport's observability callbacks
// (logger, tracing, metrics) to concrete implementations: structured
// logging via go.uber.org/zap and a metrics registry via
// github.com/prometheus/client_golang, while still exposing plain callback
// hooks for user-supplied handlers.
package observability

import (
	"fmt"

	"go.uber.org/zap"
)

// Level is one of the four logger levels.
type Level int

const (
	Debug Level = iota
	Info
	Warning
	Error
)

// LogFunc is the logger callback shape: (level, message, user_data).
// user_data is opaque to the runtime and passed through verbatim.
type LogFunc func(level Level, message string, userData any)

// Logger adapts the level-gated callback logger onto a zap.Logger,
// so messages below minLevel are dropped before any formatting cost is
// paid, while still invoking any caller-supplied callback alongside it.
type Logger struct {
	zap      *zap.Logger
	minLevel Level
	callback LogFunc
	userData any
}

// NewLogger builds a Logger around base (pass zap.NewNop() for a
// no-op sink), dropping messages below minLevel.
func NewLogger(base *zap.Logger, minLevel Level) *Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return &Logger{zap: base, minLevel: minLevel}
}

// SetCallback installs a user callback invoked alongside the zap sink for
// every message that passes the level filter.
func (l *Logger) SetCallback(fn LogFunc, userData any) {
	l.callback = fn
	l.userData = userData
}

// Zap exposes the underlying sink for components that log structured
// fields directly; level gating and the user callback apply only to
// messages routed through Log.
func (l *Logger) Zap() *zap.Logger { return l.zap }

// Log records message at level, provided level meets the configured
// minimum.
func (l *Logger) Log(level Level, message string) {
	if level < l.minLevel {
		return
	}

	switch level {
	case Debug:
		l.zap.Debug(message)
	case Info:
		l.zap.Info(message)
	case Warning:
		l.zap.Warn(message)
	case Error:
		l.zap.Error(message)
	}

	if l.callback != nil {
		l.callback(level, message, l.userData)
	}
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(Warning, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(Error, format, args...) }

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.minLevel {
		return
	}
	l.Log(level, fmt.Sprintf(format, args...))
}
