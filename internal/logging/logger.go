// Package logging defines the printf-style Logger used across the workbench
// and its slog-backed default.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"workbench/internal/observability"
)

// Logger is the logging contract every component accepts.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop discards everything.
func Nop() Logger { return nopLogger{} }

// IsNil reports whether logger is nil, including a typed nil pointer stored
// in the interface.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	v := reflect.ValueOf(logger)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func:
		return v.IsNil()
	}
	return false
}

// OrNop returns logger, or Nop when it is nil.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// NewComponentLogger logs through observability.Default with a component
// attribute. The default is looked up per call, so loggers built before the
// CLI applies its config (or before a hot reload) pick up the new level.
func NewComponentLogger(component string) Logger {
	return componentLogger(component)
}

type componentLogger string

func (c componentLogger) target() *observability.Logger {
	if c == "" {
		return observability.Default()
	}
	return observability.Default().With("component", string(c))
}

func (c componentLogger) Debug(format string, args ...any) {
	c.target().Debug(fmt.Sprintf(format, args...))
}

func (c componentLogger) Info(format string, args ...any) {
	c.target().Info(fmt.Sprintf(format, args...))
}

func (c componentLogger) Warn(format string, args ...any) {
	c.target().Warn(fmt.Sprintf(format, args...))
}

func (c componentLogger) Error(format string, args ...any) {
	c.target().Error(fmt.Sprintf(format, args...))
}

// WithContext returns a logger whose records carry the trace and message
// ids found in ctx, when logger supports it. Other loggers come back as is.
func WithContext(ctx context.Context, logger Logger) Logger {
	if cl, ok := logger.(interface {
		WithContext(context.Context) Logger
	}); ok {
		return cl.WithContext(ctx)
	}
	return OrNop(logger)
}

func (c componentLogger) WithContext(ctx context.Context) Logger {
	return contextLogger{component: c, ctx: ctx}
}

type contextLogger struct {
	component componentLogger
	ctx       context.Context
}

func (l contextLogger) log(level slog.Level, format string, args []any) {
	l.component.target().Log(l.ctx, level, fmt.Sprintf(format, args...))
}

func (l contextLogger) Debug(format string, args ...any) { l.log(slog.LevelDebug, format, args) }
func (l contextLogger) Info(format string, args ...any)  { l.log(slog.LevelInfo, format, args) }
func (l contextLogger) Warn(format string, args ...any)  { l.log(slog.LevelWarn, format, args) }
func (l contextLogger) Error(format string, args ...any) { l.log(slog.LevelError, format, args) }
