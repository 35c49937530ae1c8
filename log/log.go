// Package log provides structured logging for the EDR runtime. It wraps
// log/slog with per-module child loggers and builds its handlers from
// go-ethereum's log package so that messages emitted by the interpreter and
// by EDR share one sink and one format.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	gethlog "github.com/ethereum/go-ethereum/log"
)

// LevelTrace is more verbose than debug. It is used for per-request RPC
// logging and opcode-level diagnostics.
const LevelTrace = gethlog.LevelTrace

// Logger wraps slog.Logger with EDR-specific context.
type Logger struct {
	inner *slog.Logger
}

// defaultLogger is the process-wide logger used by the package-level
// convenience functions.
var defaultLogger *Logger

func init() {
	defaultLogger = NewWithHandler(gethlog.NewTerminalHandlerWithLevel(os.Stderr, slog.LevelInfo, false))
}

// New creates a Logger that writes to w at the given level in the given
// format ("terminal" or "json").
func New(w io.Writer, level slog.Level, format string) *Logger {
	return NewWithHandler(NewHandler(w, level, format))
}

// NewHandler returns the go-ethereum handler for the given format. Terminal
// output is colored only when w is a TTY.
func NewHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	if format == FormatJSON {
		return gethlog.JSONHandlerWithLevel(w, level)
	}
	return gethlog.NewTerminalHandlerWithLevel(w, level, isTerminal(w))
}

// NewWithHandler creates a Logger backed by the supplied slog.Handler. This
// is useful for testing or for writing to a custom destination.
func NewWithHandler(h slog.Handler) *Logger {
	return &Logger{inner: slog.New(h)}
}

// SetDefault replaces the package-level default logger and installs the same
// handler as go-ethereum's root logger.
func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	defaultLogger = l
	gethlog.SetDefault(gethlog.NewLogger(l.inner.Handler()))
}

// Default returns the current package-level default logger.
func Default() *Logger {
	return defaultLogger
}

// Module returns a child logger of the default logger with a "module"
// attribute. Subsystems call it once at package init.
func Module(name string) *Logger {
	return &Logger{inner: slog.New(&deferred{module: name})}
}

// Module returns a child logger with an additional "module" attribute.
func (l *Logger) Module(name string) *Logger {
	return &Logger{inner: l.inner.With("module", name)}
}

// With returns a child logger with additional key-value context.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{inner: l.inner.With(args...)}
}

// WithGroup returns a child logger that nests later attributes under name.
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{inner: l.inner.WithGroup(name)}
}

// Enabled reports whether the logger emits records at level.
func (l *Logger) Enabled(level slog.Level) bool {
	return l.inner.Enabled(context.Background(), level)
}

// Trace logs at LevelTrace.
func (l *Logger) Trace(msg string, args ...any) { l.inner.Log(context.Background(), LevelTrace, msg, args...) }

// Debug logs at LevelDebug.
func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }

// Info logs at LevelInfo.
func (l *Logger) Info(msg string, args ...any) { l.inner.Info(msg, args...) }

// Warn logs at LevelWarn.
func (l *Logger) Warn(msg string, args ...any) { l.inner.Warn(msg, args...) }

// Error logs at LevelError.
func (l *Logger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }

// Package-level convenience functions delegate to defaultLogger.

// Debug logs at LevelDebug using the default logger.
func Debug(msg string, args ...any) { defaultLogger.Debug(msg, args...) }

// Info logs at LevelInfo using the default logger.
func Info(msg string, args ...any) { defaultLogger.Info(msg, args...) }

// Warn logs at LevelWarn using the default logger.
func Warn(msg string, args ...any) { defaultLogger.Warn(msg, args...) }

// Error logs at LevelError using the default logger.
func Error(msg string, args ...any) { defaultLogger.Error(msg, args...) }

// deferred resolves the default handler at record time, so module loggers
// created during package init follow a later SetDefault.
type deferred struct {
	module string
	steps  []step
}

// step is one WithAttrs or WithGroup call, replayed in order.
type step struct {
	attrs []slog.Attr
	group string
}

func (d *deferred) handler() slog.Handler {
	h := defaultLogger.inner.Handler().WithAttrs([]slog.Attr{slog.String("module", d.module)})
	for _, s := range d.steps {
		if s.group != "" {
			h = h.WithGroup(s.group)
		} else {
			h = h.WithAttrs(s.attrs)
		}
	}
	return h
}

func (d *deferred) Enabled(ctx context.Context, level slog.Level) bool {
	return defaultLogger.inner.Handler().Enabled(ctx, level)
}

func (d *deferred) Handle(ctx context.Context, r slog.Record) error {
	return d.handler().Handle(ctx, r)
}

func (d *deferred) with(s step) *deferred {
	n := *d
	n.steps = append(append([]step(nil), d.steps...), s)
	return &n
}

func (d *deferred) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return d
	}
	return d.with(step{attrs: attrs})
}

func (d *deferred) WithGroup(name string) slog.Handler {
	if name == "" {
		return d
	}
	return d.with(step{group: name})
}
