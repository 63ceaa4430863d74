// Package logging provides the leveled, structured logger shared by the
// coordinator, the nodes and the command engine.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger is the logging surface every component depends on.
// Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugCtx(ctx context.Context, msg string, args ...any)
	InfoCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
}

// DefaultLogger writes slog text records prefixed with the component name.
type DefaultLogger struct {
	logger *slog.Logger
	prefix string
}

// New creates a logger for component writing to stderr at level.
func New(component string, level slog.Level) *DefaultLogger {
	return NewWithWriter(os.Stderr, component, level)
}

// NewWithWriter is New with an explicit destination, used by tests.
func NewWithWriter(w io.Writer, component string, level slog.Level) *DefaultLogger {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
	prefix := ""
	if component != "" {
		prefix = "[" + component + "] "
	}
	return &DefaultLogger{logger: logger, prefix: prefix}
}

// Discard returns a logger that drops everything.
func Discard() *DefaultLogger {
	return NewWithWriter(io.Discard, "", slog.LevelError+1)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "warn", "WARN", "warning":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (d *DefaultLogger) Debug(msg string, args ...any) {
	d.logger.Debug(d.prefix+msg, args...)
}

func (d *DefaultLogger) Info(msg string, args ...any) {
	d.logger.Info(d.prefix+msg, args...)
}

func (d *DefaultLogger) Warn(msg string, args ...any) {
	d.logger.Warn(d.prefix+msg, args...)
}

func (d *DefaultLogger) Error(msg string, args ...any) {
	d.logger.Error(d.prefix+msg, args...)
}

type defaultArgsKey struct{}

func defaultArgs(ctx context.Context) []any {
	if args, ok := ctx.Value(defaultArgsKey{}).([]any); ok {
		return args
	}
	return nil
}

// WithDefaultArgs returns a context whose Ctx log calls append args.
func WithDefaultArgs(ctx context.Context, args ...any) context.Context {
	prev := defaultArgs(ctx)
	merged := make([]any, 0, len(prev)+len(args))
	merged = append(merged, prev...)
	merged = append(merged, args...)
	return context.WithValue(ctx, defaultArgsKey{}, merged)
}

func (d *DefaultLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Debug(d.prefix+msg, append(args, defaultArgs(ctx)...)...)
}

func (d *DefaultLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Info(d.prefix+msg, append(args, defaultArgs(ctx)...)...)
}

func (d *DefaultLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Warn(d.prefix+msg, append(args, defaultArgs(ctx)...)...)
}

func (d *DefaultLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Error(d.prefix+msg, append(args, defaultArgs(ctx)...)...)
}
