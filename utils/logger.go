package utils

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugCtx(ctx context.Context, msg string, args ...any)
	InfoCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
	WithDefaultArgs(ctx context.Context, args ...any) context.Context
}

type DefaultLogger struct {
	logger *slog.Logger
}

func NewDefaultLogger(level slog.Level) *DefaultLogger {
	return NewWriterLogger(os.Stderr, level)
}

func NewWriterLogger(w io.Writer, level slog.Level) *DefaultLogger {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))

	return &DefaultLogger{logger: logger}
}

// Discard drops everything, handy in tests and benchmarks.
var Discard Logger = NewWriterLogger(io.Discard, slog.LevelError+4)

const prefix = "[insights] "

func (d *DefaultLogger) Debug(msg string, args ...any) {
	d.logger.Debug(prefix+msg, args...)
}

func (d *DefaultLogger) Info(msg string, args ...any) {
	d.logger.Info(prefix+msg, args...)
}

func (d *DefaultLogger) Warn(msg string, args ...any) {
	d.logger.Warn(prefix+msg, args...)
}

func (d *DefaultLogger) Error(msg string, args ...any) {
	d.logger.Error(prefix+msg, args...)
}

type defaultArgsKey struct{}

func getDefaultArgs(ctx context.Context) []any {
	ctxargs, _ := ctx.Value(defaultArgsKey{}).([]any)
	return ctxargs
}

// WithDefaultArgs attaches key/value pairs which every *Ctx log call
// made with the returned context appends to its own args.
func WithDefaultArgs(ctx context.Context, args ...any) context.Context {
	dargs := getDefaultArgs(ctx)
	merged := make([]any, 0, len(dargs)+len(args))
	merged = append(merged, dargs...)
	merged = append(merged, args...)
	return context.WithValue(ctx, defaultArgsKey{}, merged)
}

func (d *DefaultLogger) WithDefaultArgs(ctx context.Context, args ...any) context.Context {
	return WithDefaultArgs(ctx, args...)
}

func (d *DefaultLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	args = append(args, getDefaultArgs(ctx)...)
	d.logger.DebugContext(ctx, prefix+msg, args...)
}

func (d *DefaultLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	args = append(args, getDefaultArgs(ctx)...)
	d.logger.InfoContext(ctx, prefix+msg, args...)
}

func (d *DefaultLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	args = append(args, getDefaultArgs(ctx)...)
	d.logger.WarnContext(ctx, prefix+msg, args...)
}

func (d *DefaultLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	args = append(args, getDefaultArgs(ctx)...)
	d.logger.ErrorContext(ctx, prefix+msg, args...)
}

// OrDefault returns l, or a stderr info logger when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return NewDefaultLogger(slog.LevelInfo)
	}
	return l
}
