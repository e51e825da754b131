package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Format specifies the output format for logs.
type Format string

const (
	// FormatLogfmt outputs logs in logfmt format (key=value pairs).
	FormatLogfmt Format = "logfmt"
	// FormatJSON outputs logs in JSON format.
	FormatJSON Format = "json"
)

// Options configures the slog-backed logger.
type Options struct {
	Format Format     // Output format: logfmt or json
	Level  slog.Level // Minimum log level
	Writer io.Writer  // Output writer (default: os.Stderr)
}

// Option configures logger behavior.
type Option func(*Options)

// WithFormat sets the output format.
func WithFormat(format Format) Option {
	return func(o *Options) {
		o.Format = format
	}
}

// WithLevel sets the minimum log level.
func WithLevel(level slog.Level) Option {
	return func(o *Options) {
		o.Level = level
	}
}

// WithWriter sets the output writer.
func WithWriter(w io.Writer) Option {
	return func(o *Options) {
		o.Writer = w
	}
}

// New creates a Logger backed by log/slog with the given options.
func New(opts ...Option) Logger {
	options := Options{
		Format: FormatLogfmt,
		Level:  slog.LevelInfo,
		Writer: os.Stderr,
	}

	for _, opt := range opts {
		opt(&options)
	}

	if options.Writer == nil {
		options.Writer = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: options.Level}

	var handler slog.Handler
	switch options.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(options.Writer, handlerOpts)
	default:
		handler = slog.NewTextHandler(options.Writer, handlerOpts)
	}

	return &slogLogger{inner: slog.New(handler)}
}

// slogLogger implements the Logger interface using slog.
type slogLogger struct {
	inner *slog.Logger
}

func (l *slogLogger) With(kv ...any) Logger {
	return &slogLogger{inner: l.inner.With(flattenPairs(kv)...)}
}

func (l *slogLogger) Debug(msg string, kv ...any) {
	l.log(slog.LevelDebug, msg, kv)
}

func (l *slogLogger) Info(msg string, kv ...any) {
	l.log(slog.LevelInfo, msg, kv)
}

func (l *slogLogger) Warn(msg string, kv ...any) {
	l.log(slog.LevelWarn, msg, kv)
}

func (l *slogLogger) Error(err error, msg string, kv ...any) {
	attrs := toAttrs(flattenPairs(kv))
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.inner.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

func (l *slogLogger) log(level slog.Level, msg string, kv []any) {
	l.inner.LogAttrs(context.Background(), level, msg, toAttrs(flattenPairs(kv))...)
}

// flattenPairs expands helper-produced []any{k, v} pairs into a flat
// key-value list that slog understands.
func flattenPairs(kv []any) []any {
	flat := make([]any, 0, len(kv)*2)
	for _, item := range kv {
		if pair, ok := item.([]any); ok && len(pair) == 2 {
			flat = append(flat, pair[0], pair[1])
			continue
		}
		flat = append(flat, item)
	}
	return flat
}

// toAttrs converts a flat key-value list to slog attrs. Keys that are not
// strings are stringified rather than dropped.
func toAttrs(args []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(args)/2+1)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}
	if len(args)%2 == 1 {
		attrs = append(attrs, slog.Any("arg", args[len(args)-1]))
	}
	return attrs
}
