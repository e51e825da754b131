// Package log provides a minimal structured logging interface for layerx.
//
// Overview:
//   - Responsibility: Define a stable logging interface plus a slog-backed default
//   - Key Types: Logger interface with structured key-value logging
//   - Concurrency Model: Logger implementations must be safe for concurrent use
//   - Error Semantics: Error method accepts error as first parameter for structured logging
//   - Performance Notes: Interface designed for zero-allocation key-value pairs
//
// Usage:
//
//	logger := log.New(log.WithLevel(slog.LevelDebug))
//	logger.Info("layer refreshed", log.Str("layer", "file"), log.Int("keys", 12))
package log

import "time"

// Logger defines a structured logging interface compatible with slog concepts.
// Implementations must be safe for concurrent use.
type Logger interface {
	// With returns a new Logger with the given key-value pairs attached.
	With(kv ...any) Logger

	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, kv ...any)

	// Info logs an informational message with optional key-value pairs.
	Info(msg string, kv ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, kv ...any)

	// Error logs an error message with the error and optional key-value pairs.
	Error(err error, msg string, kv ...any)
}

// Str creates a string key-value pair for structured logging.
func Str(k, v string) any {
	return []any{k, v}
}

// Int creates an integer key-value pair for structured logging.
func Int(k string, v int) any {
	return []any{k, v}
}

// Dur creates a duration key-value pair for structured logging.
func Dur(k string, v time.Duration) any {
	return []any{k, v}
}

// Nop returns a Logger that discards everything. It is used as the default
// for collaborators that were constructed without an explicit logger.
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) With(kv ...any) Logger               { return nopLogger{} }
func (nopLogger) Debug(msg string, kv ...any)         {}
func (nopLogger) Info(msg string, kv ...any)          {}
func (nopLogger) Warn(msg string, kv ...any)          {}
func (nopLogger) Error(err error, msg string, kv ...any) {}
