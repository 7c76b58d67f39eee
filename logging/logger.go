// Package logging provides structured logging for the fire container runtime.
//
// This package wraps github.com/sirupsen/logrus for structured, leveled
// logging. It supports both text and JSON output formats, and integrates
// with context.Context for request-scoped logging.
package logging

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// ctxKey is the context key for the logger.
type ctxKey struct{}

var (
	// defaultLogger is the global logger instance.
	defaultLogger *logrus.Logger
	// loggerMu protects defaultLogger.
	loggerMu sync.RWMutex
)

func init() {
	defaultLogger = logrus.New()
	defaultLogger.SetOutput(os.Stderr)
	defaultLogger.SetLevel(logrus.InfoLevel)
}

// Config holds the logger configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level logrus.Level
	// Format is the output format ("text" or "json").
	Format string
	// Output is the log output destination.
	Output io.Writer
	// AddSource adds source file information to log entries.
	AddSource bool
}

// NewLogger creates a new structured logger with the given configuration.
func NewLogger(cfg Config) *logrus.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	logger := logrus.New()
	logger.SetOutput(cfg.Output)
	logger.SetLevel(cfg.Level)
	logger.SetReportCaller(cfg.AddSource)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	return logger
}

// SetDefault sets the default global logger.
func SetDefault(logger *logrus.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	defaultLogger = logger
}

// Default returns the default global logger.
func Default() *logrus.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

// WithContainer returns a logger entry with container context. It accepts
// logrus.FieldLogger (satisfied by both *logrus.Logger and *logrus.Entry)
// so With* calls chain freely in either order.
func WithContainer(logger logrus.FieldLogger, id string) *logrus.Entry {
	return logger.WithField("container_id", id)
}

// WithOperation returns a logger entry with operation context.
func WithOperation(logger logrus.FieldLogger, op string) *logrus.Entry {
	return logger.WithField("operation", op)
}

// WithPID returns a logger entry with process ID context.
func WithPID(logger logrus.FieldLogger, pid int) *logrus.Entry {
	return logger.WithField("pid", pid)
}

// WithPath returns a logger entry with file path context.
func WithPath(logger logrus.FieldLogger, path string) *logrus.Entry {
	return logger.WithField("path", path)
}

// ContextWithLogger returns a new context with the logger attached.
func ContextWithLogger(ctx context.Context, logger *logrus.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext retrieves the logger from context.
// If no logger is found, returns the default logger.
func FromContext(ctx context.Context) *logrus.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*logrus.Logger); ok {
		return logger
	}
	return Default()
}

// ParseLevel parses a log level string and returns the corresponding
// logrus.Level. Valid values are the names logrus.ParseLevel accepts
// ("trace", "debug", "info", "warn"/"warning", "error", "fatal", "panic"). Returns
// logrus.InfoLevel for invalid values, matching the fail-safe default every
// other level toggle in this runtime uses.
func ParseLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// Info logs an info message using the default logger.
func Info(msg string, args ...any) {
	Default().Infoln(append([]any{msg}, args...)...)
}

// Warn logs a warning message using the default logger.
func Warn(msg string, args ...any) {
	Default().Warnln(append([]any{msg}, args...)...)
}

// Error logs an error message using the default logger.
func Error(msg string, args ...any) {
	Default().Errorln(append([]any{msg}, args...)...)
}

// Debug logs a debug message using the default logger.
func Debug(msg string, args ...any) {
	Default().Debugln(append([]any{msg}, args...)...)
}

// fieldsFromArgs turns a flat key/value arg list into logrus.Fields.
func fieldsFromArgs(args []any) logrus.Fields {
	fields := make(logrus.Fields, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		fields[key] = args[i+1]
	}
	return fields
}

// InfoContext logs an info message using the logger from context.
func InfoContext(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).WithFields(fieldsFromArgs(args)).Info(msg)
}

// WarnContext logs a warning message using the logger from context.
func WarnContext(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).WithFields(fieldsFromArgs(args)).Warn(msg)
}

// ErrorContext logs an error message using the logger from context.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).WithFields(fieldsFromArgs(args)).Error(msg)
}

// DebugContext logs a debug message using the logger from context.
func DebugContext(ctx context.Context, msg string, args ...any) {
	FromContext(ctx).WithFields(fieldsFromArgs(args)).Debug(msg)
}
