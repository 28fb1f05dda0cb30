// Package logging provides structured logging for the coreset engine.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports both text and JSON
// output formats, configurable log levels, and component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("storage")
//	log.Debug("bucket compressed", "epoch", 3, "points", 200)
//
//	// Log with context
//	log := logging.WithContext(ctx)
//	log.Warn("diff rejected", "base_revision", d.BaseRevision)
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// output holds the handler installed by the last Init. Loggers created
// earlier, such as package-level component loggers, write through it.
var output atomic.Pointer[slog.Handler]

// forward sends records to the current output handler, replaying the
// attributes and groups it was derived with.
type forward struct {
	derive []func(slog.Handler) slog.Handler
}

func (f *forward) handler() slog.Handler {
	h := *output.Load()
	for _, fn := range f.derive {
		h = fn(h)
	}
	return h
}

func (f *forward) Enabled(ctx context.Context, level slog.Level) bool {
	return (*output.Load()).Enabled(ctx, level)
}

func (f *forward) Handle(ctx context.Context, r slog.Record) error {
	return f.handler().Handle(ctx, r)
}

func (f *forward) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.with(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f *forward) WithGroup(name string) slog.Handler {
	return f.with(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f *forward) with(fn func(slog.Handler) slog.Handler) *forward {
	derive := make([]func(slog.Handler) slog.Handler, len(f.derive), len(f.derive)+1)
	copy(derive, f.derive)
	return &forward{derive: append(derive, fn)}
}

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stderr, level, jsonFormat)
}

// InitWriter initializes the global logger writing to w.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	install(handler)
}

func install(handler slog.Handler) {
	output.Store(&handler)
	if Logger == nil {
		Logger = slog.New(&forward{})
		slog.SetDefault(Logger)
	}
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	install(handler)
}

// ParseLevel maps a level name ("debug", "info", "warn", "error") to a
// slog.Level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// With returns a new logger with additional attributes.
// These attributes are included in every log entry from the returned logger.
func With(args ...any) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Example:
//
//	log := logging.Component("compressor")
//	log.Info("started") // Output: time=... level=INFO component=compressor msg=started
func Component(name string) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With("component", name)
}

// WithContext returns a logger that includes context values.
// Node name, storage name and round number are attached when present.
func WithContext(ctx context.Context) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}

	logger := Logger

	if node, ok := ctx.Value(contextKeyNode).(string); ok {
		logger = logger.With("node", node)
	}
	if storage, ok := ctx.Value(contextKeyStorage).(string); ok {
		logger = logger.With("storage", storage)
	}
	if round, ok := ctx.Value(contextKeyRound).(uint64); ok {
		logger = logger.With("round", round)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyNode contextKey = iota
	contextKeyStorage
	contextKeyRound
)

// ContextWithNode adds a node name to the context for logging.
func ContextWithNode(ctx context.Context, node string) context.Context {
	return context.WithValue(ctx, contextKeyNode, node)
}

// ContextWithStorage adds a storage name to the context for logging.
func ContextWithStorage(ctx context.Context, storage string) context.Context {
	return context.WithValue(ctx, contextKeyStorage, storage)
}

// ContextWithRound adds a mix round number to the context for logging.
func ContextWithRound(ctx context.Context, round uint64) context.Context {
	return context.WithValue(ctx, contextKeyRound, round)
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Error(msg, args...)
}
