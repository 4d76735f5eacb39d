// Package logging provides structured logging for reuptime.
//
// It wraps log/slog so every package logs with the same handler and a
// component attribute. Text output is the default; JSON is meant for
// production deployments that ship logs to a collector.
//
// Usage:
//
//	logging.Init(slog.LevelInfo, false)
//
//	log := logging.Component("scheduler")
//	log.Info("tick complete", "hosts", 12, "elapsed", elapsed)
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter is Init with an explicit destination.
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

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel converts a config level name to a slog level.
// Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a new logger with additional attributes.
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
//	log := logging.Component("scheduler")
//	log.Info("started") // Output: time=... level=INFO component=scheduler msg=started
//
// The returned logger resolves the global handler on every record, so
// package-level component loggers pick up a later Init from main.
func Component(name string) *slog.Logger {
	return slog.New(&lazyHandler{component: name})
}

type lazyHandler struct {
	component string
	// ops replays WithAttrs/WithGroup calls in order on the current handler.
	ops []func(slog.Handler) slog.Handler
}

func (h *lazyHandler) target() slog.Handler {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	base := Logger.Handler().WithAttrs([]slog.Attr{slog.String("component", h.component)})
	for _, op := range h.ops {
		base = op(base)
	}
	return base
}

func (h *lazyHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.target().Enabled(ctx, level)
}

func (h *lazyHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.target().Handle(ctx, r)
}

func (h *lazyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(base slog.Handler) slog.Handler { return base.WithAttrs(attrs) })
}

func (h *lazyHandler) WithGroup(name string) slog.Handler {
	return h.with(func(base slog.Handler) slog.Handler { return base.WithGroup(name) })
}

func (h *lazyHandler) with(op func(slog.Handler) slog.Handler) slog.Handler {
	ops := make([]func(slog.Handler) slog.Handler, 0, len(h.ops)+1)
	ops = append(ops, h.ops...)
	ops = append(ops, op)
	return &lazyHandler{component: h.component, ops: ops}
}

// WithContext returns a logger that includes context values.
func WithContext(ctx context.Context) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}

	logger := Logger

	if hostID, ok := ctx.Value(contextKeyHostID).(string); ok {
		logger = logger.With("host_id", hostID)
	}
	if tick, ok := ctx.Value(contextKeyTick).(uint64); ok {
		logger = logger.With("tick", tick)
	}

	return logger
}

type contextKey int

const (
	contextKeyHostID contextKey = iota
	contextKeyTick
)

// ContextWithHostID adds a host ID to the context for logging.
func ContextWithHostID(ctx context.Context, hostID string) context.Context {
	return context.WithValue(ctx, contextKeyHostID, hostID)
}

// ContextWithTick adds a tick sequence number to the context for logging.
func ContextWithTick(ctx context.Context, tick uint64) context.Context {
	return context.WithValue(ctx, contextKeyTick, tick)
}
