// Package logging provides the process-wide slog setup: component loggers
// usable before configuration is read, correlation fields for fetch
// requests, and redaction of credential-bearing attributes.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Key constants for structured log fields.
const (
	KeyComponent  = "component"
	KeyChannel    = "channel"
	KeyRequestID  = "requestId"
	KeyState      = "state"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

// redacted replaces the value of any attribute whose key names a secret.
const redacted = "[REDACTED]"

var secretKeys = []string{"token", "secret", "password", "authorization", "connection_string", "access_key"}

type contextKey struct{}

// lateHandler resolves the root handler on every call, so loggers created
// in package variables before Init still write where Init points them.
// WithAttrs and WithGroup are replayed in order on the current root.
type lateHandler struct {
	root *atomic.Pointer[slog.Handler]
	with []func(slog.Handler) slog.Handler
}

func (h *lateHandler) resolve() slog.Handler {
	out := *h.root.Load()
	for _, fn := range h.with {
		out = fn(out)
	}
	return out
}

func (h *lateHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= level.Level()
}

func (h *lateHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *lateHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(func(b slog.Handler) slog.Handler { return b.WithAttrs(attrs) })
}

func (h *lateHandler) WithGroup(name string) slog.Handler {
	return h.derive(func(b slog.Handler) slog.Handler { return b.WithGroup(name) })
}

func (h *lateHandler) derive(fn func(slog.Handler) slog.Handler) *lateHandler {
	with := make([]func(slog.Handler) slog.Handler, len(h.with), len(h.with)+1)
	copy(with, h.with)
	return &lateHandler{root: h.root, with: append(with, fn)}
}

var (
	level         = new(slog.LevelVar)
	root          atomic.Pointer[slog.Handler]
	defaultLogger = slog.New(&lateHandler{root: &root})
)

func setRoot(h slog.Handler) { root.Store(&h) }

func handlerOptions() *slog.HandlerOptions {
	return &slog.HandlerOptions{Level: level, ReplaceAttr: redact}
}

// redact hides credential values. Keys are matched case-insensitively by
// substring so "client_secret" and "bearerToken" are both caught.
func redact(groups []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func init() {
	setRoot(slog.NewTextHandler(os.Stderr, handlerOptions()))
	slog.SetDefault(defaultLogger)
}

// Init initializes the global logger. Call once after config is loaded.
// format: "json" or "text" (default "text")
// lvl: "debug", "info", "warn", "error" (default "info")
// output: writer to log to (nil = os.Stderr, stdout belongs to the console surface)
func Init(format, lvl string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}

	level.Set(parseLevel(lvl))
	opts := handlerOptions()

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	setRoot(handler)
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithRequest returns a child logger carrying fetch correlation fields.
func WithRequest(logger *slog.Logger, channel, requestID string) *slog.Logger {
	return logger.With(
		slog.String(KeyChannel, channel),
		slog.String(KeyRequestID, requestID),
	)
}

// SetLevel changes the level of every logger at runtime.
func SetLevel(lvl string) {
	level.Set(parseLevel(lvl))
}

// Duration renders d as the durationMs field.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(KeyDurationMs, d.Milliseconds())
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

func parseLevel(s string) slog.Level {
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
