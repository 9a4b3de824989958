package observability

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// redacted replaces the value of sensitive attributes.
const redacted = "[REDACTED]"

// sensitiveKeys are attribute keys that carry credentials. Matching is
// case-insensitive on the last path segment of the key.
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"api_key":       {},
	"apikey":        {},
	"token":         {},
	"id_token":      {},
	"refresh_token": {},
	"password":      {},
}

// contextHandler enriches log records with OpenTelemetry trace correlation
// attributes (trace_id and span_id) and masks credential-bearing attributes,
// so bearer tokens and API keys never reach log sinks.
type contextHandler struct {
	handler slog.Handler
}

// newContextHandler wraps handler with trace correlation and redaction.
func newContextHandler(handler slog.Handler) *contextHandler {
	return &contextHandler{handler: handler}
}

// Enabled reports whether the handler handles records at the given level.
func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle redacts sensitive attributes and adds trace_id and span_id when the
// context carries a valid span.
func (h *contextHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redact(a))
		return true
	})

	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		out.AddAttrs(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	return h.handler.Handle(ctx, out)
}

// WithAttrs returns a new handler with additional, redacted attributes.
func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = redact(a)
	}
	return &contextHandler{handler: h.handler.WithAttrs(masked)}
}

// WithGroup returns a new handler with the given group name.
func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{handler: h.handler.WithGroup(name)}
}

// redact masks a sensitive attribute, descending into groups.
func redact(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		masked := make([]any, len(group))
		for i, g := range group {
			masked[i] = redact(g)
		}
		return slog.Group(a.Key, masked...)
	}

	key := strings.ToLower(a.Key)
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	if _, ok := sensitiveKeys[key]; ok {
		return slog.String(a.Key, redacted)
	}
	return a
}
