package tracer

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

var activeSpanKey contextKey

// ContextWithSpan returns a context carrying the given span as the active
// span. The previous active span is shadowed, not lost: callers that keep the
// parent context effectively pop the stack by returning to it, which is what
// scopes the stack to the logical task rather than the OS thread — the
// context value travels through goroutine handoffs and scheduled
// continuations for free.
func ContextWithSpan(ctx context.Context, spanID uuid.UUID) context.Context {
	return context.WithValue(ctx, activeSpanKey, spanID)
}

// SpanFromContext returns the active span id for the calling execution
// context, or (uuid.Nil, false) when no span is active.
func SpanFromContext(ctx context.Context) (uuid.UUID, bool) {
	if ctx == nil {
		return uuid.Nil, false
	}
	if id, ok := ctx.Value(activeSpanKey).(uuid.UUID); ok && id != uuid.Nil {
		return id, true
	}
	return uuid.Nil, false
}
