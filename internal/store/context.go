package store

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	// DisplayKey is the context key for the display a request or run belongs to.
	DisplayKey contextKey = "kvmbroker_display"
	// SessionIDKey is the context key for the session (and trace) UUID.
	SessionIDKey contextKey = "kvmbroker_session_id"
	// ParentSpanKey is the context key for the enclosing span UUID.
	ParentSpanKey contextKey = "kvmbroker_parent_span"
)

// WithDisplay returns a new context with the given display ID.
func WithDisplay(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, DisplayKey, id)
}

// DisplayFromContext extracts the display ID from context. Returns "" if not set.
func DisplayFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(DisplayKey).(string); ok {
		return v
	}
	return ""
}

// WithSessionID returns a new context with the given session UUID.
func WithSessionID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

// SessionIDFromContext extracts the session UUID from context. Returns uuid.Nil if not set.
func SessionIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(SessionIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithParentSpan returns a new context whose spans nest under id.
func WithParentSpan(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ParentSpanKey, id)
}

// ParentSpanFromContext extracts the enclosing span UUID. Returns uuid.Nil if not set.
func ParentSpanFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(ParentSpanKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
