// Package store defines the broker's persistence records and interfaces.
// Nothing in here ever carries credentials.
package store

import (
	"time"

	"github.com/google/uuid"
)

// GenNewID generates a new UUID v7 (time-ordered).
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// AuditEvent is one session state transition.
type AuditEvent struct {
	ID        int64     `json:"id"`
	Display   string    `json:"display"`
	SessionID uuid.UUID `json:"session_id"`
	Epoch     uint64    `json:"epoch"`
	From      string    `json:"from"`
	State     string    `json:"state"`
	Vendor    string    `json:"vendor,omitempty"`
	Viewers   int       `json:"viewers"`
	Category  string    `json:"category,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditStore persists session transitions.
type AuditStore interface {
	Record(e AuditEvent) error
	// History returns the newest events for a display, newest first.
	History(display string, limit int) ([]AuditEvent, error)
	// Prune deletes events older than before and reports how many went.
	Prune(before time.Time) (int64, error)
	Close() error
}

// SpanData is one timed operation of a session epoch: the probe, the
// automation run and each of its steps. The trace ID is the session ID.
type SpanData struct {
	ID           uuid.UUID  `json:"id"`
	TraceID      uuid.UUID  `json:"trace_id"`
	ParentSpanID *uuid.UUID `json:"parent_span_id,omitempty"`
	Display      string     `json:"display"`
	Name         string     `json:"name"`
	SpanType     string     `json:"span_type"` // "detect", "automation", "step"
	Vendor       string     `json:"vendor,omitempty"`
	Status       string     `json:"status"` // "ok", "error", "cancelled"
	Error        string     `json:"error,omitempty"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      time.Time  `json:"end_time"`
	DurationMS   int        `json:"duration_ms"`
}

// SpanStore persists spans.
type SpanStore interface {
	BatchCreateSpans(spans []SpanData) error
	ListSpans(traceID uuid.UUID) ([]SpanData, error)
}
