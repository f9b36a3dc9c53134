package otelexport

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/kvmbroker/internal/store"
)

func TestUUIDToTraceID(t *testing.T) {
	id := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	tid := uuidToTraceID(id)
	if tid == (trace.TraceID{}) {
		t.Error("expected non-zero trace ID")
	}
	if [16]byte(tid) != [16]byte(id) {
		t.Error("trace ID should carry the session UUID bytes")
	}
}

func TestUUIDToSpanID(t *testing.T) {
	id := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	sid := uuidToSpanID(id)
	if sid == (trace.SpanID{}) {
		t.Error("expected non-zero span ID")
	}
	// Verify it uses the last 8 bytes
	for i := 0; i < 8; i++ {
		if sid[i] != id[8+i] {
			t.Errorf("byte %d: expected %02x, got %02x", i, id[8+i], sid[i])
		}
	}
}

func TestUUIDToSpanID_DifferentUUIDs(t *testing.T) {
	id1 := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	id2 := uuid.MustParse("550e8400-e29b-41d4-b827-557766550001")
	if uuidToSpanID(id1) == uuidToSpanID(id2) {
		t.Error("different UUIDs should produce different span IDs")
	}
}

func TestNew_EmptyEndpoint(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil {
		t.Error("expected error for empty endpoint")
	}
}

func TestExporter_NilSafe(t *testing.T) {
	var exp *Exporter
	exp.ExportSpans(context.Background(), []store.SpanData{{
		ID:        uuid.New(),
		TraceID:   uuid.New(),
		SpanType:  "detect",
		Name:      "detect",
		StartTime: time.Now(),
	}})
	if err := exp.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAttributes(t *testing.T) {
	s := store.SpanData{
		ID: uuid.New(), TraceID: uuid.New(), Display: ":2", SpanType: "automation",
		Vendor: "hpe", DurationMS: 1200,
	}
	got := map[attribute.Key]attribute.Value{}
	for _, kv := range attributes(s) {
		got[kv.Key] = kv.Value
	}
	if got["kvmbroker.display"].AsString() != ":2" || got["kvmbroker.vendor"].AsString() != "hpe" {
		t.Errorf("attributes = %v", got)
	}
	if got["kvmbroker.duration_ms"].AsInt64() != 1200 {
		t.Errorf("duration = %v", got["kvmbroker.duration_ms"])
	}

	s.Vendor, s.DurationMS = "", 0
	for _, kv := range attributes(s) {
		if kv.Key == "kvmbroker.vendor" || kv.Key == "kvmbroker.duration_ms" {
			t.Errorf("empty field %s exported", kv.Key)
		}
	}
}
