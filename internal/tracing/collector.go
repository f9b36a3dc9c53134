// Package tracing records timed spans of session epochs: the vendor probe,
// the automation run and each automation step.
package tracing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/kvmbroker/internal/store"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultBufferSize    = 1000
)

// Span types.
const (
	TypeDetect     = "detect"
	TypeAutomation = "automation"
	TypeStep       = "step"
)

// SpanExporter is implemented by backends that receive span data alongside
// the local store (e.g. OpenTelemetry OTLP). Keeping this as an interface
// lets the OTel dependency live in a separate sub-package behind a build tag.
type SpanExporter interface {
	ExportSpans(ctx context.Context, spans []store.SpanData)
	Shutdown(ctx context.Context) error
}

// Collector buffers spans in memory and periodically flushes them to the
// span store in batches. A nil *Collector is valid and records nothing.
type Collector struct {
	store store.SpanStore // optional

	spanCh chan store.SpanData
	stopCh chan struct{}
	wg     sync.WaitGroup

	flushInterval time.Duration
	exporter      SpanExporter // optional external exporter (nil = disabled)
}

// NewCollector creates a collector. ss may be nil when audit is disabled.
func NewCollector(ss store.SpanStore) *Collector {
	return &Collector{
		store:         ss,
		spanCh:        make(chan store.SpanData, defaultBufferSize),
		stopCh:        make(chan struct{}),
		flushInterval: defaultFlushInterval,
	}
}

// SetExporter attaches an external span exporter (e.g. OpenTelemetry OTLP).
// When set, spans are exported to the external backend during each flush cycle.
func (c *Collector) SetExporter(exp SpanExporter) {
	c.exporter = exp
}

// Start begins the background flush loop.
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.flushLoop()
	slog.Info("tracing collector started")
}

// Stop gracefully shuts down the collector, flushing remaining spans.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()

	if c.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.exporter.Shutdown(ctx); err != nil {
			slog.Warn("tracing: span exporter shutdown failed", "error", err)
		}
	}

	slog.Info("tracing collector stopped")
}

// EmitSpan enqueues a span for async batch insertion.
// Non-blocking: drops the span if the buffer is full.
func (c *Collector) EmitSpan(span store.SpanData) {
	if c == nil {
		return
	}
	if span.ID == uuid.Nil {
		span.ID = store.GenNewID()
	}

	select {
	case c.spanCh <- span:
	default:
		slog.Warn("tracing: span buffer full, dropping span",
			"span_type", span.SpanType, "name", span.Name)
	}
}

// Span is an in-flight span. End must be called exactly once.
type Span struct {
	c    *Collector
	data store.SpanData
}

// Begin starts a span under the session and parent span carried by ctx.
// The returned context makes later spans children of this one.
func (c *Collector) Begin(ctx context.Context, spanType, name string) (context.Context, *Span) {
	s := &Span{c: c, data: store.SpanData{
		ID:        store.GenNewID(),
		TraceID:   store.SessionIDFromContext(ctx),
		Display:   store.DisplayFromContext(ctx),
		Name:      name,
		SpanType:  spanType,
		StartTime: time.Now().UTC(),
	}}
	if parent := store.ParentSpanFromContext(ctx); parent != uuid.Nil {
		s.data.ParentSpanID = &parent
	}
	return store.WithParentSpan(ctx, s.data.ID), s
}

// SetVendor tags the span with the resolved vendor key.
func (s *Span) SetVendor(v string) { s.data.Vendor = v }

// End finishes the span with err's outcome and hands it to the collector.
func (s *Span) End(err error) {
	end := time.Now().UTC()
	s.data.EndTime = end
	s.data.DurationMS = int(end.Sub(s.data.StartTime).Milliseconds())
	switch {
	case err == nil:
		s.data.Status = "ok"
	case errors.Is(err, context.Canceled):
		s.data.Status = "cancelled"
	default:
		s.data.Status = "error"
		s.data.Error = store.TruncateMessage(err.Error())
	}
	s.c.EmitSpan(s.data)
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.stopCh:
			// Drain remaining spans
			c.flush()
			return
		}
	}
}

func (c *Collector) flush() {
	var spans []store.SpanData
drain:
	for {
		select {
		case span := <-c.spanCh:
			spans = append(spans, span)
		default:
			break drain
		}
	}
	if len(spans) == 0 {
		return
	}

	if c.store != nil {
		if err := c.store.BatchCreateSpans(spans); err != nil {
			slog.Warn("tracing: batch span insert failed", "count", len(spans), "error", err)
		} else {
			slog.Debug("tracing: flushed spans", "count", len(spans))
		}
	}

	// Export to external backend (errors logged, not propagated)
	if c.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.exporter.ExportSpans(ctx, spans)
	}
}
