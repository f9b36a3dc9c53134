// Package http serves the broker's REST API: lifecycle hooks for the
// remote-display gateway, session status, diagnostics, screenshots, the
// audit history and a websocket event stream.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/kvmbroker/internal/broker"
	"github.com/nextlevelbuilder/kvmbroker/internal/bus"
	"github.com/nextlevelbuilder/kvmbroker/internal/config"
	"github.com/nextlevelbuilder/kvmbroker/internal/store"
	"github.com/nextlevelbuilder/kvmbroker/pkg/protocol"
)

const (
	dedupeTTL  = 10 * time.Minute
	dedupeSize = 5000
)

// Broker is the session surface the API drives.
type Broker interface {
	OnFirstViewerConnected(display string) error
	OnLastViewerDisconnected(display string) error
	ViewerAttached(display string) error
	ViewerDetached(display string) error
	Restart(ctx context.Context, display string) error
	Status(display string) (broker.Status, error)
	List() []broker.Status
	Screenshot(ctx context.Context, display string) ([]byte, error)
	Diagnostic(display string) ([]byte, error)
}

// Options configures the API server. Broker is required.
type Options struct {
	Broker   Broker
	Bus      *bus.Bus
	Audit    store.AuditStore
	Spans    store.SpanStore
	Gatherer prometheus.Gatherer
	Token    string
	RPM      int
	Burst    int
	Version  string
}

// Server is the broker's HTTP API.
type Server struct {
	broker   Broker
	bus      *bus.Bus
	audit    store.AuditStore
	spans    store.SpanStore
	gatherer prometheus.Gatherer
	token    string
	version  string

	limiter  *RateLimiter
	dedupe   *DedupeCache
	upgrader websocket.Upgrader
}

// NewServer creates the API server.
func NewServer(opts Options) *Server {
	return &Server{
		broker:   opts.Broker,
		bus:      opts.Bus,
		audit:    opts.Audit,
		spans:    opts.Spans,
		gatherer: opts.Gatherer,
		token:    opts.Token,
		version:  opts.Version,
		limiter:  NewRateLimiter(opts.RPM, opts.Burst),
		dedupe:   NewDedupeCache(dedupeTTL, dedupeSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Clients authenticate with the bearer token, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	if s.gatherer != nil {
		r.With(s.requireToken).Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Use(s.limiter.Middleware)

		r.Get("/displays", s.handleList)
		r.Get("/events", s.handleEvents)
		r.Route("/displays/{display}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Post("/hooks/{hook}", s.handleHook)
			r.Post("/restart", s.handleRestart)
			r.Get("/diagnostic", s.handleDiagnostic)
			r.Get("/screenshot", s.handleScreenshot)
			r.Get("/history", s.handleHistory)
			r.Get("/events", s.handleEvents)
		})
		r.Get("/sessions/{session}/spans", s.handleSpans)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"protocol": protocol.ProtocolVersion,
		"version":  s.version,
	})
}

// displayParam returns the canonical display ID from the URL, or writes a
// 400 and returns false.
func displayParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := config.NormalizeDisplayID(chi.URLParam(r, "display"))
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, err.Error())
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(protocol.NewOKResponse(payload)); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorShape(w, status, &protocol.ErrorShape{Code: code, Message: message})
}

func writeErrorShape(w http.ResponseWriter, status int, shape *protocol.ErrorShape) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&protocol.ResponseFrame{Type: protocol.FrameTypeResponse, Error: shape})
}

// writeBrokerError maps broker errors to API errors.
func writeBrokerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrBusy):
		writeErrorShape(w, http.StatusTooManyRequests, &protocol.ErrorShape{
			Code: protocol.ErrResourceExhausted, Message: err.Error(), Retryable: true, RetryAfterMs: 100,
		})
	case errors.Is(err, broker.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, protocol.ErrUnavailable, err.Error())
	case errors.Is(err, broker.ErrNotReady), errors.Is(err, broker.ErrNotRestartable):
		writeError(w, http.StatusConflict, protocol.ErrFailedPrecondition, err.Error())
	case errors.Is(err, broker.ErrNotFailed):
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, protocol.ErrUnavailable, "request timed out")
	default:
		slog.Warn("api request failed", "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, "internal error")
	}
}
