package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nextlevelbuilder/kvmbroker/pkg/protocol"
)

// Hook names accepted by POST /v1/displays/{display}/hooks/{hook}.
const (
	HookFirst  = "first"
	HookLast   = "last"
	HookAttach = "attach"
	HookDetach = "detach"
)

// handleHook enqueues a viewer transition. It answers 202 as soon as the
// broker has accepted the event.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	id, ok := displayParam(w, r)
	if !ok {
		return
	}

	var fire func(string) error
	switch hook := chi.URLParam(r, "hook"); hook {
	case HookFirst:
		fire = s.broker.OnFirstViewerConnected
	case HookLast:
		fire = s.broker.OnLastViewerDisconnected
	case HookAttach:
		fire = s.broker.ViewerAttached
	case HookDetach:
		fire = s.broker.ViewerDetached
	default:
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, "unknown hook "+hook)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		key = id + "/" + chi.URLParam(r, "hook") + "/" + key
		if s.dedupe.IsDuplicate(key) {
			slog.Debug("duplicate hook ignored", "display", id, "hook", chi.URLParam(r, "hook"))
			writeJSON(w, http.StatusOK, map[string]any{"display": id, "duplicate": true})
			return
		}
	}

	if err := fire(id); err != nil {
		if key != "" {
			s.dedupe.Forget(key)
		}
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"display": id, "accepted": true})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id, ok := displayParam(w, r)
	if !ok {
		return
	}
	if err := s.broker.Restart(r.Context(), id); err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"display": id, "accepted": true})
}
