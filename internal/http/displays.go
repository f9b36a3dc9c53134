package http

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/kvmbroker/pkg/protocol"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	maxScreenshotWidth  = 3840
)

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.List())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := displayParam(w, r)
	if !ok {
		return
	}
	st, err := s.broker.Status(id)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleDiagnostic serves the same page the broker renders on the display.
func (s *Server) handleDiagnostic(w http.ResponseWriter, r *http.Request) {
	id, ok := displayParam(w, r)
	if !ok {
		return
	}
	page, err := s.broker.Diagnostic(id)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(page)
}

// handleScreenshot returns a PNG of the live console, scaled down to
// ?width= when given.
func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	id, ok := displayParam(w, r)
	if !ok {
		return
	}
	width := 0
	if v := r.URL.Query().Get("width"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxScreenshotWidth {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "width must be between 1 and 3840")
			return
		}
		width = n
	}

	png, err := s.broker.Screenshot(r.Context(), id)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if width > 0 {
		png, err = thumbnail(png, width)
		if err != nil {
			writeBrokerError(w, err)
			return
		}
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

// thumbnail scales a PNG to width, keeping the aspect ratio. Images already
// narrower than width are returned as is.
func thumbnail(src []byte, width int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	if img.Bounds().Dx() <= width {
		return src, nil
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.Resize(img, width, 0, imaging.Lanczos), imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := displayParam(w, r)
	if !ok {
		return
	}
	if s.audit == nil {
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, "audit trail is disabled")
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	events, err := s.audit.History(id, limit)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleSpans(w http.ResponseWriter, r *http.Request) {
	if s.spans == nil {
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, "span store is disabled")
		return
	}
	sid, err := uuid.Parse(chi.URLParam(r, "session"))
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "invalid session id")
		return
	}
	spans, err := s.spans.ListSpans(sid)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spans)
}
