package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/kvmbroker/internal/bus"
	"github.com/nextlevelbuilder/kvmbroker/internal/config"
	"github.com/nextlevelbuilder/kvmbroker/pkg/protocol"
)

const (
	// maxWSMessageSize bounds inbound frames. Subscribers only send control frames.
	maxWSMessageSize = 4 * 1024
	pongWait         = 60 * time.Second
	pingInterval     = 30 * time.Second
	writeWait        = 10 * time.Second
)

// eventClient is one websocket subscriber.
type eventClient struct {
	id      string
	conn    *websocket.Conn
	display string // empty = all displays
	send    chan []byte
	done    chan struct{}
	seq     atomic.Int64
}

// handleEvents upgrades to a websocket and streams session events. The
// current status of the display (or of every display) is sent first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, "event stream is disabled")
		return
	}
	display := ""
	if raw := chi.URLParam(r, "display"); raw != "" {
		id, err := config.NormalizeDisplayID(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, err.Error())
			return
		}
		display = id
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &eventClient{
		id:      uuid.NewString(),
		conn:    conn,
		display: display,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
	}

	if display != "" {
		if st, err := s.broker.Status(display); err == nil {
			c.push(protocol.EventSessionState, display, st)
		}
	} else {
		for _, st := range s.broker.List() {
			c.push(protocol.EventSessionState, st.Display, st)
		}
	}

	s.bus.Subscribe(c.id, func(e bus.Event) {
		if c.display != "" && e.Display != c.display {
			return
		}
		c.push(e.Name, e.Display, e.Payload)
	})
	slog.Debug("event subscriber connected", "client", c.id, "display", display)

	go c.writePump()
	c.readPump()

	s.bus.Unsubscribe(c.id)
	close(c.done)
	slog.Debug("event subscriber disconnected", "client", c.id)
}

// push queues an event frame without blocking the broadcaster.
func (c *eventClient) push(name, display string, payload any) {
	frame := protocol.NewEvent(name, display, payload)
	frame.Seq = c.seq.Add(1)
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("marshal event failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		slog.Warn("client send buffer full, dropping event", "client", c.id)
	}
}

// readPump consumes control frames until the peer goes away.
func (c *eventClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxWSMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "client", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// writePump writes frames and pings to the websocket connection.
func (c *eventClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
