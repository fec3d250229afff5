// Package delivery pushes per-mission response events to connected user
// sessions over websockets. Delivery is best-effort: a session without a live
// connection simply misses the push and re-fetches the mission over HTTP.
package delivery

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"atrium/internal/acp"
	"atrium/internal/bus"
	"atrium/internal/logging"
)

const writeTimeout = 10 * time.Second

// Hub tracks one websocket connection per session and forwards response events.
type Hub struct {
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu          sync.RWMutex
	connections map[string]*sessionConn
}

type sessionConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewHub constructs a delivery hub.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:      logging.OrNop(logger),
		connections: make(map[string]*sessionConn),
	}
}

// Start subscribes the hub to response events on the event channel. Each hub
// holds its own websocket connections, so the group must be unique per
// instance: a shared group would split events across instances and a session
// connected elsewhere would miss its pushes.
func (h *Hub) Start(b bus.Bus, group string) error {
	return b.Subscribe(acp.Topic(acp.ChannelEvent, ""), group, h.HandleEvent)
}

// HandleEvent forwards response events to the owning session's connection.
func (h *Hub) HandleEvent(_ context.Context, msg acp.Message) error {
	payload, err := acp.DecodeEvent(&msg)
	if err != nil {
		return err
	}
	if payload.Kind != acp.EventResponse {
		return nil
	}

	var response acp.ResponseBody
	if err := payload.DecodeBody(&response); err != nil {
		return err
	}

	h.mu.RLock()
	sc, ok := h.connections[response.SessionID]
	h.mu.RUnlock()
	if !ok {
		h.logger.Debug("no live connection for session %s, skipping push", response.SessionID)
		return nil
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := sc.conn.WriteJSON(response); err != nil {
		h.logger.Warn("push to session %s failed, dropping connection: %v", response.SessionID, err)
		sc.conn.Close()
		h.remove(response.SessionID, sc)
	}
	return nil
}

// Attach upgrades an HTTP request to a websocket and registers it under the
// session id. A newer connection for the same session replaces the old one.
func (h *Hub) Attach(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sc := &sessionConn{conn: conn}
	h.mu.Lock()
	if old, ok := h.connections[sessionID]; ok {
		old.conn.Close()
	}
	h.connections[sessionID] = sc
	h.mu.Unlock()
	h.logger.Info("session %s attached for push delivery", sessionID)

	// Reader goroutine: we never expect inbound frames, but reading is what
	// surfaces close events.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(sessionID, sc)
				conn.Close()
				return
			}
		}
	}()
	return nil
}

// Close shuts down every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sc := range h.connections {
		sc.conn.Close()
	}
	h.connections = make(map[string]*sessionConn)
}

func (h *Hub) remove(sessionID string, sc *sessionConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.connections[sessionID]; ok && current == sc {
		delete(h.connections, sessionID)
	}
}
