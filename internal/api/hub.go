package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/cradlewatch/internal/dispatch"
)

var _ dispatch.Sink = (*Hub)(nil)

// hubWriteTimeout bounds a write to one subscriber.
const hubWriteTimeout = 2 * time.Second

// StreamMessage is the frame pushed to live-stream subscribers.
type StreamMessage struct {
	Type  string         `json:"type"`
	Event dispatch.Event `json:"event"`
}

// Hub fans detection events out to websocket subscribers. It is a
// [dispatch.Sink] and an [http.Handler] for the subscription endpoint.
type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]struct{})}
}

// Name implements [dispatch.Sink].
func (h *Hub) Name() string { return "stream" }

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Publish implements [dispatch.Sink]. Subscribers that cannot keep up are
// disconnected; that is never reported as a delivery failure.
func (h *Hub) Publish(ctx context.Context, ev dispatch.Event) error {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	msg := StreamMessage{Type: "detection", Event: ev}
	for _, c := range conns {
		wctx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
		err := wsjson.Write(wctx, c, msg)
		cancel()
		if err != nil {
			slog.Debug("api: dropping stream subscriber", "err", err)
			h.remove(c)
			_ = c.Close(websocket.StatusPolicyViolation, "write failed")
		}
	}
	return nil
}

// ServeHTTP upgrades the request and holds the subscription until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("api: websocket accept", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	defer h.remove(conn)

	slog.Debug("api: stream subscriber connected", "remote", r.RemoteAddr)
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
}

// Close disconnects every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()
	for c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "shutting down")
	}
	return nil
}

func (h *Hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}
