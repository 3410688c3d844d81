// Package hub implements C6, ConnectionHub: the WebSocket subscriber
// registry, periodic keepalive, and broadcast fan-out. Subscribers are
// registered from the HTTP request path and removed from the
// broadcast/keepalive task on send failure, so the subscriber set is the one
// structure mutated from both sides; every iteration works over a snapshot
// slice, grounded on the gorilla/websocket Upgrader/Conn pattern and the
// "observe via snapshot copies" discipline carried throughout this codebase.
package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canaria-net/canaria/internal/model"
	"github.com/canaria-net/canaria/pkg/signer"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscriber wraps one accepted WebSocket connection with a write mutex,
// since gorilla/websocket forbids concurrent writers on the same conn.
type subscriber struct {
	conn   *websocket.Conn
	writeMu sync.Mutex
}

func (s *subscriber) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

// Hub is C6.
type Hub struct {
	mu               sync.Mutex
	subscribers      map[*subscriber]struct{}
	totalConnections int64

	onSizeChange func(size int)
}

// New builds an empty Hub. onSizeChange, if non-nil, is called after every
// register/remove with the new subscriber count (wired to
// pkg/metrics.SetWebSocketClients).
func New(onSizeChange func(size int)) *Hub {
	return &Hub{
		subscribers:  make(map[*subscriber]struct{}),
		onSizeChange: onSizeChange,
	}
}

// Upgrade accepts a WebSocket handshake, registers the connection, sends the
// most recent event (if any) as the initial snapshot, and blocks reading
// frames (discarding them; Canaria's WS surface is server-to-client only)
// until the connection closes, at which point it is removed.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, latest func() (model.Event, bool)) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub := &subscriber{conn: conn}
	h.register(sub)
	defer h.remove(sub)

	if e, ok := latest(); ok {
		_ = sub.writeJSON(map[string]interface{}{"event": e})
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.totalConnections++
	size := len(h.subscribers)
	h.mu.Unlock()

	if h.onSizeChange != nil {
		h.onSizeChange(size)
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
	}
	size := len(h.subscribers)
	h.mu.Unlock()
	_ = sub.conn.Close()

	if h.onSizeChange != nil {
		h.onSizeChange(size)
	}
}

// snapshot returns the current subscriber set as a slice, safe to iterate
// while register/remove run concurrently on the live map.
func (h *Hub) snapshot() []*subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		out = append(out, s)
	}
	return out
}

// signedEventsFrame is the {signedEvents:[...]} broadcast frame.
type signedEventsFrame struct {
	SignedEvents []signer.Envelope `json:"signedEvents"`
}

// Broadcast sends the signed-events frame to every subscriber; a send
// failure removes that subscriber silently. The frame is encoded separately
// for each subscriber, not once for the whole fan-out.
func (h *Hub) Broadcast(envelopes []signer.Envelope) {
	frame := signedEventsFrame{SignedEvents: envelopes}
	for _, sub := range h.snapshot() {
		if err := sub.writeJSON(frame); err != nil {
			h.remove(sub)
		}
	}
}

// StartPings runs until stop is closed, emitting {type:"ping", ts} to every
// subscriber every 60 seconds.
func (h *Hub) StartPings(stop <-chan struct{}) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.ping()
		}
	}
}

func (h *Hub) ping() {
	frame := map[string]interface{}{"type": "ping", "ts": time.Now().UnixMilli()}
	for _, sub := range h.snapshot() {
		if err := sub.writeJSON(frame); err != nil {
			h.remove(sub)
		}
	}
}

// Size returns the current subscriber count.
func (h *Hub) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// TotalConnectionCount returns the monotonically increasing lifetime
// connection counter.
func (h *Hub) TotalConnectionCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totalConnections
}
