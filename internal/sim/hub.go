package sim

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ridesync/internal/events"
)

// sendTimeout bounds how long a single stalled client can hold a writer.
const sendTimeout = 10 * time.Second

// conn wraps one websocket with a write mutex; gorilla allows a single
// concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(name events.Name, payload any) error {
	frame, err := events.Encode(name, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(sendTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Hub tracks connected identities and room membership. A room is either an
// identity's own channel ("user:<id>") or a per-ride channel ("ride:<id>").
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	conns map[string]*conn            // identity -> connection
	rooms map[string]map[string]bool // room -> identities
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, conns: make(map[string]*conn), rooms: make(map[string]map[string]bool)}
}

// Add registers a connection, replacing any previous one for the identity.
func (h *Hub) Add(identity string, ws *websocket.Conn) {
	h.mu.Lock()
	old := h.conns[identity]
	h.conns[identity] = &conn{ws: ws}
	h.mu.Unlock()
	if old != nil {
		_ = old.ws.Close()
	}
}

func (h *Hub) Remove(identity string, ws *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.conns[identity]; ok && c.ws == ws {
		delete(h.conns, identity)
		for _, members := range h.rooms {
			delete(members, identity)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) Join(identity, room string) {
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]bool)
	}
	h.rooms[room][identity] = true
	h.mu.Unlock()
}

func (h *Hub) Leave(identity, room string) {
	h.mu.Lock()
	delete(h.rooms[room], identity)
	h.mu.Unlock()
}

// SendTo delivers one event to a single identity. Best effort: an absent or
// broken connection just logs.
func (h *Hub) SendTo(identity string, name events.Name, payload any) {
	h.mu.RLock()
	c := h.conns[identity]
	h.mu.RUnlock()
	if c == nil {
		h.log.Debug("no connection for identity", "identity", identity, "event", name)
		return
	}
	if err := c.send(name, payload); err != nil {
		h.log.Warn("ws send failed", "identity", identity, "event", name, "error", err)
	}
}

// Broadcast delivers one event to every member of a room.
func (h *Hub) Broadcast(room string, name events.Name, payload any) {
	h.mu.RLock()
	members := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		members = append(members, id)
	}
	h.mu.RUnlock()
	for _, id := range members {
		h.SendTo(id, name, payload)
	}
}
