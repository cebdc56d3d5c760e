// Package livesocket implements the two gorilla/websocket namespaces the
// execution plane serves directly: /chat (human clients) and
// /local-executor (device-side workers). Both namespaces share one Hub —
// a room-keyed broadcaster — so Broadcast("task:42", "chat:chunk", ev)
// reaches every socket, of either namespace, that has joined that room.
package livesocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/execplane/internal/common/logger"
)

type broadcastMsg struct {
	room    string
	payload []byte
	except  *Conn
}

// Hub is the room-based websocket broadcaster shared by the /chat and
// /local-executor namespaces. It satisfies emitter.RoomBroadcaster and,
// by extension, dispatcher.HubForDevice, so the Dispatcher can push
// task:execute straight onto a device room without importing this
// package.
type Hub struct {
	mu      sync.RWMutex
	conns   map[*Conn]bool
	rooms   map[string]map[*Conn]bool

	register   chan *Conn
	unregister chan *Conn
	broadcast  chan broadcastMsg

	log *logger.Logger
}

// NewHub builds an empty Hub. Call Run in a goroutine before accepting
// connections.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		conns:      make(map[*Conn]bool),
		rooms:      make(map[string]map[*Conn]bool),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		broadcast:  make(chan broadcastMsg, 256),
		log:        log.WithFields(zap.String("component", "livesocket-hub")),
	}
}

// Run drives the hub's register/unregister/broadcast loop until ctx is
// cancelled, closing every connected socket on exit.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("livesocket hub started")
	defer h.log.Info("livesocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.conns[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.drop(c)
		case m := <-h.broadcast:
			h.deliver(m)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.closeSend()
	}
	h.conns = make(map[*Conn]bool)
	h.rooms = make(map[string]map[*Conn]bool)
}

func (h *Hub) drop(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.conns[c] {
		return
	}
	delete(h.conns, c)
	for room := range c.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	c.closeSend()
}

func (h *Hub) deliver(m broadcastMsg) {
	h.mu.RLock()
	members := h.rooms[m.room]
	targets := make([]*Conn, 0, len(members))
	for c := range members {
		if c != m.except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(m.payload)
	}
}

// Register admits a connection to the hub so it can join rooms and
// receive broadcasts.
func (h *Hub) Register(c *Conn) { h.register <- c }

// Unregister removes a connection from every room it had joined.
func (h *Hub) Unregister(c *Conn) { h.unregister <- c }

// Join adds a connection to a room.
func (h *Hub) Join(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Conn]bool)
	}
	h.rooms[room][c] = true
	c.rooms[room] = true
}

// Leave removes a connection from a room.
func (h *Hub) Leave(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// RoomSize reports how many connections currently hold a room; only the
// tests call it.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast JSON-encodes payload as a pkg/websocket notification and
// queues it for delivery to every member of room. Marshal failures are
// logged and dropped: the caller (an emitter mid dispatch) has no useful
// way to handle them.
func (h *Hub) Broadcast(room, event string, payload any) {
	h.broadcastTo(room, event, payload, nil)
}

// BroadcastExcept is Broadcast, skipping one connection — used to relay a
// saved chat message to every other member of the task room.
func (h *Hub) BroadcastExcept(room, event string, payload any, except *Conn) {
	h.broadcastTo(room, event, payload, except)
}

func (h *Hub) broadcastTo(room, event string, payload any, except *Conn) {
	body, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("broadcast payload marshal failed", zap.String("event", event), zap.Error(err))
		return
	}
	env, err := json.Marshal(notification{Type: "notification", Action: event, Payload: body})
	if err != nil {
		h.log.Error("broadcast envelope marshal failed", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- broadcastMsg{room: room, payload: env, except: except}:
	default:
		h.log.Warn("broadcast channel full, dropping event", zap.String("event", event), zap.String("room", room))
	}
}

// notification mirrors pkg/websocket.Notification with a pre-marshaled
// payload, avoiding a second encode/decode round trip in broadcastTo.
type notification struct {
	Type    string          `json:"type"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}
