package livesocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/execplane/internal/common/logger"
	ws "github.com/kandev/execplane/pkg/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Conn is one accepted websocket connection, shared by both namespaces.
// Namespace-specific session state (user id, device id, ...) is held by
// the chatSession/deviceSession that wraps it, not here.
type Conn struct {
	ID    string
	ws    *websocket.Conn
	hub   *Hub
	send  chan []byte
	rooms map[string]bool

	mu     sync.Mutex
	closed bool

	log *logger.Logger
}

func newConn(id string, wsConn *websocket.Conn, hub *Hub, log *logger.Logger) *Conn {
	return &Conn{
		ID:    id,
		ws:    wsConn,
		hub:   hub,
		send:  make(chan []byte, 256),
		rooms: make(map[string]bool),
		log:   log.WithFields(zap.String("conn_id", id)),
	}
}

func (c *Conn) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("connection send buffer full, dropping message")
	}
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) sendMessage(msg *ws.Message) {
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal outgoing message", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// readPump reads frames until the connection errors or closes, handing
// each decoded Message to onMessage. Call in the goroutine that owns the
// HTTP request; it returns (and unregisters from the hub) on disconnect.
func (c *Conn) readPump(onMessage func(*ws.Message), onClose func()) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.ws.Close()
		if onClose != nil {
			onClose()
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		var msg ws.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		onMessage(&msg)
	}
}

// writePump drains the send channel to the socket and keeps it alive with
// periodic pings. Run it in its own goroutine alongside readPump.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
