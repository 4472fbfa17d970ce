package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gait-backend/internal/auth"
	"gait-backend/internal/observability"
)

// Hub tracks live websocket connections keyed by username. A user may hold
// several connections (phone plus clinic dashboard); a message addressed to a
// user goes to all of them.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
}

type client struct {
	username string
	conn     *websocket.Conn
	send     chan []byte
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Auth middleware in front of the hub already vetted the token.
				return true
			},
		},
		clients: map[string]map[*client]struct{}{},
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{username: claims.Username(), conn: conn, send: make(chan []byte, 64)}
	h.addClient(c)

	go h.writePump(c)
	h.readPump(c)
}

// SendToUser delivers v to every connection of username. Messages to one
// destination keep their send order; a slow connection is dropped rather than
// allowed to stall the pipeline.
func (h *Hub) SendToUser(username string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.clients[username]
	if len(conns) == 0 {
		observability.NotificationsDropped.Inc()
		return
	}
	delivered := false
	for c := range conns {
		select {
		case c.send <- b:
			delivered = true
		default:
			// Slow client; drop it.
			h.dropLocked(c)
		}
	}
	if delivered {
		observability.NotificationsDelivered.Inc()
	} else {
		observability.NotificationsDropped.Inc()
	}
}

// ConnectionCount reports live connections for a user.
func (h *Hub) ConnectionCount(username string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[username])
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.username] == nil {
		h.clients[c.username] = map[*client]struct{}{}
	}
	h.clients[c.username][c] = struct{}{}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.username][c]; ok {
		h.dropLocked(c)
	}
}

func (h *Hub) dropLocked(c *client) {
	delete(h.clients[c.username], c)
	if len(h.clients[c.username]) == 0 {
		delete(h.clients, c.username)
	}
	close(c.send)
	_ = c.conn.Close()
}

func (h *Hub) readPump(c *client) {
	defer h.removeClient(c)
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
