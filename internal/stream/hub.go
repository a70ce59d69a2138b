package stream

import (
	"context"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"agentstack.local/projects/agent-conductor/internal/subscribers"
)

const clientSendBuffer = 16

// Hub relays session events to connected websocket observers. It is a
// dispatcher subscriber on one side and an http handler on the other.
// Observation is best-effort: a client that cannot keep up is dropped.
type Hub struct {
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan subscribers.Event
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) Name() string {
	return "stream"
}

// Handle broadcasts the event to every connected client without blocking the
// dispatcher. Full client buffers count as disconnects.
func (h *Hub) Handle(_ context.Context, event subscribers.Event) error {
	h.mu.Lock()
	stale := make([]*client, 0)
	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		h.dropLocked(c)
	}
	h.mu.Unlock()

	for range stale {
		h.logger.Printf("stream client dropped: send buffer full")
	}
	return nil
}

// ServeHTTP upgrades the request and keeps the connection until the client
// goes away or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("stream upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan subscribers.Event, clientSendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	for event := range c.send {
		if err := c.conn.WriteJSON(event); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.Close()
}

// readLoop discards inbound frames; the stream is one-way. It exists to
// notice the peer closing the connection.
func (h *Hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	_ = c.conn.Close()
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
}
