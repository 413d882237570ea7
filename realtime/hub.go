package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event represents a message sent to websocket clients
type Event struct {
	Type      string `json:"type"`
	Run       string `json:"run,omitempty"` // "process" or "geocode"
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans pipeline events out to websocket clients. Slow clients are
// dropped rather than allowed to block a run.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
	mu         sync.RWMutex

	upgrader websocket.Upgrader
	log      *zap.Logger
	now      func() time.Time
}

// NewHub creates a hub accepting connections from allowedOrigins, or from
// any origin when the list is empty.
func NewHub(log *zap.Logger, allowedOrigins []string) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		log:        log.Named("realtime"),
		now:        time.Now,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// Run dispatches events until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = h.now().Unix()
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		h.log.Error("failed to marshal event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- encoded:
	default:
		h.log.Warn("dropping event, broadcast channel full", zap.String("type", event.Type))
	}
}

// Sink returns a progress sink that publishes messages for one kind of run.
func (h *Hub) Sink(run string) *Sink {
	return &Sink{hub: h, run: run}
}

// Sink adapts the hub to the pipeline's progress interface.
type Sink struct {
	hub *Hub
	run string
}

func (s *Sink) Notify(message string) {
	s.hub.Broadcast(Event{Type: "progress", Run: s.run, Message: message})
}

// ServeWS upgrades the connection and registers a client
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	// writer
	go func() {
		for msg := range c.send {
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
		c.conn.Close()
	}()

	// reader (just consume pings/close)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
