package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remflow/remflow/internal/logger"
)

// Event is a progress notification pushed to websocket clients
type Event struct {
	Type      string      `json:"type"`
	Message   string      `json:"message,omitempty"`
	Progress  int         `json:"progress,omitempty"`
	Total     int         `json:"total,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub fans progress events out to connected websocket clients. Slow
// clients are dropped rather than allowed to stall a batch.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan Event
	log     logger.Logger
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]chan Event),
		log:     logger.New("websocket"),
	}
}

// Broadcast sends an event to every connected client. The timestamp is
// stamped here so publishers don't have to.
func (h *Hub) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- event:
		default:
			h.log.Warn("dropping slow websocket client")
			delete(h.clients, conn)
			close(send)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(conn *websocket.Conn) chan Event {
	send := make(chan Event, 64)
	h.mu.Lock()
	h.clients[conn] = send
	h.mu.Unlock()
	return send
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if send, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(send)
	}
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and streams hub events until
// the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logger.Err(err))
		return
	}

	send := s.hub.register(conn)
	s.log.Debug("websocket client connected")

	// Drain reads so pings and close frames are processed.
	go func() {
		defer s.hub.unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer conn.Close()
		for event := range send {
			if err := conn.WriteJSON(event); err != nil {
				s.hub.unregister(conn)
				return
			}
		}
	}()
}
