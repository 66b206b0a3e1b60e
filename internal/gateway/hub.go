// Package gateway streams live simulator events to WebSocket clients.
//
// The hub fans out JSON envelopes (ticks, signals, position closes,
// order fills) to every connected client with per-client symbol
// filtering. Slow clients drop messages rather than stall the hub.
package gateway

import (
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Envelope is the wire format for every pushed event.
type Envelope struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol,omitempty"`
	Data   json.RawMessage `json:"data"`
	TS     time.Time       `json:"ts"`
}

// Hub manages WebSocket clients and event fan-out.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]bool

	// latest envelope per (type, symbol) key, replayed to new clients
	// so a fresh dashboard paints immediately.
	latest map[string][]byte

	upgrader websocket.Upgrader
}

// NewHub creates an empty hub. Call HandleWS from an HTTP route and
// Broadcast from the event producers.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		log:     logger,
		clients: make(map[*Client]bool),
		latest:  make(map[string][]byte),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local tool, no cross-origin concerns.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Broadcast marshals payload into an envelope and fans it out to every
// client whose filter matches symbol. Never blocks: a client with a
// full send queue misses the message.
func (h *Hub) Broadcast(eventType, symbol string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn("broadcast marshal failed", "type", eventType, "error", err)
		return
	}
	envelope, err := json.Marshal(Envelope{
		Type:   eventType,
		Symbol: symbol,
		Data:   data,
		TS:     time.Now(),
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	h.latest[eventType+":"+symbol] = envelope
	for client := range h.clients {
		if !client.wants(symbol) {
			continue
		}
		select {
		case client.send <- envelope:
		default:
		}
	}
	h.mu.Unlock()
}

// HandleWS upgrades the HTTP connection and registers the client.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "error", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] ws client connected (%d total)", count)

	go client.sendInitialState()
	go client.writePump()
	go client.readPump()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
