package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// symbols filter; empty means receive everything.
	filterMu sync.RWMutex
	symbols  map[string]bool
}

// subscribeMsg is the only inbound message clients send:
//
//	{"type": "subscribe", "symbols": ["BTCUSDT"]}
//
// An empty symbols list resets the filter to receive-all.
type subscribeMsg struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
	Ping    int64    `json:"ping"`
}

// wants reports whether this client's filter matches symbol. Events
// without a symbol (account-level) always pass.
func (c *Client) wants(symbol string) bool {
	if symbol == "" {
		return true
	}
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	if len(c.symbols) == 0 {
		return true
	}
	return c.symbols[symbol]
}

// sendInitialState replays the last envelope of each topic so a new
// client paints without waiting for the next event.
//
// The hub lock is held across the sends: removeClient closes c.send
// under the write lock, so a client that disconnects immediately is
// either seen as already unregistered here, or its channel stays open
// until the loop finishes.
func (c *Client) sendInitialState() {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	for _, envelope := range c.hub.latest {
		select {
		case c.send <- envelope:
		default:
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// Write coalescing: batch queued envelopes into a single
			// frame with newline separators.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
		log.Println("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var m subscribeMsg
		if json.Unmarshal(msg, &m) != nil {
			continue
		}

		switch {
		case m.Type == "subscribe":
			c.setFilter(m.Symbols)
		case m.Ping > 0:
			pong, _ := json.Marshal(map[string]any{
				"type":      "pong",
				"ping":      m.Ping,
				"server_ts": time.Now().UnixMilli(),
			})
			select {
			case c.send <- pong:
			default:
			}
		}
	}
}

func (c *Client) setFilter(symbols []string) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	if len(symbols) == 0 {
		c.symbols = nil
		return
	}
	c.symbols = make(map[string]bool, len(symbols))
	for _, s := range symbols {
		c.symbols[s] = true
	}
	log.Printf("[gateway] client filter set: %v", symbols)
}
