package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"perpsim/internal/model"
)

const defaultStreamURL = "wss://stream.binance.com:9443"

// StreamConfig holds configuration for the WebSocket ticker stream.
type StreamConfig struct {
	// BaseURL of the stream endpoint, e.g. "wss://stream.binance.com:9443".
	BaseURL string

	// Symbols to subscribe, e.g. ["BTCUSDT", "ETHUSDT"]. Swapping
	// symbols means creating a new stream.
	Symbols []string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *StreamConfig) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultStreamURL
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Stream subscribes to per-symbol 24h ticker events over WebSocket and
// pushes model.Ticker values into a channel. Implements feed.TickSource.
type Stream struct {
	cfg StreamConfig
	url string

	// Optional hook, called each time a reconnection happens.
	OnReconnect func()
}

// NewStream creates a ticker stream. Returns an error if no symbols
// are configured.
func NewStream(cfg StreamConfig) (*Stream, error) {
	cfg.defaults()
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("binance stream: no symbols configured")
	}

	// Combined stream: /stream?streams=btcusdt@ticker/ethusdt@ticker
	parts := make([]string, len(cfg.Symbols))
	for i, s := range cfg.Symbols {
		parts[i] = strings.ToLower(s) + "@ticker"
	}
	return &Stream{
		cfg: cfg,
		url: cfg.BaseURL + "/stream?streams=" + strings.Join(parts, "/"),
	}, nil
}

// Start connects and streams tickers into tickCh. Blocks until ctx is
// cancelled. Reconnects automatically on disconnect.
func (s *Stream) Start(ctx context.Context, tickCh chan<- model.Ticker) error {
	delay := s.cfg.ReconnectDelay

	for {
		// Check context before each attempt
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := s.runOnce(ctx, tickCh)
		if err == nil {
			// Context cancelled cleanly
			return nil
		}

		log.Printf("[binance] disconnected (%v), reconnecting in %s...", err, delay)
		if s.OnReconnect != nil {
			s.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		// Exponential backoff
		delay *= 2
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}
}

// combinedMsg is the wrapper used by the combined stream endpoint.
type combinedMsg struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tickerEvent is the 24hrTicker event payload. Prices are strings.
type tickerEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"` // ms
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	LastQty   string `json:"Q"`
	ChangePct string `json:"P"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
}

// runOnce makes a single connection attempt and reads until disconnect
// or ctx cancel.
func (s *Stream) runOnce(ctx context.Context, tickCh chan<- model.Ticker) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Printf("[binance] connected, streaming %d symbols", len(s.cfg.Symbols))

	// Async context watcher, closes the connection when ctx is cancelled.
	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			// Check if it's a context cancellation
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		var msg combinedMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("[binance] parse error: %v (raw: %s)", err, raw)
			continue
		}

		var ev tickerEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[binance] event parse error: %v", err)
			continue
		}
		if ev.EventType != "24hrTicker" || ev.Symbol == "" {
			continue
		}

		tick, err := ev.ticker()
		if err != nil {
			log.Printf("[binance] bad ticker event: %v", err)
			continue
		}

		select {
		case tickCh <- tick:
		default:
			log.Println("[binance] tickCh full, dropping tick")
		}
	}
}

func (ev *tickerEvent) ticker() (model.Ticker, error) {
	var err error
	parse := func(name, raw string) float64 {
		if err != nil {
			return 0
		}
		v, perr := strconv.ParseFloat(raw, 64)
		if perr != nil {
			err = fmt.Errorf("%s: %w", name, perr)
		}
		return v
	}
	t := model.Ticker{
		Symbol:    ev.Symbol,
		LastPrice: parse("c", ev.LastPrice),
		LastQty:   parse("Q", ev.LastQty),
		Change24h: parse("P", ev.ChangePct),
		High24h:   parse("h", ev.High),
		Low24h:    parse("l", ev.Low),
		Volume24h: parse("v", ev.Volume),
		TS:        time.UnixMilli(ev.EventTime).UTC(),
	}
	return t, err
}
