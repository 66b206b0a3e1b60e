// Package binance is a minimal client for the Binance public market
// data API: REST klines/depth/24h ticker plus a WebSocket ticker
// stream. Only unauthenticated endpoints are covered.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"perpsim/internal/model"
)

const defaultBaseURL = "https://api.binance.com"

// Config holds REST client configuration.
type Config struct {
	BaseURL string        // default: https://api.binance.com
	Timeout time.Duration // default: 10s
}

// Client talks to the Binance public REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a REST client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// get issues a GET against path with query params and decodes JSON into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("binance GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("binance GET %s: read body: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("binance GET %s: status %d: %s", path, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("binance GET %s: decode: %w", path, err)
	}
	return nil
}

// Klines fetches up to limit candles for symbol at the given interval.
// Candles are returned oldest first, the last one possibly still open.
func (c *Client) Klines(ctx context.Context, symbol string, interval model.Interval, limit int) ([]model.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", string(interval))
	params.Set("limit", strconv.Itoa(limit))

	// Each kline is a mixed-type array:
	// [openTime, open, high, low, close, volume, closeTime, ...]
	var raw [][]json.RawMessage
	if err := c.get(ctx, "/api/v3/klines", params, &raw); err != nil {
		return nil, err
	}

	candles := make([]model.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			return nil, fmt.Errorf("binance klines: short row (%d fields)", len(k))
		}
		var openMs int64
		if err := json.Unmarshal(k[0], &openMs); err != nil {
			return nil, fmt.Errorf("binance klines: open time: %w", err)
		}
		vals := make([]float64, 5) // open, high, low, close, volume
		for i := 0; i < 5; i++ {
			var s string
			if err := json.Unmarshal(k[i+1], &s); err != nil {
				return nil, fmt.Errorf("binance klines: field %d: %w", i+1, err)
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("binance klines: field %d: %w", i+1, err)
			}
			vals[i] = f
		}
		candles = append(candles, model.Candle{
			Symbol:   symbol,
			OpenTime: time.UnixMilli(openMs).UTC(),
			Open:     vals[0],
			High:     vals[1],
			Low:      vals[2],
			Close:    vals[3],
			Volume:   vals[4],
		})
	}
	return candles, nil
}

// depthResponse is the wire shape of /api/v3/depth.
type depthResponse struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"` // [price, qty]
	Asks         [][2]string `json:"asks"`
}

// Depth fetches the top `limit` levels of the order book.
func (c *Client) Depth(ctx context.Context, symbol string, limit int) (*model.OrderBookSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))

	var raw depthResponse
	if err := c.get(ctx, "/api/v3/depth", params, &raw); err != nil {
		return nil, err
	}

	snap := &model.OrderBookSnapshot{Symbol: symbol}
	var err error
	if snap.Bids, err = parseLevels(raw.Bids); err != nil {
		return nil, fmt.Errorf("binance depth: bids: %w", err)
	}
	if snap.Asks, err = parseLevels(raw.Asks); err != nil {
		return nil, fmt.Errorf("binance depth: asks: %w", err)
	}
	return snap, nil
}

func parseLevels(raw [][2]string) ([]model.BookLevel, error) {
	out := make([]model.BookLevel, 0, len(raw))
	for _, lvl := range raw {
		price, err := strconv.ParseFloat(lvl[0], 64)
		if err != nil {
			return nil, err
		}
		size, err := strconv.ParseFloat(lvl[1], 64)
		if err != nil {
			return nil, err
		}
		out = append(out, model.BookLevel{Price: price, Size: size})
	}
	return out, nil
}

// ticker24hResponse is the wire shape of /api/v3/ticker/24hr.
type ticker24hResponse struct {
	Symbol             string `json:"symbol"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	LastQty            string `json:"lastQty"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	CloseTime          int64  `json:"closeTime"`
}

// Ticker24h fetches the rolling 24h ticker for symbol.
func (c *Client) Ticker24h(ctx context.Context, symbol string) (*model.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var raw ticker24hResponse
	if err := c.get(ctx, "/api/v3/ticker/24hr", params, &raw); err != nil {
		return nil, err
	}
	return raw.ticker()
}

func (r *ticker24hResponse) ticker() (*model.Ticker, error) {
	var err error
	parse := func(name, s string) float64 {
		if err != nil {
			return 0
		}
		v, perr := strconv.ParseFloat(s, 64)
		if perr != nil {
			err = fmt.Errorf("binance ticker: %s: %w", name, perr)
		}
		return v
	}
	t := &model.Ticker{
		Symbol:    r.Symbol,
		LastPrice: parse("lastPrice", r.LastPrice),
		LastQty:   parse("lastQty", r.LastQty),
		Change24h: parse("priceChangePercent", r.PriceChangePercent),
		High24h:   parse("highPrice", r.HighPrice),
		Low24h:    parse("lowPrice", r.LowPrice),
		Volume24h: parse("volume", r.Volume),
		TS:        time.UnixMilli(r.CloseTime).UTC(),
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}
