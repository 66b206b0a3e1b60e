// Package redis caches the latest ticker per symbol and fans ticks out
// over pub/sub for dashboards and other consumers. Everything here is
// best-effort: a slow or dead Redis must never stall the trigger path,
// so all writes go through a circuit breaker and failures are dropped
// after logging.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"perpsim/internal/metrics"
	"perpsim/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	latestTickerTTL = 30 * time.Minute

	breakerMaxFailures  = 5
	breakerResetTimeout = 10 * time.Second
)

// CacheConfig configures the ticker cache.
type CacheConfig struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Cache writes the latest ticker per symbol and publishes each tick.
// While the breaker is open it remembers the newest ticker per symbol
// and replays those on recovery, so the cache converges to current
// state without queueing the full tick backlog.
type Cache struct {
	client  *goredis.Client
	breaker *CircuitBreaker
	metrics *metrics.Metrics // nil disables instrumentation

	mu      sync.Mutex
	pending map[string]model.Ticker // newest ticker per symbol while open
}

// Client returns the underlying Redis client for health checks.
func (c *Cache) Client() *goredis.Client { return c.client }

// NewCache connects, pings the server, and wires breaker state into the
// metrics gauge.
func NewCache(cfg CacheConfig, m *metrics.Metrics) (*Cache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	c := &Cache{
		client:  client,
		breaker: NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout),
		metrics: m,
		pending: make(map[string]model.Ticker),
	}
	c.breaker.OnStateChange = func(from, to State) {
		log.Printf("[redis] circuit breaker %s -> %s", from, to)
		if m != nil {
			m.RedisCircuitBreakerState.Set(float64(to))
			if to == StateOpen {
				m.RedisCircuitBreakerTrips.Inc()
			}
		}
		if to == StateClosed {
			c.flushPending()
		}
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return c, nil
}

// Run consumes ticks until ctx is cancelled or the channel closes.
func (c *Cache) Run(ctx context.Context, ticks <-chan model.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			c.Write(ctx, t)
		}
	}
}

// Write caches and publishes one ticker through the breaker. Failures
// are logged and the ticker parked for replay; the caller never blocks
// on Redis health.
func (c *Cache) Write(ctx context.Context, t model.Ticker) {
	err := c.breaker.Execute(func() error {
		return c.write(ctx, t)
	})
	switch {
	case err == nil:
		if c.metrics != nil {
			c.metrics.TickerCacheWrites.Inc()
		}
	case errors.Is(err, ErrCircuitOpen):
		c.park(t)
	default:
		log.Printf("[redis] ticker write error for %s: %v", t.Symbol, err)
		c.park(t)
	}
}

func (c *Cache) write(ctx context.Context, t model.Ticker) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	payload := string(data)

	pipe := c.client.Pipeline()
	pipe.Set(ctx, "ticker:latest:"+t.Symbol, payload, latestTickerTTL)
	pipe.Publish(ctx, "pub:ticker:"+t.Symbol, payload)
	_, err = pipe.Exec(ctx)
	return err
}

// Latest returns the cached ticker for a symbol. The second return is
// false when nothing is cached.
func (c *Cache) Latest(ctx context.Context, symbol string) (model.Ticker, bool, error) {
	var t model.Ticker
	data, err := c.client.Get(ctx, "ticker:latest:"+symbol).Result()
	if err == goredis.Nil {
		return t, false, nil
	}
	if err != nil {
		return t, false, fmt.Errorf("redis get ticker: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return t, false, fmt.Errorf("decode ticker: %w", err)
	}
	return t, true, nil
}

func (c *Cache) park(t model.Ticker) {
	c.mu.Lock()
	c.pending[t.Symbol] = t
	c.mu.Unlock()
}

// flushPending replays the newest parked ticker per symbol after the
// breaker closes.
func (c *Cache) flushPending() {
	c.mu.Lock()
	parked := c.pending
	c.pending = make(map[string]model.Ticker)
	c.mu.Unlock()
	if len(parked) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, t := range parked {
		if err := c.write(ctx, t); err != nil {
			log.Printf("[redis] replay write error for %s: %v", t.Symbol, err)
		}
	}
	log.Printf("[redis] replayed %d parked tickers after recovery", len(parked))
}

// Close closes the Redis client.
func (c *Cache) Close() error { return c.client.Close() }
