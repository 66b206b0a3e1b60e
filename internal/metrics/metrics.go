package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the simulator.
type Metrics struct {
	// Tick pipeline
	TicksTotal     prometheus.Counter
	TicksCoalesced prometheus.Counter
	InvalidTicks   prometheus.Counter
	WSReconnects   prometheus.Counter
	CandlesTotal   *prometheus.CounterVec // labels: interval

	// Trigger engine
	TriggerPassDur   prometheus.Histogram
	PositionsClosed  *prometheus.CounterVec // labels: reason
	LadderExecutions prometheus.Counter
	OrdersFilled     prometheus.Counter

	// Ledger
	OrdersPlaced prometheus.Counter
	StoreErrors  prometheus.Counter

	// Strategy engine
	StrategyEvalDur prometheus.Histogram
	SignalsTotal    *prometheus.CounterVec // labels: strategy, label

	// Ticker cache circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	TickerCacheWrites        prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpsim_ticks_total",
			Help: "Total price ticks received",
		}),
		TicksCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpsim_ticks_coalesced_total",
			Help: "Ticks dropped because a trigger pass was already running",
		}),
		InvalidTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpsim_invalid_ticks_total",
			Help: "Ticks skipped for a non-finite or non-positive price",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpsim_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsim_candles_total",
			Help: "Candles aggregated or resampled (by interval)",
		}, []string{"interval"}),

		TriggerPassDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpsim_trigger_pass_duration_seconds",
			Help:    "Full trigger evaluation pass latency per tick",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
		PositionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsim_positions_closed_total",
			Help: "Positions closed by the trigger engine (by reason)",
		}, []string{"reason"}),
		LadderExecutions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpsim_ladder_executions_total",
			Help: "Take-profit ladder rungs executed",
		}),
		OrdersFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpsim_orders_filled_total",
			Help: "Pending orders filled by the trigger engine",
		}),

		OrdersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpsim_orders_placed_total",
			Help: "Order requests accepted by the ledger",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpsim_store_errors_total",
			Help: "Durable store call failures",
		}),

		StrategyEvalDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpsim_strategy_eval_duration_seconds",
			Help:    "Per-strategy evaluation latency",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsim_signals_total",
			Help: "Signals emitted (by strategy and label)",
		}, []string{"strategy", "label"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "perpsim_redis_circuit_breaker_state",
			Help: "Ticker cache circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpsim_redis_circuit_breaker_trips_total",
			Help: "Times the ticker cache circuit breaker tripped open",
		}),
		TickerCacheWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpsim_ticker_cache_writes_total",
			Help: "Latest-ticker writes published to Redis",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.TicksCoalesced,
		m.InvalidTicks,
		m.WSReconnects,
		m.CandlesTotal,
		m.TriggerPassDur,
		m.PositionsClosed,
		m.LadderExecutions,
		m.OrdersFilled,
		m.OrdersPlaced,
		m.StoreErrors,
		m.StrategyEvalDur,
		m.SignalsTotal,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.TickerCacheWrites,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.FeedConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.FeedConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		FeedConnected   bool    `json:"feed_connected"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
