// cmd/simd is the live paper-trading daemon. It streams tickers (from
// Binance or a synthetic walk), builds candles, evaluates strategies,
// runs the trigger engine over open positions, and serves the HTTP API.
//
// Config (env vars, see config.Load):
//
//	FEED_MODE       : "sim" (default) or "binance"
//	SYMBOLS         : comma-separated, default "BTCUSDT,ETHUSDT"
//	INITIAL_BALANCE : seed balance for new profiles (default 10000)
//	SQLITE_PATH     : database path (default data/perpsim.db)
//	REDIS_ADDR      : ticker cache address, empty disables
//	API_ADDR        : HTTP API listen address (default :8080)
//	METRICS_ADDR    : Prometheus/healthz address (default :9090)
//	FEAR_GREED      : initial fear & greed index, 0..100 (default 50)
//	NEWS_SCORE      : initial news sentiment score, -1..1 (default 0)
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"perpsim/config"
	"perpsim/internal/api"
	"perpsim/internal/backtest"
	"perpsim/internal/feed"
	"perpsim/internal/gateway"
	"perpsim/internal/ledger"
	"perpsim/internal/logger"
	"perpsim/internal/marketdata/agg"
	"perpsim/internal/marketdata/bus"
	"perpsim/internal/marketdata/resample"
	"perpsim/internal/metrics"
	"perpsim/internal/model"
	"perpsim/internal/notification"
	sigengine "perpsim/internal/signal"
	redisstore "perpsim/internal/store/redis"
	sqlitestore "perpsim/internal/store/sqlite"
	"perpsim/internal/strategy"
	"perpsim/internal/trigger"
	"perpsim/pkg/binance"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	// .env is optional; real env vars win either way.
	if err := godotenv.Load(); err == nil {
		log.Println("[simd] loaded .env")
	}

	cfg := config.Load()
	symbols := cfg.ParseSymbols()
	if len(symbols) == 0 {
		log.Fatal("[simd] no symbols configured")
	}

	slg := logger.Init("simd", slog.LevelInfo)
	slg.Info("starting", "symbols", symbols, "feed", cfg.FeedMode)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Shutdown plumbing ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Durable store + ledger ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	store, err := sqlitestore.New(sqlitestore.Config{
		DBPath:         cfg.SQLitePath,
		InitialBalance: cfg.InitialBalance,
	})
	if err != nil {
		log.Fatalf("[simd] sqlite init failed: %v", err)
	}
	defer store.Close()
	health.SetSQLiteOK(true)

	book := ledger.New(store, cfg.UserID, slg)
	if err := book.Refresh(ctx); err != nil {
		log.Fatalf("[simd] ledger hydrate failed: %v", err)
	}

	// ---- Optional Redis ticker cache ----
	var cache *redisstore.Cache
	if cfg.RedisAddr != "" {
		cache, err = redisstore.NewCache(redisstore.CacheConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}, prom)
		if err != nil {
			log.Printf("[simd] WARNING: redis init failed: %v (continuing without ticker cache)", err)
			cache = nil
		} else {
			defer cache.Close()
			log.Println("[simd] redis ticker cache ready")
		}
	}

	if cache != nil {
		health.StartLivenessChecker(ctx, cache.Client(), store.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, store.DB(), 10*time.Second)
	}

	// ---- Notifications ----
	backends := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.WebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	notifier := notification.NewFanout(backends...)

	// ---- Live event stream ----
	hub := gateway.NewHub(slg)

	// ---- Strategy engine ----
	registry := strategy.NewDefaultRegistry(strategy.DefaultParams())
	engine := sigengine.New(symbols, registry, prom, slg)
	engine.SetSentiment(cfg.FearGreed, cfg.NewsScore)
	engine.SetBalanceFunc(func() float64 {
		b, err := book.Balance(context.Background())
		if err != nil {
			return 0
		}
		return b
	})
	engine.OnSignal = func(symbol string, r strategy.Result) {
		hub.Broadcast("signal", symbol, r)
		if r.Grade == strategy.GradeCritical {
			notifier.Send(ctx, notification.SignalAlert(symbol, r))
		}
	}
	go engine.Run(ctx)

	// ---- Trigger engine ----
	triggers := trigger.New(book, prom, slg)
	triggers.OnClose(func(pos model.Position, reason trigger.CloseReason, price float64) {
		hub.Broadcast("position_closed", pos.Symbol, map[string]any{
			"position": pos,
			"reason":   reason,
			"price":    price,
		})
		notifier.Send(ctx, notification.PositionClosedAlert(pos, string(reason), price))
	})

	// ---- Pipeline channels ----
	tickCh := make(chan model.Ticker, 10000)
	candleCh := make(chan model.Candle, 5000)
	resampleCh := make(chan resample.Emitted, 5000)

	fanout := bus.New(5000)
	fanout.OnDrop = func(int) { prom.TicksCoalesced.Inc() }

	triggerTicks := fanout.Subscribe()
	aggTicks := fanout.Subscribe()
	engineTicks := fanout.Subscribe()
	var cacheTicks <-chan model.Ticker
	if cache != nil {
		cacheTicks = fanout.Subscribe()
	}
	go fanout.Run(ctx, tickCh)

	go triggers.Run(ctx, triggerTicks)
	if cache != nil {
		go cache.Run(ctx, cacheTicks)
	}

	// Engine-side tick consumption: last price, 24h change, liveness.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-engineTicks:
				if !ok {
					return
				}
				engine.ApplyTick(t)
				health.SetLastTickTime(t.TS)
				hub.Broadcast("tick", t.Symbol, t)
			}
		}
	}()

	// ---- Candle pipeline: ticks → 1m → 15m/4h windows ----
	aggregator := agg.New()
	aggregator.OnForming = func(c model.Candle) {
		engine.ApplyCandle(c.Symbol, model.Interval1m, c)
	}
	go aggregator.Run(ctx, aggTicks, candleCh)

	resampler := resample.New(model.Interval15m, model.Interval4h)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-candleCh:
				if !ok {
					return
				}
				engine.ApplyCandle(c.Symbol, model.Interval1m, c)
				engine.CountCandle(model.Interval1m)
				resampler.Process(c, resampleCh)
			}
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-resampleCh:
				if !ok {
					return
				}
				engine.ApplyCandle(e.Candle.Symbol, e.Interval, e.Candle)
				if !e.Forming {
					engine.CountCandle(e.Interval)
				}
			}
		}
	}()

	// ---- Feed ----
	rest := binance.NewClient(binance.Config{})
	var source feed.TickSource
	if cfg.FeedMode == "binance" {
		stream, err := binance.NewStream(binance.StreamConfig{Symbols: symbols})
		if err != nil {
			log.Fatalf("[simd] binance stream init failed: %v", err)
		}
		stream.OnReconnect = func() { prom.WSReconnects.Inc() }
		source = stream

		seedWindows(ctx, rest, engine, symbols)
		go refreshBooks(ctx, rest, engine, symbols)
	} else {
		source = feed.NewSim(symbols, 200*time.Millisecond, 0.1)
	}

	health.SetFeedConnected(true)
	go func() {
		if err := source.Start(ctx, tickCh); err != nil {
			log.Printf("[simd] feed stopped: %v", err)
			health.SetFeedConnected(false)
		}
	}()

	// ---- HTTP API ----
	apiSrv := api.NewServer(book, registry,
		func(ctx context.Context, symbol string) (strategy.MarketView, error) {
			view, ok := engine.View(symbol)
			if !ok {
				return strategy.MarketView{}, errors.New("symbol not tracked: " + symbol)
			}
			return view, nil
		},
		func(ctx context.Context, symbol string) (backtest.Report, error) {
			fine, err := rest.Klines(ctx, symbol, model.Interval15m, 1000)
			if err != nil {
				return backtest.Report{}, err
			}
			coarse, err := rest.Klines(ctx, symbol, model.Interval4h, 200)
			if err != nil {
				return backtest.Report{}, err
			}
			sim := backtest.New(strategy.DefaultParams())
			return sim.Run(fine, coarse, model.Interval4h), nil
		},
		engine.Price,
		slg,
	)
	apiSrv.SetSentimentFunc(engine.SetSentiment)
	mux := apiSrv.Router()
	mux.HandleFunc("/api/v1/stream", hub.HandleWS)
	httpSrv := &http.Server{Addr: cfg.APIAddr, Handler: mux}
	go func() {
		log.Printf("[simd] API listening on %s", cfg.APIAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[simd] API server error: %v", err)
		}
	}()

	log.Println("[simd] ╔═══════════════════════════════════════════════════════╗")
	log.Println("[simd] ║  perpsim daemon ready                                 ║")
	log.Println("[simd] ║                                                       ║")
	log.Println("[simd] ║  [feed] → [triggers] + [1m agg] → [15m/4h] → [signals]║")
	log.Printf("[simd] ║  symbols: %-43v ║", symbols)
	log.Printf("[simd] ║  api: %-14s metrics: %-21s ║", cfg.APIAddr, cfg.MetricsAddr)
	log.Println("[simd] ╚═══════════════════════════════════════════════════════╝")

	// ---- Wait for shutdown ----
	<-sigCh
	log.Println("[simd] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	log.Println("[simd] shutdown complete.")
}

// seedWindows backfills candle history so strategies are evaluable
// immediately instead of after hours of warmup.
func seedWindows(ctx context.Context, client *binance.Client, engine *sigengine.Engine, symbols []string) {
	for _, symbol := range symbols {
		for _, fetch := range []struct {
			iv    model.Interval
			limit int
		}{
			{model.Interval1m, 100},
			{model.Interval15m, 400},
			{model.Interval4h, 200},
		} {
			candles, err := client.Klines(ctx, symbol, fetch.iv, fetch.limit)
			if err != nil {
				log.Printf("[simd] seed %s %s failed: %v", symbol, fetch.iv, err)
				continue
			}
			engine.Seed(symbol, fetch.iv, candles)
		}
		log.Printf("[simd] seeded windows for %s", symbol)
	}
}

// refreshBooks polls order-book depth for the order-flow strategies.
func refreshBooks(ctx context.Context, client *binance.Client, engine *sigengine.Engine, symbols []string) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range symbols {
				snap, err := client.Depth(ctx, symbol, 50)
				if err != nil {
					log.Printf("[simd] depth %s failed: %v", symbol, err)
					continue
				}
				engine.SetBook(symbol, snap)
			}
		}
	}
}
