// Package signal maintains per-symbol candle windows and runs the
// strategy registry against them on a fixed cadence. It is the live
// counterpart of the backtest simulator: same strategies, streaming
// inputs.
package signal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"perpsim/internal/metrics"
	"perpsim/internal/model"
	"perpsim/internal/strategy"
	"perpsim/internal/window"
)

// Window capacities per timeframe. The 15m window needs room for the
// pullback system's slow EMA plus warmup; 4h covers the macro bias.
var windowCaps = map[model.Interval]int{
	model.Interval1m:  120,
	model.Interval15m: 400,
	model.Interval4h:  220,
}

// symbolState holds the streaming inputs for one symbol.
type symbolState struct {
	windows   map[model.Interval]*window.Window
	price     float64
	change24h float64
	book      *model.OrderBookSnapshot
}

// Engine aggregates market state and evaluates strategies. Safe for
// concurrent use: the pipeline goroutines feed it while the HTTP API
// reads views from it.
type Engine struct {
	log      *slog.Logger
	registry *strategy.Registry
	metrics  *metrics.Metrics // nil disables instrumentation

	// Sentiment inputs are opaque numbers supplied externally; 50/0
	// (neutral) until set.
	mu        sync.RWMutex
	symbols   map[string]*symbolState
	fearGreed float64
	newsScore float64
	balanceFn func() float64

	evalEvery time.Duration

	// OnSignal, if set, receives every actionable (non-WAIT) result.
	OnSignal func(symbol string, res strategy.Result)
}

// New creates an engine for the given symbols.
func New(symbols []string, registry *strategy.Registry, m *metrics.Metrics, log *slog.Logger) *Engine {
	e := &Engine{
		log:       log,
		registry:  registry,
		metrics:   m,
		symbols:   make(map[string]*symbolState, len(symbols)),
		fearGreed: 50,
		evalEvery: 30 * time.Second,
	}
	for _, s := range symbols {
		ws := make(map[model.Interval]*window.Window, len(windowCaps))
		for iv, n := range windowCaps {
			ws[iv] = window.New(n)
		}
		e.symbols[s] = &symbolState{windows: ws}
	}
	return e
}

// SetBalanceFunc wires the account balance used for sizing hints.
func (e *Engine) SetBalanceFunc(fn func() float64) { e.balanceFn = fn }

// SetSentiment updates the opaque sentiment inputs shared by all symbols.
func (e *Engine) SetSentiment(fearGreed, newsScore float64) {
	e.mu.Lock()
	e.fearGreed = fearGreed
	e.newsScore = newsScore
	e.mu.Unlock()
}

// Seed backfills a window with historical candles, oldest first.
func (e *Engine) Seed(symbol string, iv model.Interval, candles []model.Candle) {
	e.mu.RLock()
	st, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if !ok {
		return
	}
	w, ok := st.windows[iv]
	if !ok {
		return
	}
	for _, c := range candles {
		w.Append(c)
	}
}

// ApplyCandle appends a finalized or forming candle to its window.
// Same-OpenTime appends replace the newest entry, so forming updates
// are safe.
func (e *Engine) ApplyCandle(symbol string, iv model.Interval, c model.Candle) {
	e.mu.RLock()
	st, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if !ok {
		return
	}
	if w, ok := st.windows[iv]; ok {
		w.Append(c)
	}
}

// CountCandle records a finalized candle in the metrics.
func (e *Engine) CountCandle(iv model.Interval) {
	if e.metrics != nil {
		e.metrics.CandlesTotal.WithLabelValues(string(iv)).Inc()
	}
}

// ApplyTick records the latest price and 24h change for a symbol.
func (e *Engine) ApplyTick(t model.Ticker) {
	e.mu.Lock()
	if st, ok := e.symbols[t.Symbol]; ok {
		st.price = t.LastPrice
		st.change24h = t.Change24h
	}
	e.mu.Unlock()
}

// SetBook replaces the order-book snapshot for a symbol.
func (e *Engine) SetBook(symbol string, book *model.OrderBookSnapshot) {
	e.mu.Lock()
	if st, ok := e.symbols[symbol]; ok {
		st.book = book
	}
	e.mu.Unlock()
}

// Price returns the last seen price for a symbol (0 when unknown).
func (e *Engine) Price(symbol string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.symbols[symbol]; ok {
		return st.price
	}
	return 0
}

// View assembles the immutable snapshot strategies evaluate.
func (e *Engine) View(symbol string) (strategy.MarketView, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st, ok := e.symbols[symbol]
	if !ok {
		return strategy.MarketView{}, false
	}

	candles := make(map[model.Interval][]model.Candle, len(st.windows))
	for iv, w := range st.windows {
		candles[iv] = w.Slice()
	}

	var balance float64
	if e.balanceFn != nil {
		balance = e.balanceFn()
	}

	return strategy.MarketView{
		Symbol:  symbol,
		Price:   st.price,
		Balance: balance,
		Candles: candles,
		Book:    st.book,
		Sentiment: &strategy.Sentiment{
			FearGreed: e.fearGreed,
			NewsScore: e.newsScore,
			Change24h: st.change24h,
		},
		Now: time.Now().UTC(),
	}, true
}

// Evaluate runs every strategy for one symbol.
func (e *Engine) Evaluate(symbol string) []strategy.Result {
	view, ok := e.View(symbol)
	if !ok || view.Price == 0 {
		return nil
	}

	start := time.Now()
	results := e.registry.EvaluateAll(view)
	if e.metrics != nil {
		e.metrics.StrategyEvalDur.Observe(time.Since(start).Seconds())
		for _, r := range results {
			e.metrics.SignalsTotal.WithLabelValues(r.Strategy, string(r.Label)).Inc()
		}
	}

	for _, r := range results {
		if r.Label == strategy.LabelWait || r.Label == strategy.LabelSleep ||
			r.Label == strategy.LabelNoTrade {
			continue
		}
		e.log.Info("signal",
			"symbol", symbol,
			"strategy", r.Strategy,
			"label", string(r.Label),
			"grade", string(r.Grade))
		if e.OnSignal != nil {
			e.OnSignal(symbol, r)
		}
	}
	return results
}

// Run evaluates all symbols on a fixed cadence until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.evalEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.RLock()
			symbols := make([]string, 0, len(e.symbols))
			for s := range e.symbols {
				symbols = append(symbols, s)
			}
			e.mu.RUnlock()
			for _, s := range symbols {
				e.Evaluate(s)
			}
		}
	}
}
