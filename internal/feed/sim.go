package feed

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"perpsim/internal/model"
)

// symState holds per-symbol random-walk state.
type symState struct {
	price   float64
	open24h float64 // anchor for the simulated 24h change
	high24h float64
	low24h  float64
	vol24h  float64
}

// SimFeed is a synthetic random-walk tick generator. It implements
// TickSource so the daemon can run without any exchange connectivity.
type SimFeed struct {
	interval time.Duration
	stepPct  float64 // max per-tick move, percent

	mu     sync.Mutex
	states map[string]*symState
	rng    *rand.Rand
}

// DefaultStartPrices seed the walk for common symbols; unknown symbols
// start at 1000.
var DefaultStartPrices = map[string]float64{
	"BTCUSDT": 30000,
	"ETHUSDT": 2000,
	"SOLUSDT": 150,
	"BNBUSDT": 400,
}

// NewSim creates a SimFeed emitting one tick per symbol every interval.
// stepPct is the maximum per-tick price move in percent (e.g. 0.1).
func NewSim(symbols []string, interval time.Duration, stepPct float64) *SimFeed {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	if stepPct <= 0 {
		stepPct = 0.1
	}
	states := make(map[string]*symState, len(symbols))
	for _, s := range symbols {
		start := DefaultStartPrices[s]
		if start == 0 {
			start = 1000
		}
		states[s] = &symState{
			price:   start,
			open24h: start,
			high24h: start,
			low24h:  start,
		}
	}
	return &SimFeed{
		interval: interval,
		stepPct:  stepPct,
		states:   states,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Price returns the current simulated price for a symbol (0 if unknown).
func (f *SimFeed) Price(symbol string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[symbol]; ok {
		return st.price
	}
	return 0
}

// Start emits random-walk tickers until ctx is cancelled. Never blocks
// on a full channel.
func (f *SimFeed) Start(ctx context.Context, tickCh chan<- model.Ticker) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	log.Printf("[simfeed] generating ticks for %d symbols every %s", len(f.states), f.interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now().UTC()
			for symbol := range f.states {
				t := f.step(symbol, now)
				select {
				case tickCh <- t:
				default:
					log.Println("[simfeed] tickCh full, dropping tick")
				}
			}
		}
	}
}

// step advances one symbol's walk and builds its ticker.
func (f *SimFeed) step(symbol string, now time.Time) model.Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.states[symbol]

	// Move by up to ±stepPct each tick.
	pct := (f.rng.Float64()*2 - 1) * f.stepPct / 100
	st.price *= 1 + pct
	if st.price < 0.01 {
		st.price = 0.01
	}
	if st.price > st.high24h {
		st.high24h = st.price
	}
	if st.price < st.low24h {
		st.low24h = st.price
	}
	qty := f.rng.Float64() * 2
	st.vol24h += qty

	return model.Ticker{
		Symbol:    symbol,
		LastPrice: st.price,
		LastQty:   qty,
		Change24h: (st.price - st.open24h) / st.open24h * 100,
		High24h:   st.high24h,
		Low24h:    st.low24h,
		Volume24h: st.vol24h,
		TS:        now,
	}
}
