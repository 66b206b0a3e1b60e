// Package agg builds one-minute OHLCV candles from the raw ticker
// stream. Candles are finalized when the minute rolls over; a periodic
// flush emits buckets that stopped receiving ticks.
package agg

import (
	"context"
	"log"
	"sync"
	"time"

	"perpsim/internal/model"
)

// candleState holds the in-progress candle for one symbol in the
// current minute bucket.
type candleState struct {
	bucket int64 // Unix second of the minute start
	candle model.Candle
}

// Aggregator turns ticks into finalized 1m candles.
// It runs in a single goroutine and emits finalized candles when the
// minute rolls over.
type Aggregator struct {
	mu     sync.Mutex
	states map[string]*candleState // key = symbol

	flushInterval time.Duration

	// OnForming, if set, receives the updated forming candle after
	// every accepted tick. Strategy windows use it to keep the newest
	// bar live between rollovers.
	OnForming func(c model.Candle)

	// OnDroppedTick, if set, is called when a late tick is discarded.
	OnDroppedTick func()
}

// New creates an Aggregator.
func New() *Aggregator {
	return &Aggregator{
		states:        make(map[string]*candleState),
		flushInterval: time.Second, // check frequency for bucket rollover
	}
}

// Run consumes ticks from tickCh in a single goroutine, aggregates them
// into 1m candles, and sends finalized candles to candleCh. Blocks
// until ctx is cancelled or tickCh closes.
func (a *Aggregator) Run(ctx context.Context, tickCh <-chan model.Ticker, candleCh chan<- model.Candle) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Flush any remaining open candles before exit
			a.flushAll(candleCh)
			return

		case tick, ok := <-tickCh:
			if !ok {
				a.flushAll(candleCh)
				return
			}
			a.processTick(tick, candleCh)

		case <-ticker.C:
			// Periodic flush: emit any candles whose minute is past
			a.flushOld(candleCh)
		}
	}
}

// processTick incorporates a single tick into its minute bucket.
func (a *Aggregator) processTick(tick model.Ticker, candleCh chan<- model.Candle) {
	if !tick.Valid() {
		return
	}
	bucket := tick.TS.Truncate(time.Minute).Unix()

	a.mu.Lock()
	state, exists := a.states[tick.Symbol]

	if exists && bucket < state.bucket {
		// Late tick, belongs to an already-finalized minute
		a.mu.Unlock()
		if a.OnDroppedTick != nil {
			a.OnDroppedTick()
		}
		return
	}

	if exists && bucket > state.bucket {
		// New minute, finalize the old candle first
		a.emit(state, candleCh)
		delete(a.states, tick.Symbol)
		exists = false
	}

	if !exists {
		state = &candleState{
			bucket: bucket,
			candle: model.Candle{
				Symbol:   tick.Symbol,
				OpenTime: time.Unix(bucket, 0).UTC(),
				Open:     tick.LastPrice,
				High:     tick.LastPrice,
				Low:      tick.LastPrice,
				Close:    tick.LastPrice,
				Volume:   tick.LastQty,
			},
		}
		a.states[tick.Symbol] = state
	} else {
		// Same minute, update OHLC
		c := &state.candle
		if tick.LastPrice > c.High {
			c.High = tick.LastPrice
		}
		if tick.LastPrice < c.Low {
			c.Low = tick.LastPrice
		}
		c.Close = tick.LastPrice
		c.Volume += tick.LastQty
	}
	forming := state.candle
	a.mu.Unlock()

	if a.OnForming != nil {
		a.OnForming(forming)
	}
}

// flushOld emits candles for any minute that is strictly in the past.
func (a *Aggregator) flushOld(candleCh chan<- model.Candle) {
	cutoff := time.Now().Truncate(time.Minute).Unix()

	a.mu.Lock()
	defer a.mu.Unlock()

	for symbol, state := range a.states {
		if state.bucket < cutoff {
			a.emit(state, candleCh)
			delete(a.states, symbol)
		}
	}
}

// flushAll emits all open candles regardless of bucket.
func (a *Aggregator) flushAll(candleCh chan<- model.Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for symbol, state := range a.states {
		a.emit(state, candleCh)
		delete(a.states, symbol)
	}
}

// emit sends a finalized candle to candleCh. Non-blocking to avoid
// deadlocking against a slow consumer.
func (a *Aggregator) emit(state *candleState, candleCh chan<- model.Candle) {
	select {
	case candleCh <- state.candle:
	default:
		log.Printf("[agg] candleCh full, dropping candle %s ts=%v",
			state.candle.Symbol, state.candle.OpenTime)
	}
}
