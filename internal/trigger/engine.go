// Package trigger runs the per-tick evaluation pass over all open
// positions and resting orders: trailing anchors, TP/SL detection,
// take-profit ladders, the liquidation backstop, and pending-order
// fills. It issues close/open commands to the ledger and never blocks
// the price feed.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"perpsim/internal/ledger"
	"perpsim/internal/metrics"
	"perpsim/internal/model"
)

// CloseReason labels why the engine closed a position.
type CloseReason string

const (
	ReasonTakeProfit  CloseReason = "take_profit"
	ReasonStopLoss    CloseReason = "stop_loss"
	ReasonTrailing    CloseReason = "trailing_stop"
	ReasonLiquidation CloseReason = "liquidation"
)

// Engine evaluates triggers once per incoming price tick.
//
// Re-entrancy: only one pass runs at a time. A tick arriving while a
// pass is in progress is dropped, not queued; the next tick after
// completion re-evaluates against the latest state, so nothing is lost
// beyond intermediate prices.
type Engine struct {
	log     *slog.Logger
	ledger  *ledger.Ledger
	metrics *metrics.Metrics // nil disables instrumentation

	busy atomic.Bool

	mu      sync.Mutex
	anchors map[string]float64 // position id → favorable price extreme

	onClose func(pos model.Position, reason CloseReason, price float64)
}

// New creates an Engine bound to a ledger. It registers itself as the
// ledger's mutation hook so risk edits and partial closes reset the
// trailing anchor.
func New(l *ledger.Ledger, m *metrics.Metrics, log *slog.Logger) *Engine {
	e := &Engine{
		log:     log,
		ledger:  l,
		metrics: m,
		anchors: make(map[string]float64),
	}
	l.OnMutate(e.ResetAnchor)
	return e
}

// OnClose registers a callback fired after every engine-initiated
// close. Used for notifications. Not safe to call once ticks flow.
func (e *Engine) OnClose(fn func(pos model.Position, reason CloseReason, price float64)) {
	e.onClose = fn
}

// ResetAnchor discards the trailing anchor for a position so the next
// tick re-seeds it. Called by the ledger after risk updates, and by the
// engine itself after closes.
func (e *Engine) ResetAnchor(positionID string) {
	e.mu.Lock()
	delete(e.anchors, positionID)
	e.mu.Unlock()
}

// Run consumes ticks until ctx is cancelled or the channel closes.
func (e *Engine) Run(ctx context.Context, ticks <-chan model.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			e.HandleTick(ctx, t)
		}
	}
}

// HandleTick runs one evaluation pass. It reports false when the tick
// was skipped: invalid price, or another pass already in flight.
func (e *Engine) HandleTick(ctx context.Context, tick model.Ticker) bool {
	if e.metrics != nil {
		e.metrics.TicksTotal.Inc()
	}
	if !tick.Valid() {
		if e.metrics != nil {
			e.metrics.InvalidTicks.Inc()
		}
		e.log.Warn("skipping tick with invalid price", "symbol", tick.Symbol, "price", tick.LastPrice)
		return false
	}
	if !e.busy.CompareAndSwap(false, true) {
		if e.metrics != nil {
			e.metrics.TicksCoalesced.Inc()
		}
		return false
	}
	defer e.busy.Store(false)

	start := time.Now()
	e.evaluatePositions(ctx, tick)
	e.evaluateOrders(ctx, tick)
	if e.metrics != nil {
		e.metrics.TriggerPassDur.Observe(time.Since(start).Seconds())
	}
	return true
}

// ─── Positions ────────────────────────────────────────────────────────────────

func (e *Engine) evaluatePositions(ctx context.Context, tick model.Ticker) {
	price := tick.LastPrice
	for _, pos := range e.ledger.Positions() {
		if pos.Symbol != tick.Symbol {
			continue
		}
		if err := e.evaluatePosition(ctx, pos, price); err != nil {
			e.log.Error("position evaluation failed",
				"position_id", pos.ID, "symbol", pos.Symbol, "error", err)
			if e.metrics != nil {
				e.metrics.StoreErrors.Inc()
			}
		}
	}
}

// evaluatePosition applies, in order: TP, effective SL (explicit stop
// merged with the trailing level), the liquidation backstop, then
// take-profit ladder rungs. At most one close command is issued; the
// position ceases to exist after the first hit.
func (e *Engine) evaluatePosition(ctx context.Context, pos model.Position, price float64) error {
	effStop, trailing := e.effectiveStop(pos, price)

	long := pos.Side == model.SideLong

	if pos.TakeProfit > 0 && hitFavorable(long, price, pos.TakeProfit) {
		return e.close(ctx, pos, ReasonTakeProfit, price)
	}
	if effStop > 0 && hitAdverse(long, price, effStop) {
		reason := ReasonStopLoss
		if trailing {
			reason = ReasonTrailing
		}
		return e.close(ctx, pos, reason, price)
	}
	if pos.LiquidationPrice > 0 && hitAdverse(long, price, pos.LiquidationPrice) {
		return e.close(ctx, pos, ReasonLiquidation, price)
	}

	for i, rung := range pos.Ladder {
		if rung.Executed || !hitFavorable(long, price, rung.Price) {
			continue
		}
		if err := e.ledger.ExecuteLadderStep(ctx, pos.ID, i, price); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.LadderExecutions.Inc()
		}
		e.log.Info("ladder rung executed",
			"position_id", pos.ID, "rung", i, "price", price, "percent", rung.Percent)
		// One rung per tick; the next tick sees the reduced position.
		break
	}
	return nil
}

// effectiveStop merges the explicit stop-loss with the trailing level
// and returns the more protective of the two. The second return is
// true when the trailing level is the binding one.
//
// The anchor tracks the favorable extreme since entry (max price for
// LONG, min for SHORT), seeded from the entry price on first sight.
// Disabled trailing discards any stale anchor.
func (e *Engine) effectiveStop(pos model.Position, price float64) (float64, bool) {
	if !pos.TrailingEnabled {
		e.ResetAnchor(pos.ID)
		return pos.StopLoss, false
	}

	e.mu.Lock()
	anchor, ok := e.anchors[pos.ID]
	if !ok {
		anchor = pos.EntryPrice
	}
	if pos.Side == model.SideLong {
		if price > anchor {
			anchor = price
		}
	} else {
		if price < anchor {
			anchor = price
		}
	}
	e.anchors[pos.ID] = anchor
	e.mu.Unlock()

	var trail float64
	if pos.Side == model.SideLong {
		trail = anchor * (1 - pos.TrailingPercent/100)
		if pos.StopLoss > 0 && pos.StopLoss > trail {
			return pos.StopLoss, false
		}
	} else {
		trail = anchor * (1 + pos.TrailingPercent/100)
		if pos.StopLoss > 0 && pos.StopLoss < trail {
			return pos.StopLoss, false
		}
	}
	return trail, true
}

func (e *Engine) close(ctx context.Context, pos model.Position, reason CloseReason, price float64) error {
	if err := e.ledger.ClosePosition(ctx, pos.ID, price); err != nil {
		return err
	}
	e.ResetAnchor(pos.ID)
	if e.metrics != nil {
		e.metrics.PositionsClosed.WithLabelValues(string(reason)).Inc()
	}
	e.log.Info("trigger close",
		"position_id", pos.ID, "symbol", pos.Symbol, "side", pos.Side,
		"reason", reason, "price", price, "pnl", pos.PnL(price))
	if e.onClose != nil {
		e.onClose(pos, reason, price)
	}
	return nil
}

// ─── Pending orders ───────────────────────────────────────────────────────────

func (e *Engine) evaluateOrders(ctx context.Context, tick model.Ticker) {
	price := tick.LastPrice
	for _, o := range e.ledger.PendingOrders() {
		if o.Symbol != tick.Symbol || !o.Triggered(price) {
			continue
		}
		if err := e.ledger.FillPendingOrder(ctx, o.ID, price); err != nil {
			e.log.Error("pending order fill failed",
				"order_id", o.ID, "symbol", o.Symbol, "error", err)
			if e.metrics != nil {
				e.metrics.StoreErrors.Inc()
			}
			continue
		}
		if e.metrics != nil {
			e.metrics.OrdersFilled.Inc()
		}
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// hitFavorable reports whether price has reached a level on the
// profitable side: at-or-above for longs, at-or-below for shorts.
func hitFavorable(long bool, price, level float64) bool {
	if long {
		return price >= level
	}
	return price <= level
}

// hitAdverse is the mirror: at-or-below for longs, at-or-above for shorts.
func hitAdverse(long bool, price, level float64) bool {
	if long {
		return price <= level
	}
	return price >= level
}
