package trigger

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"perpsim/internal/ledger"
	"perpsim/internal/model"
	"perpsim/internal/store/memory"
)

func newTestEngine(t *testing.T) (*Engine, *ledger.Ledger) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(memory.New(100000), "u1", log)
	return New(l, nil, log), l
}

func tick(price float64) model.Ticker {
	return model.Ticker{Symbol: "BTCUSDT", LastPrice: price, TS: time.Now()}
}

func openMarket(t *testing.T, l *ledger.Ledger, req ledger.OrderRequest, price float64) *model.Position {
	t.Helper()
	pl, err := l.PlaceOrder(context.Background(), req, price)
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	return pl.Position
}

// ─── Trailing stop ────────────────────────────────────────────────────────────

func TestTrailingStop_LongRatchetAndRetrace(t *testing.T) {
	e, l := newTestEngine(t)
	ctx := context.Background()

	openMarket(t, l, ledger.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideLong, Type: model.OrderMarket,
		Amount: 1000, Leverage: 10,
		TrailingEnabled: true, TrailingPercent: 2,
	}, 30000)

	// Price runs to 31000: anchor ratchets, floor = 31000 × 0.98 = 30380.
	e.HandleTick(ctx, tick(31000))
	if got := len(l.Positions()); got != 1 {
		t.Fatalf("position closed on a favorable move, positions = %d", got)
	}

	// Dip to 30500 stays above the floor.
	e.HandleTick(ctx, tick(30500))
	if got := len(l.Positions()); got != 1 {
		t.Fatalf("position closed above the trailing floor, positions = %d", got)
	}

	// Retrace to 30200 crosses 30380: must close.
	var closedReason CloseReason
	e.OnClose(func(_ model.Position, reason CloseReason, _ float64) { closedReason = reason })
	e.HandleTick(ctx, tick(30200))
	if got := len(l.Positions()); got != 0 {
		t.Fatalf("position survived a trailing stop hit, positions = %d", got)
	}
	if closedReason != ReasonTrailing {
		t.Fatalf("reason = %s, want %s", closedReason, ReasonTrailing)
	}
}

func TestTrailingStop_ShortMirror(t *testing.T) {
	e, l := newTestEngine(t)
	ctx := context.Background()

	openMarket(t, l, ledger.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideShort, Type: model.OrderMarket,
		Amount: 1000, Leverage: 5,
		TrailingEnabled: true, TrailingPercent: 2,
	}, 30000)

	// Favorable drop to 29000: ceiling = 29000 × 1.02 = 29580.
	e.HandleTick(ctx, tick(29000))
	if got := len(l.Positions()); got != 1 {
		t.Fatalf("short closed on favorable move, positions = %d", got)
	}

	// Bounce to 29600 crosses the ceiling.
	e.HandleTick(ctx, tick(29600))
	if got := len(l.Positions()); got != 0 {
		t.Fatalf("short survived a trailing stop hit, positions = %d", got)
	}
}

func TestTrailingStop_ExplicitStopWinsWhenMoreProtective(t *testing.T) {
	e, l := newTestEngine(t)
	ctx := context.Background()

	// Wide 10% trail (27000 off entry) with a tight explicit stop at
	// 29900: the explicit stop is the binding level.
	openMarket(t, l, ledger.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideLong, Type: model.OrderMarket,
		Amount: 1000, Leverage: 10, StopLoss: 29900,
		TrailingEnabled: true, TrailingPercent: 10,
	}, 30000)

	var closedReason CloseReason
	e.OnClose(func(_ model.Position, reason CloseReason, _ float64) { closedReason = reason })
	e.HandleTick(ctx, tick(29890))
	if got := len(l.Positions()); got != 0 {
		t.Fatalf("explicit stop ignored, positions = %d", got)
	}
	if closedReason != ReasonStopLoss {
		t.Fatalf("reason = %s, want %s", closedReason, ReasonStopLoss)
	}
}

func TestTrailingAnchor_ResetOnRiskUpdate(t *testing.T) {
	e, l := newTestEngine(t)
	ctx := context.Background()

	pos := openMarket(t, l, ledger.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideLong, Type: model.OrderMarket,
		Amount: 1000, Leverage: 10,
		TrailingEnabled: true, TrailingPercent: 2,
	}, 30000)

	// Ratchet the anchor to 31000 (floor 30380).
	e.HandleTick(ctx, tick(31000))

	// Widening the trail resets the anchor. The next tick at 30200
	// re-seeds from entry, so floor = 30200 × 0.95 and no close fires
	// where the stale 31000 anchor would have closed at 2%.
	pct := 5.0
	if err := l.UpdatePositionRisk(ctx, pos.ID, ledger.RiskUpdate{
		TrailingEnabled: true, TrailingPercent: &pct,
	}); err != nil {
		t.Fatalf("update risk: %v", err)
	}

	e.HandleTick(ctx, tick(30200))
	if got := len(l.Positions()); got != 1 {
		t.Fatalf("stale anchor survived risk update, positions = %d", got)
	}
}

// ─── TP / SL / liquidation ────────────────────────────────────────────────────

func TestTakeProfitHit(t *testing.T) {
	e, l := newTestEngine(t)
	ctx := context.Background()

	openMarket(t, l, ledger.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideLong, Type: model.OrderMarket,
		Amount: 1000, Leverage: 10, TakeProfit: 30300, StopLoss: 29700,
	}, 30000)

	var closedReason CloseReason
	e.OnClose(func(_ model.Position, reason CloseReason, _ float64) { closedReason = reason })

	e.HandleTick(ctx, tick(30150))
	if got := len(l.Positions()); got != 1 {
		t.Fatalf("closed between the levels, positions = %d", got)
	}
	e.HandleTick(ctx, tick(30300))
	if got := len(l.Positions()); got != 0 {
		t.Fatalf("take profit not executed, positions = %d", got)
	}
	if closedReason != ReasonTakeProfit {
		t.Fatalf("reason = %s, want %s", closedReason, ReasonTakeProfit)
	}
}

func TestStopLossHit_Short(t *testing.T) {
	e, l := newTestEngine(t)
	ctx := context.Background()

	openMarket(t, l, ledger.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideShort, Type: model.OrderMarket,
		Amount: 1000, Leverage: 10, TakeProfit: 29700, StopLoss: 30300,
	}, 30000)

	var closedReason CloseReason
	e.OnClose(func(_ model.Position, reason CloseReason, _ float64) { closedReason = reason })
	e.HandleTick(ctx, tick(30300))
	if got := len(l.Positions()); got != 0 {
		t.Fatalf("short stop not executed, positions = %d", got)
	}
	if closedReason != ReasonStopLoss {
		t.Fatalf("reason = %s, want %s", closedReason, ReasonStopLoss)
	}
}

func TestLiquidationBackstop(t *testing.T) {
	e, l := newTestEngine(t)
	ctx := context.Background()

	// 10x long from 30000 liquidates at 30000 × (1 − 0.1 + 0.005) = 27150.
	openMarket(t, l, ledger.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideLong, Type: model.OrderMarket,
		Amount: 1000, Leverage: 10,
	}, 30000)

	var closedReason CloseReason
	e.OnClose(func(_ model.Position, reason CloseReason, _ float64) { closedReason = reason })

	e.HandleTick(ctx, tick(27200))
	if got := len(l.Positions()); got != 1 {
		t.Fatalf("closed above the liquidation level, positions = %d", got)
	}
	e.HandleTick(ctx, tick(27100))
	if got := len(l.Positions()); got != 0 {
		t.Fatalf("liquidation backstop not executed, positions = %d", got)
	}
	if closedReason != ReasonLiquidation {
		t.Fatalf("reason = %s, want %s", closedReason, ReasonLiquidation)
	}
}

// ─── Ladder ───────────────────────────────────────────────────────────────────

func TestLadderRungExecutesOnce(t *testing.T) {
	e, l := newTestEngine(t)
	ctx := context.Background()

	openMarket(t, l, ledger.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideLong, Type: model.OrderMarket,
		Amount: 1000, Leverage: 10,
		Ladder: []model.LadderStep{{Price: 30300, Percent: 50}},
	}, 30000)

	e.HandleTick(ctx, tick(30300))
	ps := l.Positions()
	if len(ps) != 1 {
		t.Fatalf("positions = %d, want the position still open after a partial rung", len(ps))
	}
	if math.Abs(ps[0].Margin-500) > 1e-9 {
		t.Fatalf("margin = %f, want 500 after a 50%% rung", ps[0].Margin)
	}
	if !ps[0].Ladder[0].Executed {
		t.Fatal("rung not flagged as executed")
	}

	// Same price again: the spent rung must not fire twice.
	e.HandleTick(ctx, tick(30300))
	ps = l.Positions()
	if math.Abs(ps[0].Margin-500) > 1e-9 {
		t.Fatalf("margin = %f after repeat tick, want unchanged 500", ps[0].Margin)
	}
}

// ─── Pending orders ───────────────────────────────────────────────────────────

func TestPendingLimitFillsOnFavorableMove(t *testing.T) {
	e, l := newTestEngine(t)
	ctx := context.Background()

	if _, err := l.PlaceOrder(ctx, ledger.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideLong, Type: model.OrderLimit,
		Amount: 500, Leverage: 5, TriggerPrice: 29000,
	}, 30000); err != nil {
		t.Fatalf("place limit: %v", err)
	}

	e.HandleTick(ctx, tick(29500))
	if got := len(l.PendingOrders()); got != 1 {
		t.Fatalf("limit filled above its trigger, orders = %d", got)
	}

	e.HandleTick(ctx, tick(28900))
	if got := len(l.PendingOrders()); got != 0 {
		t.Fatalf("limit not filled through its trigger, orders = %d", got)
	}
	ps := l.Positions()
	if len(ps) != 1 || ps[0].EntryPrice != 28900 {
		t.Fatalf("positions = %+v, want one long entered at 28900", ps)
	}
}

func TestPendingStopReduceOnly(t *testing.T) {
	e, l := newTestEngine(t)
	ctx := context.Background()

	openMarket(t, l, ledger.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideLong, Type: model.OrderMarket,
		Amount: 1000, Leverage: 10,
	}, 30000)

	// Protective short stop under the market, reduce-only for half the
	// margin.
	if _, err := l.PlaceOrder(ctx, ledger.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideShort, Type: model.OrderStop,
		Amount: 500, Leverage: 10, TriggerPrice: 29000, ReduceOnly: true,
	}, 30000); err != nil {
		t.Fatalf("place stop: %v", err)
	}

	e.HandleTick(ctx, tick(28800))
	if got := len(l.PendingOrders()); got != 0 {
		t.Fatalf("stop not filled, orders = %d", got)
	}
	ps := l.Positions()
	if len(ps) != 1 {
		t.Fatalf("positions = %d, want the reduced long only", len(ps))
	}
	if ps[0].Side != model.SideLong || math.Abs(ps[0].Margin-500) > 1e-9 {
		t.Fatalf("position = %+v, want the long at half margin", ps[0])
	}
}

// ─── Tick hygiene ─────────────────────────────────────────────────────────────

func TestInvalidPriceSkipsPass(t *testing.T) {
	e, l := newTestEngine(t)
	ctx := context.Background()

	openMarket(t, l, ledger.OrderRequest{
		Symbol: "BTCUSDT", Side: model.SideLong, Type: model.OrderMarket,
		Amount: 1000, Leverage: 10, StopLoss: 29000,
	}, 30000)

	for _, price := range []float64{0, -5, math.NaN(), math.Inf(-1)} {
		if e.HandleTick(ctx, tick(price)) {
			t.Fatalf("tick with price %v was processed", price)
		}
	}
	if got := len(l.Positions()); got != 1 {
		t.Fatalf("invalid ticks mutated state, positions = %d", got)
	}
}

func TestBusyPassCoalescesTick(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	e.busy.Store(true)
	if e.HandleTick(ctx, tick(30000)) {
		t.Fatal("tick processed while a pass was in flight")
	}
	e.busy.Store(false)
	if !e.HandleTick(ctx, tick(30000)) {
		t.Fatal("tick dropped with no pass in flight")
	}
}
