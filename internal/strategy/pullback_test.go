package strategy

import (
	"testing"

	"perpsim/internal/model"
)

func TestMacroBias(t *testing.T) {
	p := DefaultParams()

	if got := MacroBias(risingCandles(60, 100, 1, model.Interval4h), p); got != BiasBullish {
		t.Fatalf("rising series: bias = %s, want BULLISH", got)
	}
	if got := MacroBias(risingCandles(60, 200, -1, model.Interval4h), p); got != BiasBearish {
		t.Fatalf("falling series: bias = %s, want BEARISH", got)
	}
	if got := MacroBias(flatCandles(60, 100, model.Interval4h), p); got != BiasNeutral {
		t.Fatalf("flat series: bias = %s, want NEUTRAL", got)
	}
	if got := MacroBias(risingCandles(10, 100, 1, model.Interval4h), p); got != BiasNeutral {
		t.Fatalf("short series: bias = %s, want NEUTRAL", got)
	}
}

func TestPullback_LongEntryInBullishTrend(t *testing.T) {
	s := NewPullbackSystem(DefaultParams())

	fine := risingCandles(50, 100, 1, model.Interval15m)
	// Last candle wicks deep into (below) the EMA band and closes back above it.
	last := &fine[len(fine)-1]
	last.Low = 50
	last.Close = 150

	view := MarketView{
		Symbol: "BTCUSDT",
		Price:  150,
		Candles: map[model.Interval][]model.Candle{
			model.Interval4h:  risingCandles(60, 100, 1, model.Interval4h),
			model.Interval15m: fine,
		},
	}

	got := s.Evaluate(view)
	if got.Label != LabelBuy {
		t.Fatalf("label = %s, want BUY (rationale: %v)", got.Label, got.Rationale)
	}
	if got.Setup.Side != model.SideLong {
		t.Fatalf("side = %s, want LONG", got.Setup.Side)
	}
	if got.Setup.StopLoss >= last.Low {
		t.Fatalf("stop %.2f should sit below the pullback extreme %.2f", got.Setup.StopLoss, last.Low)
	}
	// 1:2 reward:risk from the ATR stop.
	risk := got.Setup.Entry - got.Setup.StopLoss
	assertSetupClose(t, "target", got.Setup.TakeProfit, got.Setup.Entry+2*risk)
}

func TestPullback_NeutralMacroWaits(t *testing.T) {
	s := NewPullbackSystem(DefaultParams())
	view := MarketView{
		Symbol: "BTCUSDT",
		Price:  100,
		Candles: map[model.Interval][]model.Candle{
			model.Interval4h:  flatCandles(60, 100, model.Interval4h),
			model.Interval15m: risingCandles(50, 100, 1, model.Interval15m),
		},
	}
	if got := s.Evaluate(view); got.Label != LabelWait {
		t.Fatalf("label = %s, want WAIT in neutral macro", got.Label)
	}
}

func TestPullback_NoPullbackWaits(t *testing.T) {
	s := NewPullbackSystem(DefaultParams())
	// Rising fine series whose last candle never touches the EMA band.
	view := MarketView{
		Symbol: "BTCUSDT",
		Price:  150,
		Candles: map[model.Interval][]model.Candle{
			model.Interval4h:  risingCandles(60, 100, 1, model.Interval4h),
			model.Interval15m: risingCandles(50, 100, 1, model.Interval15m),
		},
	}
	if got := s.Evaluate(view); got.Label != LabelWait {
		t.Fatalf("label = %s, want WAIT without a pullback", got.Label)
	}
}
