package backtest

import (
	"testing"
	"time"

	"perpsim/internal/model"
	"perpsim/internal/strategy"
)

var testBase = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func coarseSeries(n int, start, step float64) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		c := start + float64(i)*step
		out[i] = model.Candle{
			Symbol:   "BTCUSDT",
			OpenTime: testBase.Add(time.Duration(i) * 4 * time.Hour),
			Open:     c - step, High: c + 1, Low: c - 1, Close: c, Volume: 100,
		}
	}
	return out
}

// fineSeries starts 200h after testBase so that every candle maps onto
// a coarse index deep enough for the slow EMA to be defined.
func fineSeries(n int, start, step float64) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		c := start + float64(i)*step
		out[i] = model.Candle{
			Symbol:   "BTCUSDT",
			OpenTime: testBase.Add(200*time.Hour + time.Duration(i)*15*time.Minute),
			Open:     c - step,
			High:     c + 2,
			Low:      c - 2,
			Close:    c,
			Volume:   50,
		}
		if step > 0 {
			// Keep wicks clear of the lagging EMA so only crafted
			// candles can register as pullbacks.
			out[i].High = c + 1
		} else {
			out[i].Low = c - 1
		}
	}
	return out
}

func TestRun_FlatSeriesProducesNoTrades(t *testing.T) {
	sim := New(strategy.DefaultParams())
	rep := sim.Run(fineSeries(250, 100, 0), coarseSeries(100, 100, 0), model.Interval4h)

	if rep.TotalTrades != 0 {
		t.Fatalf("trades = %d, want 0 on a zero-volatility series", rep.TotalTrades)
	}
	if rep.WinRate != 0 {
		t.Fatalf("winRate = %f, want 0", rep.WinRate)
	}
	if rep.ProfitFactor != 0 {
		t.Fatalf("profitFactor = %f, want 0", rep.ProfitFactor)
	}
}

func TestRun_InsufficientHistory(t *testing.T) {
	sim := New(strategy.DefaultParams())
	rep := sim.Run(fineSeries(Warmup, 100, 1), coarseSeries(100, 100, 1), model.Interval4h)
	if rep.TotalTrades != 0 {
		t.Fatalf("trades = %d, want 0 below warmup length", rep.TotalTrades)
	}
}

func TestRun_LongPullbackWin(t *testing.T) {
	fine := fineSeries(207, 100, 1)

	// Candle 205 wicks deep under the lagging EMA-21 and closes back
	// above it while RSI stays bullish: a long entry on close.
	fine[205].Low = 280
	// Candle 206 spikes far enough to clear any 1:2 target.
	fine[206].Open = 306
	fine[206].Low = 306
	fine[206].High = 400
	fine[206].Close = 307

	sim := New(strategy.DefaultParams())
	rep := sim.Run(fine, coarseSeries(100, 100, 1), model.Interval4h)

	if rep.TotalTrades != 1 {
		t.Fatalf("trades = %d, want exactly 1", rep.TotalTrades)
	}
	tr := rep.Trades[0]
	if tr.Side != model.SideLong || tr.Outcome != OutcomeWin {
		t.Fatalf("trade = %s %s, want LONG WIN", tr.Side, tr.Outcome)
	}
	if tr.Entry != fine[205].Close {
		t.Fatalf("entry = %f, want signal candle close %f", tr.Entry, fine[205].Close)
	}
	if tr.Exit <= tr.Entry || tr.PnLPct <= 0 {
		t.Fatalf("exit %f / pnl %f%% not favorable for a long win", tr.Exit, tr.PnLPct)
	}
	wantPnL := (tr.Exit - tr.Entry) / tr.Entry * 100
	if diff := tr.PnLPct - wantPnL; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("pnl = %f, want %f", tr.PnLPct, wantPnL)
	}
	if rep.Wins != 1 || rep.WinRate != 100 {
		t.Fatalf("wins=%d winRate=%f, want 1/100", rep.Wins, rep.WinRate)
	}
	if rep.ProfitFactor != 1 {
		t.Fatalf("profitFactor = %f, want wins count when lossless", rep.ProfitFactor)
	}
}

func TestRun_ShortPullbackLoss(t *testing.T) {
	fine := fineSeries(207, 500, -1)

	// Candle 205 wicks above the EMA and closes back under it with a
	// bearish RSI: short entry.
	fine[205].High = 320
	// Candle 206 rips through the stop without ever reaching the
	// target below.
	fine[206].Open = 300
	fine[206].Low = 300
	fine[206].High = 400
	fine[206].Close = 310

	sim := New(strategy.DefaultParams())
	rep := sim.Run(fine, coarseSeries(100, 500, -1), model.Interval4h)

	if rep.TotalTrades != 1 {
		t.Fatalf("trades = %d, want exactly 1", rep.TotalTrades)
	}
	tr := rep.Trades[0]
	if tr.Side != model.SideShort || tr.Outcome != OutcomeLoss {
		t.Fatalf("trade = %s %s, want SHORT LOSS", tr.Side, tr.Outcome)
	}
	if tr.Exit <= tr.Entry || tr.PnLPct >= 0 {
		t.Fatalf("exit %f / pnl %f%% not adverse for a short stop-out", tr.Exit, tr.PnLPct)
	}
	if rep.Losses != 1 || rep.WinRate != 0 {
		t.Fatalf("losses=%d winRate=%f, want 1/0", rep.Losses, rep.WinRate)
	}
	if rep.ProfitFactor != 0 {
		t.Fatalf("profitFactor = %f, want 0 with no wins", rep.ProfitFactor)
	}
}

func TestFinalize_MixedOutcomes(t *testing.T) {
	rep := finalize(Report{Trades: []Trade{
		{Outcome: OutcomeWin, PnLPct: 2},
		{Outcome: OutcomeWin, PnLPct: 2},
		{Outcome: OutcomeWin, PnLPct: 2},
		{Outcome: OutcomeLoss, PnLPct: -1},
	}})

	if rep.TotalTrades != 4 || rep.Wins != 3 || rep.Losses != 1 {
		t.Fatalf("counts = %d/%d/%d, want 4/3/1", rep.TotalTrades, rep.Wins, rep.Losses)
	}
	if rep.WinRate != 75 {
		t.Fatalf("winRate = %f, want 75", rep.WinRate)
	}
	if rep.ProfitFactor != 6 {
		t.Fatalf("profitFactor = %f, want 3x2/1 = 6", rep.ProfitFactor)
	}
	if rep.TotalPnLPct != 5 {
		t.Fatalf("totalPnL = %f, want 5", rep.TotalPnLPct)
	}
}
