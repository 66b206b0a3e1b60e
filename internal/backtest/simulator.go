// Package backtest replays the macro-filtered pullback rules over a
// historical fine-grained candle series, using a coarse series for the
// trend filter, and aggregates per-trade outcomes into a report.
//
// The replay is pure: it allocates its own indicator series and touches
// no shared state, so runs across symbols are safe to parallelize.
package backtest

import (
	"math"

	"perpsim/internal/indicator"
	"perpsim/internal/model"
	"perpsim/internal/strategy"
)

// Warmup is the number of fine candles skipped before entries are
// considered, so every indicator has converged past its seed.
const Warmup = 200

// Outcome classifies a closed simulated trade.
type Outcome string

const (
	OutcomeWin  Outcome = "WIN"
	OutcomeLoss Outcome = "LOSS"
)

// Trade is one simulated round trip.
type Trade struct {
	Side    model.Side `json:"side"`
	Outcome Outcome    `json:"outcome"`
	Entry   float64    `json:"entry"`
	Exit    float64    `json:"exit"`
	PnLPct  float64    `json:"pnlPct"` // percentage return on entry price
}

// Report aggregates a full replay.
type Report struct {
	TotalTrades  int     `json:"totalTrades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"winRate"`      // percent
	ProfitFactor float64 `json:"profitFactor"` // approximated from win/loss counts at fixed 1:2 R
	TotalPnLPct  float64 `json:"totalPnLPct"`
	Trades       []Trade `json:"trades"`
}

// Simulator replays pullback entries on a fine series gated by a
// coarse-series EMA trend filter.
type Simulator struct {
	p strategy.Params
}

func New(p strategy.Params) *Simulator { return &Simulator{p: p} }

// ─── Replay ───────────────────────────────────────────────────────────────────

// Run walks the fine series in order. For each candle past warmup it
// locates the most recent fully-formed coarse candle (open time plus
// the coarse duration at or before the fine candle's open), derives the
// EMA stack bias there, and either manages the one open simulated trade
// or checks for a fresh entry. At most one trade is open at a time.
//
// Both series must be chronological. Forming coarse candles are never
// consulted: using a bar whose close is still in the future would leak
// information the live strategy cannot have.
func (s *Simulator) Run(fine, coarse []model.Candle, coarseIV model.Interval) Report {
	var rep Report
	if len(fine) <= Warmup || len(coarse) == 0 {
		return rep
	}

	e9 := indicator.EMA(model.Closes(coarse), s.p.EMAFast)
	e21 := indicator.EMA(model.Closes(coarse), s.p.EMAMid)
	e45 := indicator.EMA(model.Closes(coarse), s.p.EMASlow)

	emaFine := indicator.EMA(model.Closes(fine), s.p.EMAMid)
	rsiFine := indicator.RSI(model.Closes(fine), s.p.RSIPeriod)
	atrFine := indicator.ATR(fine, s.p.ATRPeriod)

	coarseDur := coarseIV.Duration()

	var (
		inTrade bool
		side    model.Side
		entry   float64
		tp, sl  float64
		ci      = -1 // index of the newest fully-formed coarse candle
	)

	for i := Warmup; i < len(fine); i++ {
		c := fine[i]

		for ci+1 < len(coarse) && !coarse[ci+1].OpenTime.Add(coarseDur).After(c.OpenTime) {
			ci++
		}
		if ci < 0 {
			continue
		}

		if inTrade {
			var t *Trade
			switch {
			case side == model.SideLong && c.High >= tp:
				t = &Trade{Side: side, Outcome: OutcomeWin, Entry: entry, Exit: tp}
			case side == model.SideLong && c.Low <= sl:
				t = &Trade{Side: side, Outcome: OutcomeLoss, Entry: entry, Exit: sl}
			case side == model.SideShort && c.Low <= tp:
				t = &Trade{Side: side, Outcome: OutcomeWin, Entry: entry, Exit: tp}
			case side == model.SideShort && c.High >= sl:
				t = &Trade{Side: side, Outcome: OutcomeLoss, Entry: entry, Exit: sl}
			}
			if t != nil {
				if side == model.SideLong {
					t.PnLPct = (t.Exit - entry) / entry * 100
				} else {
					t.PnLPct = (entry - t.Exit) / entry * 100
				}
				rep.Trades = append(rep.Trades, *t)
				inTrade = false
			}
			continue
		}

		bias := biasAt(e9, e21, e45, ci)
		if bias == strategy.BiasNeutral {
			continue
		}

		ema := emaFine[i]
		rsi := rsiFine[i]
		atr := atrFine[i]
		if math.IsNaN(ema) || math.IsNaN(rsi) || math.IsNaN(atr) {
			continue
		}

		switch bias {
		case strategy.BiasBullish:
			if c.Low <= ema && c.Close > ema && rsi > 50 {
				entry = c.Close
				sl = c.Low - s.p.ATRStopMult*atr
				tp = entry + (entry-sl)*s.p.RewardMult
				side, inTrade = model.SideLong, true
			}
		case strategy.BiasBearish:
			if c.High >= ema && c.Close < ema && rsi < 50 {
				entry = c.Close
				sl = c.High + s.p.ATRStopMult*atr
				tp = entry - (sl-entry)*s.p.RewardMult
				side, inTrade = model.SideShort, true
			}
		}
	}

	return finalize(rep)
}

// biasAt reads the EMA stack at one coarse index. Unlike the live macro
// filter it has no spot price to compare against, so ordering alone
// decides the bias.
func biasAt(e9, e21, e45 []float64, i int) strategy.Bias {
	if math.IsNaN(e9[i]) || math.IsNaN(e21[i]) || math.IsNaN(e45[i]) {
		return strategy.BiasNeutral
	}
	switch {
	case e9[i] > e21[i] && e21[i] > e45[i]:
		return strategy.BiasBullish
	case e9[i] < e21[i] && e21[i] < e45[i]:
		return strategy.BiasBearish
	}
	return strategy.BiasNeutral
}

func finalize(rep Report) Report {
	for _, t := range rep.Trades {
		if t.Outcome == OutcomeWin {
			rep.Wins++
		} else {
			rep.Losses++
		}
		rep.TotalPnLPct += t.PnLPct
	}
	rep.TotalTrades = len(rep.Trades)
	if rep.TotalTrades > 0 {
		rep.WinRate = float64(rep.Wins) / float64(rep.TotalTrades) * 100
	}
	// Wins pay 2R and losses cost 1R, so counts alone approximate the
	// gross profit / gross loss ratio.
	if rep.Losses == 0 {
		rep.ProfitFactor = float64(rep.Wins)
	} else {
		rep.ProfitFactor = float64(rep.Wins) * 2 / float64(rep.Losses)
	}
	return rep
}
