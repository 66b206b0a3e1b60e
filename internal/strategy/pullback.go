package strategy

import (
	"fmt"
	"math"

	"perpsim/internal/indicator"
	"perpsim/internal/model"
)

// Bias is the higher-timeframe trend direction used by the pullback system
// and the backtest simulator.
type Bias string

const (
	BiasBullish Bias = "BULLISH"
	BiasBearish Bias = "BEARISH"
	BiasNeutral Bias = "NEUTRAL"
)

// MacroBias derives the trend direction from a coarse candle series: bullish
// iff EMA-fast > EMA-mid > EMA-slow with price above EMA-mid, mirrored for
// bearish, else neutral.
func MacroBias(coarse []model.Candle, p Params) Bias {
	if len(coarse) < p.EMASlow+5 {
		return BiasNeutral
	}
	closes := model.Closes(coarse)
	fast := indicator.Last(indicator.EMA(closes, p.EMAFast))
	mid := indicator.Last(indicator.EMA(closes, p.EMAMid))
	slow := indicator.Last(indicator.EMA(closes, p.EMASlow))
	price := closes[len(closes)-1]

	switch {
	case fast > mid && mid > slow && price > mid:
		return BiasBullish
	case fast < mid && mid < slow && price < mid:
		return BiasBearish
	}
	return BiasNeutral
}

// PullbackSystem combines a 4h EMA trend filter with a 15m pullback entry:
// price wicks into the EMA-mid band and closes back beyond it, with RSI
// confirming the directional bias. Stop is 1.5×ATR beyond the pullback
// extreme, target fixed at 1:2 reward to risk.
type PullbackSystem struct {
	p Params
}

// NewPullbackSystem creates the system with the given tuning.
func NewPullbackSystem(p Params) *PullbackSystem { return &PullbackSystem{p: p} }

func (s *PullbackSystem) Name() string { return "macro-pullback" }

func (s *PullbackSystem) Evaluate(view MarketView) Result {
	coarse := view.Series(model.Interval4h)
	fine := view.Series(model.Interval15m)
	if len(coarse) < s.p.EMASlow+5 || len(fine) <= s.p.EMAMid {
		return waiting(s.Name(), GradeDormant, "building timeframe history")
	}

	bias := MacroBias(coarse, s.p)
	if bias == BiasNeutral {
		return waiting(s.Name(), GradeDormant, "macro trend is neutral")
	}

	closes := model.Closes(fine)
	emaMid := indicator.Last(indicator.EMA(closes, s.p.EMAMid))
	rsi := indicator.Last(indicator.RSI(closes, s.p.RSIPeriod))
	atr := indicator.Last(indicator.ATR(fine, s.p.ATRPeriod))
	if math.IsNaN(emaMid) || math.IsNaN(rsi) || math.IsNaN(atr) {
		return waiting(s.Name(), GradeDormant, "building timeframe history")
	}

	last := fine[len(fine)-1]

	if bias == BiasBullish {
		pullback := last.Low <= emaMid && last.Close > emaMid
		if pullback && rsi > 50 {
			entry := last.Close
			sl := last.Low - s.p.ATRStopMult*atr
			return Result{
				Strategy: s.Name(),
				Label:    LabelBuy,
				Grade:    GradeElevated,
				Setup: &Setup{
					Side:       model.SideLong,
					Entry:      entry,
					StopLoss:   sl,
					TakeProfit: entry + (entry-sl)*s.p.RewardMult,
					RewardRisk: "1:2",
				},
				Rationale: []string{
					"bullish macro trend with pullback rejection at EMA-21",
					fmt.Sprintf("RSI %.1f confirms long bias", rsi),
				},
			}
		}
		return waiting(s.Name(), GradeDormant, "bullish macro trend, waiting for a pullback entry")
	}

	pullback := last.High >= emaMid && last.Close < emaMid
	if pullback && rsi < 50 {
		entry := last.Close
		sl := last.High + s.p.ATRStopMult*atr
		return Result{
			Strategy: s.Name(),
			Label:    LabelSell,
			Grade:    GradeElevated,
			Setup: &Setup{
				Side:       model.SideShort,
				Entry:      entry,
				StopLoss:   sl,
				TakeProfit: entry - (sl-entry)*s.p.RewardMult,
				RewardRisk: "1:2",
			},
			Rationale: []string{
				"bearish macro trend with pullback rejection at EMA-21",
				fmt.Sprintf("RSI %.1f confirms short bias", rsi),
			},
		}
	}
	return waiting(s.Name(), GradeDormant, "bearish macro trend, waiting for a pullback entry")
}
