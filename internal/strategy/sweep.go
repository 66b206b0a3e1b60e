package strategy

import (
	"fmt"
	"math"

	"perpsim/internal/model"
)

// SweepHunter detects a liquidity sweep followed by a fair value gap.
//
// Over the last three completed candles: c1 wicks beyond the lookback swing
// extreme and closes back inside (the sweep), c2 is a directional
// displacement candle, and c3 leaves a gap against c1 that does not overlap
// c1's range. Targets are fixed at 1:2 reward to risk.
type SweepHunter struct {
	p Params
}

// NewSweepHunter creates the hunter with the given tuning.
func NewSweepHunter(p Params) *SweepHunter { return &SweepHunter{p: p} }

func (s *SweepHunter) Name() string { return "liquidity-sweep-hunter" }

func (s *SweepHunter) Evaluate(view MarketView) Result {
	candles := view.Series(model.Interval15m)
	if len(candles) < s.p.SweepMinCandles {
		return waiting(s.Name(), GradeDormant, "scanning for liquidity pools")
	}

	n := len(candles)
	c1 := candles[n-3] // sweep candle
	c2 := candles[n-2] // displacement candle
	c3 := candles[n-1] // confirmation candle
	swingHigh, swingLow := swingExtremes(candles[n-3-s.p.SweepLookback : n-3])

	price := view.Price

	// Bullish: c1 sweeps the swing low by wick and closes back above it,
	// c2 closes green, c3's low gaps above c1's high.
	if c1.Low < swingLow && c1.Close > swingLow && c2.Bullish() && c3.Low > c1.High {
		sl := math.Min(c1.Low, c2.Low)
		return Result{
			Strategy: s.Name(),
			Label:    LabelStrongBuy,
			Grade:    GradeCritical,
			Setup: &Setup{
				Side:       model.SideLong,
				Entry:      price,
				StopLoss:   sl,
				TakeProfit: price + (price-c1.Low)*2,
				RewardRisk: "1:2",
			},
			Rationale: []string{
				fmt.Sprintf("swing low %.2f swept by wick, close back inside", swingLow),
				fmt.Sprintf("bullish displacement left a gap: c3 low %.2f above c1 high %.2f", c3.Low, c1.High),
			},
		}
	}

	// Bearish mirror.
	if c1.High > swingHigh && c1.Close < swingHigh && !c2.Bullish() && c2.Body() > 0 && c3.High < c1.Low {
		sl := math.Max(c1.High, c2.High)
		return Result{
			Strategy: s.Name(),
			Label:    LabelStrongSell,
			Grade:    GradeCritical,
			Setup: &Setup{
				Side:       model.SideShort,
				Entry:      price,
				StopLoss:   sl,
				TakeProfit: price - (c1.High-price)*2,
				RewardRisk: "1:2",
			},
			Rationale: []string{
				fmt.Sprintf("swing high %.2f swept by wick, close back inside", swingHigh),
				fmt.Sprintf("bearish displacement left a gap: c3 high %.2f below c1 low %.2f", c3.High, c1.Low),
			},
		}
	}

	return waiting(s.Name(), GradeDormant,
		fmt.Sprintf("no sweep of %.2f/%.2f detected", swingLow, swingHigh))
}

// swingExtremes returns the highest high and lowest low of the slice.
func swingExtremes(candles []model.Candle) (high, low float64) {
	high = math.Inf(-1)
	low = math.Inf(1)
	for _, c := range candles {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	return high, low
}
