package strategy

import (
	"fmt"

	"perpsim/internal/model"
)

// TrapDetector hunts institutional stop raids during the London and New York
// killzones. Outside those session windows it is dormant regardless of price
// action.
//
// The pattern is the sweep-and-displace sequence of SweepHunter over 15m
// candles with a stricter filter: the displacement body must exceed twice the
// sweep's wick excursion beyond the swing. The stop sits at the sweep wick
// and the target is the opposing swing extreme (1:3 profile).
type TrapDetector struct {
	p Params
}

// NewTrapDetector creates the detector with the given tuning.
func NewTrapDetector(p Params) *TrapDetector { return &TrapDetector{p: p} }

func (s *TrapDetector) Name() string { return "institutional-trap" }

func (s *TrapDetector) Evaluate(view MarketView) Result {
	candles := view.Series(model.Interval15m)
	if len(candles) < s.p.TrapMinCandles {
		return waiting(s.Name(), GradeDormant, "initializing session data")
	}

	if _, ok := s.p.Killzones.Active(view.Now); !ok {
		return Result{
			Strategy:  s.Name(),
			Label:     LabelSleep,
			Grade:     GradeDormant,
			Rationale: []string{"outside institutional killzones (London/NY)"},
		}
	}

	// The newest candle is still forming; pattern-match completed ones only.
	closed := candles[:len(candles)-1]
	n := len(closed)
	c1 := closed[n-3] // sweep
	c2 := closed[n-2] // displacement
	swingHigh, swingLow := swingExtremes(closed[n-3-s.p.TrapLookback : n-3])

	price := view.Price

	// Short the buy-side raid: wick above the swing high, close back under,
	// then a heavy red displacement.
	bearSweep := c1.High > swingHigh && c1.Close < swingHigh
	bearDisplacement := !c2.Bullish() &&
		c2.Body() > (c1.High-swingHigh)*s.p.TrapDisplacementMult
	if bearSweep && bearDisplacement {
		return Result{
			Strategy: s.Name(),
			Label:    LabelStrongSell,
			Grade:    GradeCritical,
			Setup: &Setup{
				Side:       model.SideShort,
				Entry:      price,
				StopLoss:   c1.High, // strictly above the sweep wick
				TakeProfit: swingLow,
				RewardRisk: "1:3",
			},
			Rationale: []string{
				fmt.Sprintf("buy-side liquidity above %.2f swept", swingHigh),
				"institutional displacement confirmed",
			},
		}
	}

	// Long the sell-side raid, mirrored.
	bullSweep := c1.Low < swingLow && c1.Close > swingLow
	bullDisplacement := c2.Bullish() &&
		c2.Body() > (swingLow-c1.Low)*s.p.TrapDisplacementMult
	if bullSweep && bullDisplacement {
		return Result{
			Strategy: s.Name(),
			Label:    LabelStrongBuy,
			Grade:    GradeCritical,
			Setup: &Setup{
				Side:       model.SideLong,
				Entry:      price,
				StopLoss:   c1.Low,
				TakeProfit: swingHigh,
				RewardRisk: "1:3",
			},
			Rationale: []string{
				fmt.Sprintf("sell-side liquidity below %.2f swept", swingLow),
				"institutional displacement confirmed",
			},
		}
	}

	return waiting(s.Name(), GradeDormant, "killzone active, no raid detected")
}
