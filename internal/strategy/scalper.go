package strategy

import (
	"fmt"

	"perpsim/internal/indicator"
	"perpsim/internal/model"
)

// OrderFlowScalper trades short-lived mean reversions confirmed by order-book
// pressure: a one-sided book with price stretched to the opposite Bollinger
// Band.
//
// Long when OBI > 0.65 and price ≤ lower band; short when OBI < 0.35 and
// price ≥ upper band. Fixed risk model: 0.5% stop, 1.0% target, size =
// fixed dollar risk / stop percent.
type OrderFlowScalper struct {
	p Params
}

// NewOrderFlowScalper creates the scalper with the given tuning.
func NewOrderFlowScalper(p Params) *OrderFlowScalper { return &OrderFlowScalper{p: p} }

func (s *OrderFlowScalper) Name() string { return "order-flow-scalper" }

func (s *OrderFlowScalper) Evaluate(view MarketView) Result {
	candles := view.Series(model.Interval1m)
	if len(candles) < s.p.BollingerPeriod || view.Book == nil || view.Price <= 0 {
		return waiting(s.Name(), GradeDormant, "collecting order flow data")
	}

	obi := indicator.OrderBookImbalance(*view.Book, indicator.DefaultOBIDepth)
	bands, ok := indicator.Bollinger(model.Closes(candles), s.p.BollingerPeriod, s.p.BollingerMult)
	if !ok {
		return waiting(s.Name(), GradeDormant, "collecting order flow data")
	}

	price := view.Price
	size := s.p.ScalperRiskUSD / s.p.ScalperStopPct

	switch {
	case obi > s.p.ScalperOBILong && price <= bands.Lower:
		return Result{
			Strategy: s.Name(),
			Label:    LabelBuy,
			Grade:    GradeCritical,
			Setup: &Setup{
				Side:       model.SideLong,
				Entry:      price,
				StopLoss:   price * (1 - s.p.ScalperStopPct),
				TakeProfit: price * (1 + s.p.ScalperTargetPct),
				Size:       size,
				Leverage:   s.p.ScalperLeverage,
				RewardRisk: "1:2",
			},
			Rationale: []string{
				fmt.Sprintf("OBI %.4f above %.2f with price at the lower band", obi, s.p.ScalperOBILong),
			},
		}

	case obi < s.p.ScalperOBIShort && price >= bands.Upper:
		return Result{
			Strategy: s.Name(),
			Label:    LabelSell,
			Grade:    GradeCritical,
			Setup: &Setup{
				Side:       model.SideShort,
				Entry:      price,
				StopLoss:   price * (1 + s.p.ScalperStopPct),
				TakeProfit: price * (1 - s.p.ScalperTargetPct),
				Size:       size,
				Leverage:   s.p.ScalperLeverage,
				RewardRisk: "1:2",
			},
			Rationale: []string{
				fmt.Sprintf("OBI %.4f below %.2f with price at the upper band", obi, s.p.ScalperOBIShort),
			},
		}
	}

	return waiting(s.Name(), GradeDormant,
		fmt.Sprintf("OBI %.4f, band %.2f–%.2f: no confluence", obi, bands.Lower, bands.Upper))
}
