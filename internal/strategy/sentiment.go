package strategy

import (
	"fmt"
	"math"
	"strings"

	"perpsim/internal/model"
)

// SentimentScorer blends a contrarian fear/greed reading, a news sentiment
// score, and 24h momentum into one scalar in roughly [-1,1], then maps score
// thresholds to a signal. Leverage is derived inversely from realized
// volatility and position size from score confidence against the account
// balance.
//
// Trading is restricted to an allow-list of majors; other symbols always
// yield NO TRADE regardless of score.
type SentimentScorer struct {
	p Params
}

// NewSentimentScorer creates the scorer with the given tuning.
func NewSentimentScorer(p Params) *SentimentScorer { return &SentimentScorer{p: p} }

func (s *SentimentScorer) Name() string { return "composite-sentiment" }

func (s *SentimentScorer) Evaluate(view MarketView) Result {
	base := strings.TrimSuffix(view.Symbol, "USDT")
	if !s.allowed(base) {
		return Result{
			Strategy: s.Name(),
			Label:    LabelNoTrade,
			Grade:    GradeDormant,
			Rationale: []string{
				fmt.Sprintf("trading restricted to %s; current asset %s",
					strings.Join(s.p.AllowedAssets, "/"), base),
			},
		}
	}
	if view.Sentiment == nil || view.Price <= 0 {
		return waiting(s.Name(), GradeDormant, "sentiment inputs unavailable")
	}

	var (
		score   float64
		reasons []string
		sent    = view.Sentiment
	)

	// Fear & greed: contrarian at the extremes, momentum in the mid band.
	switch {
	case sent.FearGreed > 75:
		score -= 0.2
		reasons = append(reasons, fmt.Sprintf("market extremely greedy (%.0f), caution", sent.FearGreed))
	case sent.FearGreed < 25:
		score += 0.2
		reasons = append(reasons, fmt.Sprintf("market extremely fearful (%.0f), looking for value", sent.FearGreed))
	case sent.FearGreed > 60:
		score += 0.2
	case sent.FearGreed < 40:
		score -= 0.2
	}

	// News sentiment.
	switch {
	case sent.NewsScore > 0.3:
		score += 0.3
		reasons = append(reasons, "strong positive news sentiment")
	case sent.NewsScore < -0.3:
		score -= 0.3
		reasons = append(reasons, "negative news sentiment detected")
	}

	// 24h momentum.
	switch {
	case sent.Change24h > 5:
		score += 0.4
		reasons = append(reasons, fmt.Sprintf("strong bullish momentum (+%.1f%%)", sent.Change24h))
	case sent.Change24h < -5:
		score -= 0.4
		reasons = append(reasons, fmt.Sprintf("significant bearish pressure (%.1f%%)", sent.Change24h))
	case sent.Change24h > 1:
		score += 0.2
	case sent.Change24h < -1:
		score -= 0.2
	}

	// Leverage inversely from realized volatility, capped.
	volatility := math.Abs(sent.Change24h)
	leverage := 5.0
	switch {
	case volatility > s.p.HighVolPct:
		leverage = 3
		reasons = append(reasons, "high volatility, reducing leverage")
	case volatility < s.p.LowVolPct:
		leverage = s.p.MaxSentimentLev
		reasons = append(reasons, fmt.Sprintf("low volatility allows max leverage (%.0fx)", leverage))
	}

	label := LabelWait
	grade := GradeDormant
	switch {
	case score >= 0.5:
		label, grade = LabelStrongBuy, GradeCritical
	case score > 0.2:
		label, grade = LabelBuy, GradeElevated
	case score <= -0.5:
		label, grade = LabelStrongSell, GradeCritical
	case score < -0.2:
		label, grade = LabelSell, GradeElevated
	default:
		reasons = append(reasons, "no clear edge identified")
	}

	result := Result{Strategy: s.Name(), Label: label, Grade: grade, Rationale: reasons}
	if label == LabelWait {
		return result
	}

	confidence := math.Min(math.Abs(score), 1)
	margin := view.Balance * s.p.MaxRiskFrac * confidence

	// Stop from a volatility proxy, target at 1:2.
	slPct := math.Max(volatility/2, 1.5) / 100
	tpPct := slPct * 2

	setup := &Setup{
		Entry:    view.Price,
		Size:     math.Floor(margin * leverage),
		Leverage: leverage,
	}
	if label.Bullish() {
		setup.Side = model.SideLong
		setup.TakeProfit = view.Price * (1 + tpPct)
		setup.StopLoss = view.Price * (1 - slPct)
	} else {
		setup.Side = model.SideShort
		setup.TakeProfit = view.Price * (1 - tpPct)
		setup.StopLoss = view.Price * (1 + slPct)
	}
	setup.RewardRisk = "1:2"

	if confidence > s.p.TrailScoreMin && volatility > s.p.TrailVolMin {
		setup.TrailingEnabled = true
		setup.TrailingPercent = slPct * 100
	}

	result.Setup = setup
	return result
}

func (s *SentimentScorer) allowed(base string) bool {
	for _, a := range s.p.AllowedAssets {
		if a == base {
			return true
		}
	}
	return false
}
