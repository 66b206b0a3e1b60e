package strategy

import (
	"testing"

	"perpsim/internal/model"
)

func TestSentiment_RestrictedSymbolNeverTrades(t *testing.T) {
	s := NewSentimentScorer(DefaultParams())
	// Maximally bullish inputs on a disallowed asset.
	view := MarketView{
		Symbol:    "DOGEUSDT",
		Price:     0.5,
		Balance:   10000,
		Sentiment: &Sentiment{FearGreed: 20, NewsScore: 0.9, Change24h: 8},
	}

	got := s.Evaluate(view)
	if got.Label != LabelNoTrade {
		t.Fatalf("label = %s, want NO TRADE for disallowed asset", got.Label)
	}
	if got.Setup != nil {
		t.Fatalf("setup = %+v, want nil", got.Setup)
	}
}

func TestSentiment_StrongBuyWithTrailing(t *testing.T) {
	s := NewSentimentScorer(DefaultParams())
	// fear 20 → +0.2, news 0.5 → +0.3, change +6% → +0.4: score 0.9.
	view := MarketView{
		Symbol:    "BTCUSDT",
		Price:     30000,
		Balance:   10000,
		Sentiment: &Sentiment{FearGreed: 20, NewsScore: 0.5, Change24h: 6},
	}

	got := s.Evaluate(view)
	if got.Label != LabelStrongBuy {
		t.Fatalf("label = %s, want STRONG BUY", got.Label)
	}
	if got.Setup.Side != model.SideLong {
		t.Fatalf("side = %s, want LONG", got.Setup.Side)
	}
	// Volatility 6 sits in the medium band → leverage 5.
	assertSetupClose(t, "leverage", got.Setup.Leverage, 5)
	// Margin = 10000 × 5% × 0.9 = 450; size = floor(450 × 5).
	assertSetupClose(t, "size", got.Setup.Size, 2250)
	// slPct = max(6/2, 1.5)/100 = 3%.
	assertSetupClose(t, "stop", got.Setup.StopLoss, 30000*0.97)
	assertSetupClose(t, "target", got.Setup.TakeProfit, 30000*1.06)
	// Confidence 0.9 > 0.6 and volatility 6 > 3 arm the trailing stop.
	if !got.Setup.TrailingEnabled {
		t.Fatal("trailing stop should be armed for high-confidence trending setups")
	}
	assertSetupClose(t, "trailing percent", got.Setup.TrailingPercent, 3)
}

func TestSentiment_LowVolatilityMaxLeverage(t *testing.T) {
	s := NewSentimentScorer(DefaultParams())
	// fear 70 → +0.2, news 0.5 → +0.3: score 0.5 with volatility 0.5 < 2.
	view := MarketView{
		Symbol:    "ETHUSDT",
		Price:     2000,
		Balance:   5000,
		Sentiment: &Sentiment{FearGreed: 70, NewsScore: 0.5, Change24h: 0.5},
	}

	got := s.Evaluate(view)
	if got.Label != LabelStrongBuy {
		t.Fatalf("label = %s, want STRONG BUY at score 0.5", got.Label)
	}
	assertSetupClose(t, "leverage", got.Setup.Leverage, 10)
	if got.Setup.TrailingEnabled {
		t.Fatal("trailing should stay off in calm conditions")
	}
}

func TestSentiment_NeutralInputsWait(t *testing.T) {
	s := NewSentimentScorer(DefaultParams())
	view := MarketView{
		Symbol:    "BTCUSDT",
		Price:     30000,
		Balance:   10000,
		Sentiment: &Sentiment{FearGreed: 50, NewsScore: 0, Change24h: 0.2},
	}

	got := s.Evaluate(view)
	if got.Label != LabelWait {
		t.Fatalf("label = %s, want WAIT", got.Label)
	}
	if got.Setup != nil {
		t.Fatalf("setup = %+v, want nil on WAIT", got.Setup)
	}
}

func TestSentiment_BearishScore(t *testing.T) {
	s := NewSentimentScorer(DefaultParams())
	// fear 80 → −0.2, news −0.5 → −0.3, change −6% → −0.4: score −0.9.
	view := MarketView{
		Symbol:    "SOLUSDT",
		Price:     100,
		Balance:   10000,
		Sentiment: &Sentiment{FearGreed: 80, NewsScore: -0.5, Change24h: -6},
	}

	got := s.Evaluate(view)
	if got.Label != LabelStrongSell {
		t.Fatalf("label = %s, want STRONG SELL", got.Label)
	}
	if got.Setup.Side != model.SideShort {
		t.Fatalf("side = %s, want SHORT", got.Setup.Side)
	}
	if got.Setup.StopLoss <= view.Price || got.Setup.TakeProfit >= view.Price {
		t.Fatalf("short setup levels inverted: sl=%.2f tp=%.2f", got.Setup.StopLoss, got.Setup.TakeProfit)
	}
}
