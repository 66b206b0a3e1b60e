// Package strategy provides the signal-generation strategies and their
// registry.
//
// A Strategy is a pure function over a MarketView snapshot: it emits a Result
// (signal label, trade setup, rationale) and never touches shared state, so
// evaluation is reentrant and safely parallelizable across symbols. New
// strategies are added by registering another implementation; the trigger
// engine never changes.
package strategy

import (
	"time"

	"perpsim/internal/killzone"
	"perpsim/internal/model"
)

// Label is the headline signal emitted by a strategy.
type Label string

const (
	LabelWait       Label = "WAIT"
	LabelBuy        Label = "BUY"
	LabelStrongBuy  Label = "STRONG BUY"
	LabelSell       Label = "SELL"
	LabelStrongSell Label = "STRONG SELL"
	LabelNoTrade    Label = "NO TRADE"
	LabelSleep      Label = "SLEEP" // dormant outside the killzone
)

// Bullish reports whether the label calls for long exposure.
func (l Label) Bullish() bool { return l == LabelBuy || l == LabelStrongBuy }

// Bearish reports whether the label calls for short exposure.
func (l Label) Bearish() bool { return l == LabelSell || l == LabelStrongSell }

// Grade classifies the conviction of a Result.
type Grade string

const (
	GradeDormant  Grade = "DORMANT"
	GradeElevated Grade = "ELEVATED"
	GradeCritical Grade = "CRITICAL"
)

// Setup is the proposed trade attached to an actionable Result.
type Setup struct {
	Side            model.Side `json:"side"`
	Entry           float64    `json:"entry"`
	StopLoss        float64    `json:"stop_loss"`
	TakeProfit      float64    `json:"take_profit"`
	Size            float64    `json:"size"`     // suggested notional, USD; 0 = caller's choice
	Leverage        float64    `json:"leverage"` // leverage hint; 0 = caller's choice
	TrailingEnabled bool       `json:"trailing_enabled"`
	TrailingPercent float64    `json:"trailing_percent,omitempty"`
	RewardRisk      string     `json:"reward_risk,omitempty"` // e.g. "1:2"
}

// Result is one strategy evaluation. Pure output, recomputed every cycle and
// never persisted.
type Result struct {
	Strategy  string   `json:"strategy"`
	Label     Label    `json:"label"`
	Grade     Grade    `json:"grade"`
	Setup     *Setup   `json:"setup,omitempty"`
	Rationale []string `json:"rationale"`
}

// Sentiment bundles the opaque numeric sentiment inputs consumed by the
// composite scorer. How they are produced is out of scope here.
type Sentiment struct {
	FearGreed float64 `json:"fear_greed"` // 0..100 index reading
	NewsScore float64 `json:"news_score"` // -1..1
	Change24h float64 `json:"change_24h"` // percent
}

// MarketView is the immutable input snapshot a strategy evaluates: candle
// history per timeframe, the current price, and optional order-book and
// sentiment data. Now carries the evaluation clock so session filters are
// testable without real time.
type MarketView struct {
	Symbol    string
	Price     float64
	Balance   float64
	Candles   map[model.Interval][]model.Candle
	Book      *model.OrderBookSnapshot
	Sentiment *Sentiment
	Now       time.Time
}

// Series returns the candle history for one timeframe, nil when absent.
func (v *MarketView) Series(iv model.Interval) []model.Candle {
	if v.Candles == nil {
		return nil
	}
	return v.Candles[iv]
}

// Strategy is the interface all signal strategies implement.
type Strategy interface {
	// Name returns the unique strategy name.
	Name() string

	// Evaluate maps a market snapshot to a signal. Must be deterministic
	// for a given view and free of side effects.
	Evaluate(view MarketView) Result
}

// Params carries the hand-tuned strategy constants. They are configuration,
// not invariants; DefaultParams matches the values the strategies shipped
// with.
type Params struct {
	// Order-flow scalper
	ScalperOBILong   float64 // OBI above this + price at lower band → long
	ScalperOBIShort  float64
	ScalperStopPct   float64 // adverse stop distance, fraction of entry
	ScalperTargetPct float64
	ScalperRiskUSD   float64 // fixed dollar risk per trade
	ScalperLeverage  float64
	BollingerPeriod  int
	BollingerMult    float64

	// Liquidity-sweep hunter
	SweepLookback   int
	SweepMinCandles int

	// Institutional trap detector
	TrapLookback         int
	TrapMinCandles       int
	TrapDisplacementMult float64 // displacement body must exceed mult × wick excursion
	Killzones            killzone.Schedule

	// Macro-filtered pullback
	EMAFast     int
	EMAMid      int
	EMASlow     int
	RSIPeriod   int
	ATRPeriod   int
	ATRStopMult float64
	RewardMult  float64

	// Composite sentiment scorer
	AllowedAssets   []string
	MaxRiskFrac     float64 // margin cap as fraction of balance
	TrailScoreMin   float64 // |score| above this arms trailing
	TrailVolMin     float64 // 24h volatility above this arms trailing
	HighVolPct      float64 // above → reduced leverage
	LowVolPct       float64 // below → max leverage
	MaxSentimentLev float64
}

// DefaultParams returns the shipped tuning.
func DefaultParams() Params {
	return Params{
		ScalperOBILong:   0.65,
		ScalperOBIShort:  0.35,
		ScalperStopPct:   0.005,
		ScalperTargetPct: 0.01,
		ScalperRiskUSD:   2,
		ScalperLeverage:  10,
		BollingerPeriod:  20,
		BollingerMult:    2,

		SweepLookback:   20,
		SweepMinCandles: 30,

		TrapLookback:         50,
		TrapMinCandles:       60,
		TrapDisplacementMult: 2,
		Killzones:            killzone.DefaultSchedule(),

		EMAFast:     9,
		EMAMid:      21,
		EMASlow:     45,
		RSIPeriod:   14,
		ATRPeriod:   14,
		ATRStopMult: 1.5,
		RewardMult:  2,

		AllowedAssets:   []string{"BTC", "ETH", "SOL"},
		MaxRiskFrac:     0.05,
		TrailScoreMin:   0.6,
		TrailVolMin:     3,
		HighVolPct:      6,
		LowVolPct:       2,
		MaxSentimentLev: 10,
	}
}

// Registry holds the closed set of registered strategies.
type Registry struct {
	strategies []Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Register adds a strategy.
func (r *Registry) Register(s Strategy) { r.strategies = append(r.strategies, s) }

// All returns the registered strategies in registration order.
func (r *Registry) All() []Strategy { return r.strategies }

// EvaluateAll runs every registered strategy against the view.
func (r *Registry) EvaluateAll(view MarketView) []Result {
	out := make([]Result, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s.Evaluate(view))
	}
	return out
}

// NewDefaultRegistry registers the full strategy set with the given params.
func NewDefaultRegistry(p Params) *Registry {
	r := NewRegistry()
	r.Register(NewOrderFlowScalper(p))
	r.Register(NewSweepHunter(p))
	r.Register(NewTrapDetector(p))
	r.Register(NewPullbackSystem(p))
	r.Register(NewSentimentScorer(p))
	return r
}

func waiting(name string, grade Grade, reasons ...string) Result {
	return Result{Strategy: name, Label: LabelWait, Grade: grade, Rationale: reasons}
}
