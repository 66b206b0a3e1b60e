package model

import "time"

// Side is the direction of a position or order.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Leverage bounds accepted by the ledger.
const (
	MinLeverage = 1.0
	MaxLeverage = 50.0
)

// liqBuffer is the fixed maintenance buffer applied when computing the
// liquidation price at position creation. Never recomputed afterwards.
const liqBuffer = 0.005

// LadderStep is one rung of a take-profit ladder: close Percent of the
// position when price reaches Price. Executed rungs never fire again.
type LadderStep struct {
	Price    float64 `json:"price"`
	Percent  float64 `json:"percent"` // percent of the position to close, (0,100]
	Executed bool    `json:"executed"`
}

// Position is an open leveraged paper position.
//
// Invariants: Size = Margin × Leverage, Margin > 0, Leverage ∈ [1,50].
// LiquidationPrice is fixed at creation. Partial closes reduce Margin and
// Size proportionally; a 100% close destroys the position and appends a
// TradeHistoryEntry.
type Position struct {
	ID               string       `json:"id"`
	UserID           string       `json:"user_id"`
	Symbol           string       `json:"symbol"`
	Side             Side         `json:"side"`
	EntryPrice       float64      `json:"entry_price"`
	Size             float64      `json:"size"`   // notional, USD
	Margin           float64      `json:"margin"` // USD
	Leverage         float64      `json:"leverage"`
	LiquidationPrice float64      `json:"liquidation_price"`
	TakeProfit       float64      `json:"take_profit,omitempty"` // 0 = unset
	StopLoss         float64      `json:"stop_loss,omitempty"`   // 0 = unset
	TrailingEnabled  bool         `json:"trailing_enabled"`
	TrailingPercent  float64      `json:"trailing_percent,omitempty"`
	Ladder           []LadderStep `json:"ladder,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// Clone returns a copy with its own Ladder backing array, safe to hold
// or marshal after the original mutates.
func (p Position) Clone() Position {
	if p.Ladder != nil {
		p.Ladder = append([]LadderStep(nil), p.Ladder...)
	}
	return p
}

// Quantity returns the base-asset quantity of the position.
func (p *Position) Quantity() float64 { return p.Size / p.EntryPrice }

// PnL returns the unrealized profit/loss in USD at the given mark price.
func (p *Position) PnL(price float64) float64 {
	if p.Side == SideLong {
		return (price - p.EntryPrice) * p.Quantity()
	}
	return (p.EntryPrice - price) * p.Quantity()
}

// ROI returns the unrealized return on margin, in percent.
func (p *Position) ROI(price float64) float64 {
	if p.Margin == 0 {
		return 0
	}
	return p.PnL(price) / p.Margin * 100
}

// LiquidationPrice computes the fixed liquidation level for a new position:
// entry × (1 − 1/leverage + buffer) for longs, mirrored for shorts.
func LiquidationPrice(side Side, entry, leverage float64) float64 {
	if side == SideLong {
		return entry * (1 - 1/leverage + liqBuffer)
	}
	return entry * (1 + 1/leverage - liqBuffer)
}
