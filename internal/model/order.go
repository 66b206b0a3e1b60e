package model

import "time"

// OrderType selects how an order is executed.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
	OrderStop   OrderType = "STOP"
)

// PendingOrder is a resting LIMIT or STOP order awaiting its trigger price.
// Pending orders are never partially filled: they are destroyed on fill or
// cancellation.
//
// LIMIT fills on favorable movement (LONG: price ≤ trigger), STOP fills on
// adverse breakout movement (LONG: price ≥ trigger). Reduce-only orders only
// ever decrease opposite-direction exposure.
type PendingOrder struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Symbol          string    `json:"symbol"`
	OrderType       OrderType `json:"order_type"` // LIMIT or STOP
	Side            Side      `json:"side"`
	TriggerPrice    float64   `json:"trigger_price"`
	Margin          float64   `json:"margin"`
	Leverage        float64   `json:"leverage"`
	TakeProfit      float64   `json:"take_profit,omitempty"`
	StopLoss        float64   `json:"stop_loss,omitempty"`
	TrailingEnabled bool      `json:"trailing_enabled"`
	TrailingPercent float64   `json:"trailing_percent,omitempty"`
	ReduceOnly      bool      `json:"reduce_only"`
	CreatedAt       time.Time `json:"created_at"`
}

// Triggered reports whether the given price activates this order.
func (o *PendingOrder) Triggered(price float64) bool {
	switch o.OrderType {
	case OrderLimit:
		if o.Side == SideLong {
			return price <= o.TriggerPrice
		}
		return price >= o.TriggerPrice
	case OrderStop:
		if o.Side == SideLong {
			return price >= o.TriggerPrice
		}
		return price <= o.TriggerPrice
	}
	return false
}
