package model

import "time"

// TradeHistoryEntry is the terminal record of a fully closed position.
// Append-only, immutable once written.
type TradeHistoryEntry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"` // USD
	ROI        float64   `json:"roi"` // percent of margin
	ClosedAt   time.Time `json:"closed_at"`
}
