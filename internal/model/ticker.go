package model

import (
	"math"
	"time"
)

// Ticker represents a single update from the live price feed.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"last_price"`
	LastQty   float64   `json:"last_qty"`   // quantity of the last trade
	Change24h float64   `json:"change_24h"` // percent
	High24h   float64   `json:"high_24h"`
	Low24h    float64   `json:"low_24h"`
	Volume24h float64   `json:"volume_24h"`
	TS        time.Time `json:"ts"` // UTC event time
}

// Valid reports whether the ticker carries a usable market price.
// A non-finite or non-positive price means the market is unavailable
// for this tick and evaluation must be skipped.
func (t *Ticker) Valid() bool {
	return !math.IsNaN(t.LastPrice) && !math.IsInf(t.LastPrice, 0) && t.LastPrice > 0
}
