package model

// BookLevel is one resting price level in the order book.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBookSnapshot holds the top of book for a symbol at one instant.
// Bids are ordered by descending price, asks ascending. Snapshots are
// transient: consumed by the order-flow analysis and never persisted.
type OrderBookSnapshot struct {
	Symbol string      `json:"symbol"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
}
