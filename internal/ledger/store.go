package ledger

import (
	"context"

	"perpsim/internal/model"
)

// RiskUpdate carries new risk parameters for an open position. Nil
// pointer fields leave the corresponding level unchanged; a pointer to
// zero clears it.
type RiskUpdate struct {
	TakeProfit      *float64
	StopLoss        *float64
	TrailingEnabled bool
	TrailingPercent *float64
}

// Store is the durable backend the ledger issues commands to. Every
// mutation is atomic: margin and fees are deducted or credited and
// trade history appended in the same transaction as the position
// change. Implementations live in internal/store.
type Store interface {
	// Balance returns the user's free balance in USD.
	Balance(ctx context.Context, userID string) (float64, error)

	// OpenPosition persists a new position, deducting margin and the
	// open fee from the balance. The store assigns p.ID.
	OpenPosition(ctx context.Context, p *model.Position) error

	// ClosePosition fully closes a position at exitPrice, credits
	// margin plus realized P&L, and appends a history entry.
	ClosePosition(ctx context.Context, userID, positionID string, exitPrice float64) error

	// ClosePositionPartial closes percent ∈ (0,100) of a position,
	// reducing margin and size proportionally and crediting the
	// realized slice.
	ClosePositionPartial(ctx context.Context, userID, positionID string, exitPrice, percent float64) error

	// UpdatePositionRisk replaces the position's risk parameters.
	UpdatePositionRisk(ctx context.Context, userID, positionID string, upd RiskUpdate) error

	// MarkLadderStepExecuted flags one take-profit ladder rung as
	// spent so it never fires again.
	MarkLadderStepExecuted(ctx context.Context, userID, positionID string, step int) error

	// SavePendingOrder persists a resting order. The store assigns o.ID.
	SavePendingOrder(ctx context.Context, o *model.PendingOrder) error

	// DeletePendingOrder removes a resting order. Deleting an unknown
	// id is not an error.
	DeletePendingOrder(ctx context.Context, userID, orderID string) error

	// Positions returns all open positions for the user, oldest first.
	Positions(ctx context.Context, userID string) ([]model.Position, error)

	// PendingOrders returns all resting orders for the user, oldest first.
	PendingOrders(ctx context.Context, userID string) ([]model.PendingOrder, error)

	// History returns the most recent closed trades, newest first.
	History(ctx context.Context, userID string, limit int) ([]model.TradeHistoryEntry, error)
}
