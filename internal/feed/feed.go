// Package feed defines the tick source abstraction and a synthetic
// random-walk feed for offline runs.
package feed

import (
	"context"

	"perpsim/internal/model"
)

// TickSource streams market tickers into a channel. Start blocks until
// ctx is cancelled or the source fails permanently; implementations
// must never block on a full channel.
type TickSource interface {
	Start(ctx context.Context, tickCh chan<- model.Ticker) error
}
