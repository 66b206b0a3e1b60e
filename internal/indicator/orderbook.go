package indicator

import "perpsim/internal/model"

// DefaultOBIDepth is the number of levels summed per side of the book.
const DefaultOBIDepth = 50

// OrderBookImbalance sums resting size across the top `depth` levels on each
// side and returns bidVolume/(bidVolume+askVolume).
//
// The result is always in [0,1]: 0.5 means balanced, above 0.5 buy-side
// pressure. An empty book returns exactly 0.5.
func OrderBookImbalance(book model.OrderBookSnapshot, depth int) float64 {
	if depth <= 0 {
		depth = DefaultOBIDepth
	}

	var bidVol, askVol float64
	for i := 0; i < len(book.Bids) && i < depth; i++ {
		bidVol += book.Bids[i].Size
	}
	for i := 0; i < len(book.Asks) && i < depth; i++ {
		askVol += book.Asks[i].Size
	}

	total := bidVol + askVol
	if total == 0 {
		return 0.5
	}
	return bidVol / total
}
