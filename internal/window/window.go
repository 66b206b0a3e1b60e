// Package window provides a fixed-capacity rolling candle window backed by a
// circular buffer. Appending past capacity evicts the oldest candle, so the
// window always holds the most recent history in chronological order.
package window

import (
	"sync"

	"perpsim/internal/model"
)

// Window is a rolling candle history for one symbol/timeframe pair.
// Safe for concurrent use.
type Window struct {
	mu    sync.RWMutex
	buf   []model.Candle
	start int // index of the oldest candle
	count int
}

// New creates a window holding at most capacity candles. Minimum capacity is 1.
func New(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]model.Candle, capacity)}
}

// Append adds a candle. A candle with the same OpenTime as the newest entry
// replaces it (a forming candle being updated in place); otherwise the oldest
// entry is evicted once the window is full.
func (w *Window) Append(c model.Candle) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count > 0 {
		lastIdx := (w.start + w.count - 1) % len(w.buf)
		if w.buf[lastIdx].OpenTime.Equal(c.OpenTime) {
			w.buf[lastIdx] = c
			return
		}
	}

	if w.count < len(w.buf) {
		w.buf[(w.start+w.count)%len(w.buf)] = c
		w.count++
		return
	}

	w.buf[w.start] = c
	w.start = (w.start + 1) % len(w.buf)
}

// Slice returns a chronological copy of the window's contents.
func (w *Window) Slice() []model.Candle {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]model.Candle, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Len returns the number of candles currently held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count
}

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Last returns the newest candle, ok=false when empty.
func (w *Window) Last() (model.Candle, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.count == 0 {
		return model.Candle{}, false
	}
	return w.buf[(w.start+w.count-1)%len(w.buf)], true
}
