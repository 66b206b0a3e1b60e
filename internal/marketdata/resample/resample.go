// Package resample provides an incremental candle resampler.
// It consumes finalized 1m candles and maintains forming coarse-interval
// states that are updated in O(1) per candle per interval. When an
// interval bucket closes, the previous coarse candle is finalized and
// emitted.
package resample

import (
	"context"
	"log"
	"time"

	"perpsim/internal/model"
)

// Emitted is one resampler output: a candle tagged with its interval
// and whether it is still forming.
type Emitted struct {
	Interval model.Interval
	Candle   model.Candle
	Forming  bool
}

// ivState holds the forming candle state for one (symbol, interval) pair.
type ivState struct {
	bucket  int64 // bucket start = ts - ts%iv (Unix seconds)
	candle  model.Candle
	started bool
}

// Builder resamples 1m candles into multiple coarser intervals.
// Designed to run in a single goroutine (single consumer).
type Builder struct {
	intervals []model.Interval

	// Per-interval per-symbol state: states[ivIdx][symbol].
	states []map[string]*ivState

	// OnCandle, if set, is called for every finalized coarse candle.
	OnCandle func(iv model.Interval, c model.Candle)
}

// New creates a resampler for the given intervals.
func New(intervals ...model.Interval) *Builder {
	states := make([]map[string]*ivState, len(intervals))
	for i := range states {
		states[i] = make(map[string]*ivState, 16)
	}
	return &Builder{
		intervals: intervals,
		states:    states,
	}
}

// Intervals returns the enabled intervals.
func (b *Builder) Intervals() []model.Interval {
	return b.intervals
}

// Run consumes 1m candles from candleCh, resamples them, and sends
// coarse candles to outCh. Blocks until ctx is cancelled or candleCh
// closes.
func (b *Builder) Run(ctx context.Context, candleCh <-chan model.Candle, outCh chan<- Emitted) {
	for {
		select {
		case <-ctx.Done():
			b.flushAll(outCh)
			return
		case c, ok := <-candleCh:
			if !ok {
				b.flushAll(outCh)
				return
			}
			b.Process(c, outCh)
		}
	}
}

// Process handles a single 1m candle against all enabled intervals.
// This is the hot path, O(1) per interval.
func (b *Builder) Process(c model.Candle, outCh chan<- Emitted) {
	ts := c.OpenTime.Unix()

	for i, iv := range b.intervals {
		sec := int64(iv.Duration() / time.Second)
		bucket := ts - (ts % sec) // align to the interval boundary

		st, exists := b.states[i][c.Symbol]

		if exists && bucket < st.bucket {
			// Out-of-order candle for an already-advanced bucket
			continue
		}

		if exists && bucket > st.bucket {
			// New bucket, finalize the forming candle
			b.finalize(iv, st, outCh)
			exists = false
		}

		if !exists {
			st = &ivState{
				bucket:  bucket,
				started: true,
				candle: model.Candle{
					Symbol:   c.Symbol,
					OpenTime: time.Unix(bucket, 0).UTC(),
					Open:     c.Open,
					High:     c.High,
					Low:      c.Low,
					Close:    c.Close,
					Volume:   c.Volume,
				},
			}
			b.states[i][c.Symbol] = st
			emit(outCh, Emitted{Interval: iv, Candle: st.candle, Forming: true})
			continue
		}

		// Same bucket, merge OHLCV
		fc := &st.candle
		if c.High > fc.High {
			fc.High = c.High
		}
		if c.Low < fc.Low {
			fc.Low = c.Low
		}
		fc.Close = c.Close
		fc.Volume += c.Volume

		// Forming snapshot so live windows can track the in-progress bar
		emit(outCh, Emitted{Interval: iv, Candle: *fc, Forming: true})
	}
}

func (b *Builder) finalize(iv model.Interval, st *ivState, outCh chan<- Emitted) {
	emit(outCh, Emitted{Interval: iv, Candle: st.candle})
	if b.OnCandle != nil {
		b.OnCandle(iv, st.candle)
	}
}

// flushAll finalizes and emits all forming candles.
func (b *Builder) flushAll(outCh chan<- Emitted) {
	for i, iv := range b.intervals {
		for symbol, st := range b.states[i] {
			if st.started {
				b.finalize(iv, st, outCh)
			}
			delete(b.states[i], symbol)
		}
	}
}

// emit sends a resampled candle downstream. Non-blocking to avoid
// deadlocks with a slow consumer.
func emit(outCh chan<- Emitted, e Emitted) {
	select {
	case outCh <- e:
	default:
		log.Printf("[resample] outCh full, dropping %s %s ts=%v",
			e.Candle.Symbol, e.Interval, e.Candle.OpenTime)
	}
}

// Resample batch-converts a chronological 1m (or finer) candle series
// into the given interval. Partial trailing buckets are included.
func Resample(candles []model.Candle, iv model.Interval) []model.Candle {
	if len(candles) == 0 {
		return nil
	}
	sec := int64(iv.Duration() / time.Second)

	var out []model.Candle
	var cur *model.Candle
	var curBucket int64

	for _, c := range candles {
		ts := c.OpenTime.Unix()
		bucket := ts - (ts % sec)

		if cur == nil || bucket != curBucket {
			if cur != nil {
				out = append(out, *cur)
			}
			nc := c
			nc.OpenTime = time.Unix(bucket, 0).UTC()
			cur = &nc
			curBucket = bucket
			continue
		}

		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
	}
	out = append(out, *cur)
	return out
}
