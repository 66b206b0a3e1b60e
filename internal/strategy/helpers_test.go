package strategy

import (
	"math"
	"testing"
	"time"

	"perpsim/internal/model"
)

// flatCandles builds n candles with identical OHLC around price, spaced by iv.
func flatCandles(n int, price float64, iv model.Interval) []model.Candle {
	start := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	out := make([]model.Candle, n)
	for i := range out {
		out[i] = model.Candle{
			OpenTime: start.Add(time.Duration(i) * iv.Duration()),
			Open:     price, High: price, Low: price, Close: price,
		}
	}
	return out
}

// risingCandles builds n candles whose closes rise by step per candle.
func risingCandles(n int, start, step float64, iv model.Interval) []model.Candle {
	t0 := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	out := make([]model.Candle, n)
	for i := range out {
		c := start + float64(i)*step
		out[i] = model.Candle{
			OpenTime: t0.Add(time.Duration(i) * iv.Duration()),
			Open:     c - step, High: c + 1, Low: c - step - 1, Close: c,
		}
	}
	return out
}

func inKillzone() time.Time {
	return time.Date(2026, 2, 2, 8, 30, 0, 0, time.UTC) // London session
}

func outsideKillzone() time.Time {
	return time.Date(2026, 2, 2, 5, 0, 0, 0, time.UTC)
}

func assertSetupClose(t *testing.T, label string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("%s: got %.6f, want %.6f", label, got, want)
	}
}
