package resample

import (
	"context"
	"testing"
	"time"

	"perpsim/internal/model"
)

func minuteCandles(start time.Time, closes ...float64) []model.Candle {
	out := make([]model.Candle, len(closes))
	for i, cl := range closes {
		out[i] = model.Candle{
			Symbol:   "BTCUSDT",
			OpenTime: start.Add(time.Duration(i) * time.Minute),
			Open:     cl - 1,
			High:     cl + 2,
			Low:      cl - 3,
			Close:    cl,
			Volume:   1,
		}
	}
	return out
}

func TestResample_Batch15m(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	candles := minuteCandles(start, closes...)

	out := Resample(candles, model.Interval15m)
	if len(out) != 2 {
		t.Fatalf("expected 2 coarse candles, got %d", len(out))
	}

	first := out[0]
	if !first.OpenTime.Equal(start) {
		t.Errorf("expected open time %v, got %v", start, first.OpenTime)
	}
	if first.Open != 99 { // open of the first minute
		t.Errorf("expected open=99, got %v", first.Open)
	}
	if first.Close != 114 { // close of the 15th minute
		t.Errorf("expected close=114, got %v", first.Close)
	}
	if first.High != 116 { // high of the 15th minute
		t.Errorf("expected high=116, got %v", first.High)
	}
	if first.Low != 97 { // low of the first minute
		t.Errorf("expected low=97, got %v", first.Low)
	}
	if first.Volume != 15 {
		t.Errorf("expected volume=15, got %v", first.Volume)
	}

	second := out[1]
	if !second.OpenTime.Equal(start.Add(15 * time.Minute)) {
		t.Errorf("unexpected second open time %v", second.OpenTime)
	}
	if second.Close != 129 {
		t.Errorf("expected close=129, got %v", second.Close)
	}
}

func TestResample_PartialTrailingBucket(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := minuteCandles(start, 100, 101, 102, 103, 104)

	out := Resample(candles, model.Interval15m)
	if len(out) != 1 {
		t.Fatalf("expected 1 partial candle, got %d", len(out))
	}
	if out[0].Close != 104 || out[0].Volume != 5 {
		t.Errorf("unexpected partial candle: %+v", out[0])
	}
}

func TestResample_Empty(t *testing.T) {
	if out := Resample(nil, model.Interval15m); out != nil {
		t.Errorf("expected nil for empty input, got %v", out)
	}
}

func TestBuilder_FinalizeOnRollover(t *testing.T) {
	b := New(model.Interval15m)
	outCh := make(chan Emitted, 100)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	closes := make([]float64, 16) // 15 fill one bucket, the 16th rolls over
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	for _, c := range minuteCandles(start, closes...) {
		b.Process(c, outCh)
	}

	var finalized []Emitted
	var forming int
	for {
		select {
		case e := <-outCh:
			if e.Forming {
				forming++
			} else {
				finalized = append(finalized, e)
			}
		default:
			goto collected
		}
	}
collected:

	if len(finalized) != 1 {
		t.Fatalf("expected 1 finalized candle, got %d", len(finalized))
	}
	f := finalized[0]
	if f.Interval != model.Interval15m {
		t.Errorf("expected interval 15m, got %s", f.Interval)
	}
	if f.Candle.Close != 114 || f.Candle.Volume != 15 {
		t.Errorf("unexpected finalized candle: %+v", f.Candle)
	}
	if forming != 16 {
		t.Errorf("expected 16 forming snapshots, got %d", forming)
	}
}

func TestBuilder_MultipleIntervals(t *testing.T) {
	b := New(model.Interval5m, model.Interval15m)

	var got []struct {
		iv model.Interval
		c  model.Candle
	}
	b.OnCandle = func(iv model.Interval, c model.Candle) {
		got = append(got, struct {
			iv model.Interval
			c  model.Candle
		}{iv, c})
	}

	outCh := make(chan Emitted, 200)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	closes := make([]float64, 31)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	for _, c := range minuteCandles(start, closes...) {
		b.Process(c, outCh)
	}

	var fives, fifteens int
	for _, g := range got {
		switch g.iv {
		case model.Interval5m:
			fives++
		case model.Interval15m:
			fifteens++
		}
	}
	if fives != 6 {
		t.Errorf("expected 6 finalized 5m candles, got %d", fives)
	}
	if fifteens != 2 {
		t.Errorf("expected 2 finalized 15m candles, got %d", fifteens)
	}
}

func TestBuilder_FlushAllOnClose(t *testing.T) {
	b := New(model.Interval15m)
	in := make(chan model.Candle, 10)
	outCh := make(chan Emitted, 50)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, c := range minuteCandles(start, 100, 101, 102) {
		in <- c
	}
	close(in)

	b.Run(context.Background(), in, outCh)

	var finalized []Emitted
	for {
		select {
		case e := <-outCh:
			if !e.Forming {
				finalized = append(finalized, e)
			}
		default:
			goto collected
		}
	}
collected:

	if len(finalized) != 1 {
		t.Fatalf("expected 1 flushed candle, got %d", len(finalized))
	}
	if finalized[0].Candle.Close != 102 || finalized[0].Candle.Volume != 3 {
		t.Errorf("unexpected flushed candle: %+v", finalized[0].Candle)
	}
}
