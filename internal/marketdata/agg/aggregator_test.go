package agg

import (
	"context"
	"testing"
	"time"

	"perpsim/internal/model"
)

func TestAggregator_BasicCandle(t *testing.T) {
	agg := New()
	tickCh := make(chan model.Ticker, 100)
	candleCh := make(chan model.Candle, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx, tickCh, candleCh)
		close(done)
	}()

	now := time.Now().UTC().Truncate(time.Minute)

	// Send 3 ticks in the same minute
	tickCh <- model.Ticker{Symbol: "BTCUSDT", LastPrice: 50000, LastQty: 10, TS: now}
	tickCh <- model.Ticker{Symbol: "BTCUSDT", LastPrice: 50500, LastQty: 20, TS: now.Add(10 * time.Second)}
	tickCh <- model.Ticker{Symbol: "BTCUSDT", LastPrice: 49800, LastQty: 5, TS: now.Add(30 * time.Second)}

	// A tick in the next minute triggers the flush of the previous bucket
	tickCh <- model.Ticker{Symbol: "BTCUSDT", LastPrice: 50100, LastQty: 15, TS: now.Add(time.Minute)}

	// Allow time for processing
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done // wait for goroutine to finish

	// Collect candles (safe now since goroutine exited)
	var candles []model.Candle
	for {
		select {
		case c := <-candleCh:
			candles = append(candles, c)
		default:
			goto collected
		}
	}
collected:

	if len(candles) < 1 {
		t.Fatalf("expected at least 1 candle, got %d", len(candles))
	}

	c := candles[0]
	if c.Open != 50000 {
		t.Errorf("expected open=50000, got %v", c.Open)
	}
	if c.High != 50500 {
		t.Errorf("expected high=50500, got %v", c.High)
	}
	if c.Low != 49800 {
		t.Errorf("expected low=49800, got %v", c.Low)
	}
	if c.Close != 49800 {
		t.Errorf("expected close=49800, got %v", c.Close)
	}
	if c.Volume != 35 {
		t.Errorf("expected volume=35, got %v", c.Volume)
	}
	if !c.OpenTime.Equal(now) {
		t.Errorf("expected open time %v, got %v", now, c.OpenTime)
	}
}

func TestAggregator_MultipleSymbols(t *testing.T) {
	agg := New()
	tickCh := make(chan model.Ticker, 100)
	candleCh := make(chan model.Candle, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx, tickCh, candleCh)
		close(done)
	}()

	now := time.Now().UTC().Truncate(time.Minute)

	// Two different symbols in the same minute
	tickCh <- model.Ticker{Symbol: "BTCUSDT", LastPrice: 50000, LastQty: 10, TS: now}
	tickCh <- model.Ticker{Symbol: "ETHUSDT", LastPrice: 3000, LastQty: 5, TS: now}

	// Next minute triggers the flush
	tickCh <- model.Ticker{Symbol: "BTCUSDT", LastPrice: 50100, LastQty: 1, TS: now.Add(time.Minute)}
	tickCh <- model.Ticker{Symbol: "ETHUSDT", LastPrice: 3010, LastQty: 1, TS: now.Add(time.Minute)}

	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	count := 0
	for {
		select {
		case <-candleCh:
			count++
		default:
			goto done2
		}
	}
done2:
	// At least one candle per symbol for the first minute, plus the
	// flush of the second minute on shutdown
	if count < 2 {
		t.Errorf("expected at least 2 candles, got %d", count)
	}
}

func TestAggregator_LateTick(t *testing.T) {
	agg := New()
	dropped := 0
	dropCh := make(chan struct{}, 10)
	agg.OnDroppedTick = func() {
		dropCh <- struct{}{}
	}

	tickCh := make(chan model.Ticker, 100)
	candleCh := make(chan model.Candle, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx, tickCh, candleCh)
		close(done)
	}()

	now := time.Now().UTC().Truncate(time.Minute)

	// Current minute tick, then a tick belonging to the previous minute
	tickCh <- model.Ticker{Symbol: "BTCUSDT", LastPrice: 50000, LastQty: 10, TS: now}
	tickCh <- model.Ticker{Symbol: "BTCUSDT", LastPrice: 49000, LastQty: 5, TS: now.Add(-time.Minute)}

	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	// Count drops from channel
	close(dropCh)
	for range dropCh {
		dropped++
	}

	if dropped != 1 {
		t.Errorf("expected 1 dropped tick, got %d", dropped)
	}
}

func TestAggregator_FormingHook(t *testing.T) {
	agg := New()
	forming := make(chan model.Candle, 10)
	agg.OnForming = func(c model.Candle) {
		forming <- c
	}

	tickCh := make(chan model.Ticker, 10)
	candleCh := make(chan model.Candle, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx, tickCh, candleCh)
		close(done)
	}()

	now := time.Now().UTC().Truncate(time.Minute)

	tickCh <- model.Ticker{Symbol: "BTCUSDT", LastPrice: 50000, LastQty: 1, TS: now}
	tickCh <- model.Ticker{Symbol: "BTCUSDT", LastPrice: 50200, LastQty: 2, TS: now.Add(5 * time.Second)}

	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	close(forming)
	var updates []model.Candle
	for c := range forming {
		updates = append(updates, c)
	}

	if len(updates) != 2 {
		t.Fatalf("expected 2 forming updates, got %d", len(updates))
	}
	last := updates[1]
	if last.Close != 50200 || last.High != 50200 || last.Open != 50000 {
		t.Errorf("unexpected forming candle: %+v", last)
	}
}

func TestAggregator_InvalidTickIgnored(t *testing.T) {
	agg := New()
	tickCh := make(chan model.Ticker, 10)
	candleCh := make(chan model.Candle, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx, tickCh, candleCh)
		close(done)
	}()

	now := time.Now().UTC().Truncate(time.Minute)

	tickCh <- model.Ticker{Symbol: "BTCUSDT", LastPrice: 0, LastQty: 1, TS: now}
	tickCh <- model.Ticker{Symbol: "BTCUSDT", LastPrice: -5, LastQty: 1, TS: now}

	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	select {
	case c := <-candleCh:
		t.Errorf("expected no candles from invalid ticks, got %+v", c)
	default:
	}
}
