// cmd/signalscan evaluates every registered strategy once for a symbol
// and prints the results. Market data comes from the Binance public API.
//
// Usage:
//
//	go run ./cmd/signalscan --symbol=BTCUSDT --fear-greed=35 --news=0.2
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"perpsim/internal/indicator"
	"perpsim/internal/model"
	"perpsim/internal/strategy"
	"perpsim/pkg/binance"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	symbol := flag.String("symbol", "BTCUSDT", "Symbol to scan")
	balance := flag.Float64("balance", 10000, "Account balance used for sizing hints")
	fearGreed := flag.Float64("fear-greed", 50, "Fear & greed index reading (0-100)")
	news := flag.Float64("news", 0, "News sentiment score (-1..1)")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall fetch timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := binance.NewClient(binance.Config{})

	candles := make(map[model.Interval][]model.Candle)
	for _, fetch := range []struct {
		iv    model.Interval
		limit int
	}{
		{model.Interval1m, 100},
		{model.Interval15m, 1000},
		{model.Interval4h, 200},
	} {
		series, err := client.Klines(ctx, *symbol, fetch.iv, fetch.limit)
		if err != nil {
			log.Fatalf("[signalscan] klines %s failed: %v", fetch.iv, err)
		}
		candles[fetch.iv] = series
	}

	book, err := client.Depth(ctx, *symbol, indicator.DefaultOBIDepth)
	if err != nil {
		log.Printf("[signalscan] depth failed (%v), order-flow strategies will wait", err)
	}

	ticker, err := client.Ticker24h(ctx, *symbol)
	if err != nil {
		log.Fatalf("[signalscan] ticker failed: %v", err)
	}

	view := strategy.MarketView{
		Symbol:  *symbol,
		Price:   ticker.LastPrice,
		Balance: *balance,
		Candles: candles,
		Book:    book,
		Sentiment: &strategy.Sentiment{
			FearGreed: *fearGreed,
			NewsScore: *news,
			Change24h: ticker.Change24h,
		},
		Now: time.Now().UTC(),
	}

	registry := strategy.NewDefaultRegistry(strategy.DefaultParams())
	results := registry.EvaluateAll(view)

	fmt.Printf("\n%s @ %.2f (24h %+.2f%%)\n\n", *symbol, ticker.LastPrice, ticker.Change24h)
	for _, r := range results {
		fmt.Printf("%-24s %-12s %s\n", r.Strategy, r.Label, r.Grade)
		if r.Setup != nil {
			s := r.Setup
			fmt.Printf("    %s entry=%.2f sl=%.2f tp=%.2f", s.Side, s.Entry, s.StopLoss, s.TakeProfit)
			if s.Leverage > 0 {
				fmt.Printf(" x%g", s.Leverage)
			}
			if s.TrailingEnabled {
				fmt.Printf(" trail=%.1f%%", s.TrailingPercent)
			}
			fmt.Println()
		}
		for _, reason := range r.Rationale {
			fmt.Printf("    - %s\n", reason)
		}
		fmt.Println(strings.Repeat("─", 56))
	}
}
