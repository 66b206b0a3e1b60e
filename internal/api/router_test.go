package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"perpsim/internal/ledger"
	"perpsim/internal/model"
	"perpsim/internal/store/memory"
)

func newTestServer(t *testing.T, balance, price float64) (*Server, *ledger.Ledger) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(memory.New(balance), "user-1", log)
	if err := l.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	priceFn := func(string) float64 { return price }
	return NewServer(l, nil, nil, nil, priceFn, log), l
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_PlaceAndListPositions(t *testing.T) {
	s, _ := newTestServer(t, 10000, 30000)
	mux := s.Router()

	rec := do(t, mux, http.MethodPost, "/api/v1/orders", ledger.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     model.SideLong,
		Type:     model.OrderMarket,
		Amount:   1000,
		Leverage: 10,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}

	var placement ledger.Placement
	if err := json.Unmarshal(rec.Body.Bytes(), &placement); err != nil {
		t.Fatalf("decode placement: %v", err)
	}
	if placement.Position == nil || placement.Position.EntryPrice != 30000 {
		t.Fatalf("unexpected placement: %+v", placement)
	}

	rec = do(t, mux, http.MethodGet, "/api/v1/positions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var positions []model.Position
	if err := json.Unmarshal(rec.Body.Bytes(), &positions); err != nil {
		t.Fatalf("decode positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
}

func TestServer_ValidationMapsTo400(t *testing.T) {
	s, _ := newTestServer(t, 10000, 30000)
	mux := s.Router()

	rec := do(t, mux, http.MethodPost, "/api/v1/orders", ledger.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     model.SideLong,
		Type:     model.OrderMarket,
		Amount:   1000,
		Leverage: 100, // above the cap
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "leverage") {
		t.Errorf("expected leverage in error, got %s", rec.Body)
	}
}

func TestServer_InsufficientBalanceMapsTo402(t *testing.T) {
	s, _ := newTestServer(t, 100, 30000)
	mux := s.Router()

	rec := do(t, mux, http.MethodPost, "/api/v1/orders", ledger.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     model.SideLong,
		Type:     model.OrderMarket,
		Amount:   1000,
		Leverage: 10,
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body)
	}
}

func TestServer_MarketUnavailableMapsTo503(t *testing.T) {
	s, _ := newTestServer(t, 10000, 0) // no price available
	mux := s.Router()

	rec := do(t, mux, http.MethodPost, "/api/v1/orders", ledger.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     model.SideLong,
		Type:     model.OrderMarket,
		Amount:   1000,
		Leverage: 10,
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body)
	}
}

func TestServer_CloseAndPartialClose(t *testing.T) {
	s, l := newTestServer(t, 10000, 30000)
	mux := s.Router()

	placement, err := l.PlaceOrder(context.Background(), ledger.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     model.SideLong,
		Type:     model.OrderMarket,
		Amount:   1000,
		Leverage: 10,
	}, 30000)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	id := placement.Position.ID

	rec := do(t, mux, http.MethodPost, "/api/v1/positions/"+id+"/close",
		closeRequest{Percent: 50})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	pos, ok := l.Position(id)
	if !ok || pos.Margin != 500 {
		t.Fatalf("expected half position left, got %+v ok=%v", pos, ok)
	}

	rec = do(t, mux, http.MethodPost, "/api/v1/positions/"+id+"/close", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if _, ok := l.Position(id); ok {
		t.Fatal("expected position fully closed")
	}
}

func TestServer_RiskUpdate(t *testing.T) {
	s, l := newTestServer(t, 10000, 30000)
	mux := s.Router()

	placement, err := l.PlaceOrder(context.Background(), ledger.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     model.SideLong,
		Type:     model.OrderMarket,
		Amount:   1000,
		Leverage: 10,
	}, 30000)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	id := placement.Position.ID

	tp := 31000.0
	rec := do(t, mux, http.MethodPut, "/api/v1/positions/"+id+"/risk",
		ledger.RiskUpdate{TakeProfit: &tp})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	pos, _ := l.Position(id)
	if pos.TakeProfit != 31000 {
		t.Errorf("expected take profit 31000, got %v", pos.TakeProfit)
	}
}

func TestServer_CancelOrder(t *testing.T) {
	s, l := newTestServer(t, 10000, 30000)
	mux := s.Router()

	placement, err := l.PlaceOrder(context.Background(), ledger.OrderRequest{
		Symbol:       "BTCUSDT",
		Side:         model.SideLong,
		Type:         model.OrderLimit,
		Amount:       1000,
		Leverage:     10,
		TriggerPrice: 29000,
	}, 30000)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	id := placement.Order.ID

	rec := do(t, mux, http.MethodDelete, "/api/v1/orders/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if len(l.PendingOrders()) != 0 {
		t.Fatal("expected order cancelled")
	}

	// Cancelling again is a no-op, not an error.
	rec = do(t, mux, http.MethodDelete, "/api/v1/orders/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat cancel, got %d", rec.Code)
	}
}

func TestServer_SignalsRequireSymbol(t *testing.T) {
	s, _ := newTestServer(t, 10000, 30000)
	mux := s.Router()

	rec := do(t, mux, http.MethodGet, "/api/v1/signals", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no engine, got %d", rec.Code)
	}
}

func TestServer_SentimentUpdate(t *testing.T) {
	s, _ := newTestServer(t, 10000, 30000)

	var fg, news float64
	s.SetSentimentFunc(func(fearGreed, newsScore float64) {
		fg, news = fearGreed, newsScore
	})
	mux := s.Router()

	rec := do(t, mux, http.MethodPut, "/api/v1/sentiment", map[string]float64{
		"fear_greed": 15, "news_score": 0.4,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if fg != 15 || news != 0.4 {
		t.Fatalf("sentiment func got (%v, %v), want (15, 0.4)", fg, news)
	}

	for name, body := range map[string]map[string]float64{
		"fear_greed too high": {"fear_greed": 120, "news_score": 0},
		"fear_greed negative": {"fear_greed": -3, "news_score": 0},
		"news out of range":   {"fear_greed": 50, "news_score": 2},
	} {
		rec = do(t, mux, http.MethodPut, "/api/v1/sentiment", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, rec.Code)
		}
	}
}

func TestServer_SentimentWithoutEngine(t *testing.T) {
	s, _ := newTestServer(t, 10000, 30000)
	mux := s.Router()

	rec := do(t, mux, http.MethodPut, "/api/v1/sentiment", map[string]float64{
		"fear_greed": 50, "news_score": 0,
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no engine, got %d", rec.Code)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, 10000, 30000)
	mux := s.Router()

	rec := do(t, mux, http.MethodDelete, "/api/v1/positions", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
