// Package api exposes the simulator over HTTP: account state, order
// placement, risk updates, signal evaluation, and backtests. JSON in,
// JSON out.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"perpsim/internal/backtest"
	"perpsim/internal/ledger"
	"perpsim/internal/strategy"
)

// ViewFunc builds the market snapshot strategies evaluate for a symbol.
type ViewFunc func(ctx context.Context, symbol string) (strategy.MarketView, error)

// BacktestFunc runs a backtest for a symbol and returns its report.
type BacktestFunc func(ctx context.Context, symbol string) (backtest.Report, error)

// PriceFunc returns the current market price for a symbol, or 0 when
// the market is unavailable.
type PriceFunc func(symbol string) float64

// SentimentFunc feeds the operator-supplied sentiment inputs to the
// strategy engine.
type SentimentFunc func(fearGreed, newsScore float64)

// Server wires the HTTP surface to the ledger and strategy engine.
type Server struct {
	log       *slog.Logger
	ledger    *ledger.Ledger
	registry  *strategy.Registry
	view      ViewFunc
	backtest  BacktestFunc
	price     PriceFunc
	sentiment SentimentFunc
}

// NewServer creates the API server. view, backtest, and price may be
// nil; the corresponding endpoints then report 503.
func NewServer(l *ledger.Ledger, reg *strategy.Registry, view ViewFunc, bt BacktestFunc, price PriceFunc, log *slog.Logger) *Server {
	return &Server{
		log:      log,
		ledger:   l,
		registry: reg,
		view:     view,
		backtest: bt,
		price:    price,
	}
}

// SetSentimentFunc enables the PUT /api/v1/sentiment endpoint. Without
// it the endpoint reports 503.
func (s *Server) SetSentimentFunc(fn SentimentFunc) { s.sentiment = fn }

// Router builds the HTTP mux.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/api/v1/balance", s.handleBalance)
	mux.HandleFunc("/api/v1/positions", s.handlePositions)
	mux.HandleFunc("/api/v1/positions/", s.handlePositionByID)
	mux.HandleFunc("/api/v1/orders", s.handleOrders)
	mux.HandleFunc("/api/v1/orders/", s.handleOrderByID)
	mux.HandleFunc("/api/v1/history", s.handleHistory)
	mux.HandleFunc("/api/v1/signals", s.handleSignals)
	mux.HandleFunc("/api/v1/sentiment", s.handleSentiment)
	mux.HandleFunc("/api/v1/backtest", s.handleBacktest)

	return mux
}

// ─── Account state ───────────────────────────────────────────────────────────

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	balance, err := s.ledger.Balance(r.Context())
	if err != nil {
		s.fail(w, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"balance": balance})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.Positions())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.ledger.History(r.Context(), limit)
	if err != nil {
		s.fail(w, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ─── Orders ──────────────────────────────────────────────────────────────────

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.ledger.PendingOrders())

	case http.MethodPost:
		var req ledger.OrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		var price float64
		if s.price != nil {
			price = s.price(req.Symbol)
		}
		placement, err := s.ledger.PlaceOrder(r.Context(), req, price)
		if err != nil {
			s.fail(w, "place order", err)
			return
		}
		writeJSON(w, http.StatusCreated, placement)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/orders/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.ledger.CancelPendingOrder(r.Context(), id); err != nil {
		s.fail(w, "cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cancelled": id})
}

// ─── Position sub-resources ──────────────────────────────────────────────────

// handlePositionByID dispatches /api/v1/positions/{id}/close and
// /api/v1/positions/{id}/risk.
func (s *Server) handlePositionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/positions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id, action := parts[0], parts[1]

	switch action {
	case "close":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.closePosition(w, r, id)
	case "risk":
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		s.updateRisk(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

type closeRequest struct {
	// Percent of the position to close; 0 or absent closes it fully.
	Percent float64 `json:"percent"`
}

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request, id string) {
	var req closeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}

	var price float64
	if pos, ok := s.ledger.Position(id); ok && s.price != nil {
		price = s.price(pos.Symbol)
	}

	var err error
	if req.Percent == 0 || req.Percent == 100 {
		err = s.ledger.ClosePosition(r.Context(), id, price)
	} else {
		err = s.ledger.ClosePositionPartial(r.Context(), id, price, req.Percent)
	}
	if err != nil {
		s.fail(w, "close position", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"closed": id})
}

func (s *Server) updateRisk(w http.ResponseWriter, r *http.Request, id string) {
	var upd ledger.RiskUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if err := s.ledger.UpdatePositionRisk(r.Context(), id, upd); err != nil {
		s.fail(w, "update risk", err)
		return
	}
	pos, _ := s.ledger.Position(id)
	writeJSON(w, http.StatusOK, pos)
}

// ─── Signals & backtest ──────────────────────────────────────────────────────

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.view == nil || s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "signal engine not running")
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}

	view, err := s.view(r.Context(), symbol)
	if err != nil {
		s.fail(w, "build view", err)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.EvaluateAll(view))
}

type sentimentRequest struct {
	FearGreed float64 `json:"fear_greed"` // 0..100
	NewsScore float64 `json:"news_score"` // -1..1
}

// handleSentiment takes operator-supplied sentiment inputs. The
// simulator never ingests news feeds itself; these numbers arrive as
// opaque values and feed the composite scorer on its next evaluation.
func (s *Server) handleSentiment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	if s.sentiment == nil {
		writeError(w, http.StatusServiceUnavailable, "signal engine not running")
		return
	}
	var req sentimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.FearGreed < 0 || req.FearGreed > 100 || math.IsNaN(req.FearGreed) {
		writeError(w, http.StatusBadRequest, "fear_greed must be within [0,100]")
		return
	}
	if req.NewsScore < -1 || req.NewsScore > 1 || math.IsNaN(req.NewsScore) {
		writeError(w, http.StatusBadRequest, "news_score must be within [-1,1]")
		return
	}
	s.sentiment(req.FearGreed, req.NewsScore)
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.backtest == nil {
		writeError(w, http.StatusServiceUnavailable, "backtest unavailable")
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}

	report, err := s.backtest(r.Context(), symbol)
	if err != nil {
		s.fail(w, "backtest", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ─── Error mapping & JSON helpers ────────────────────────────────────────────

// fail maps ledger error types onto HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	var (
		vErr  *ledger.ValidationError
		bErr  *ledger.InsufficientBalanceError
		mErr  *ledger.MarketUnavailableError
		stErr *ledger.StoreError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &vErr):
		status = http.StatusBadRequest
	case errors.As(err, &bErr):
		status = http.StatusPaymentRequired
	case errors.As(err, &mErr):
		status = http.StatusServiceUnavailable
	case errors.As(err, &stErr):
		status = http.StatusBadGateway
	}
	if status >= 500 && s.log != nil {
		s.log.Error("api request failed", "op", op, "err", err)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
