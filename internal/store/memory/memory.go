// Package memory provides an in-process implementation of the ledger's
// durable Store. Used by cmd/signalscan, the sim feed demo mode, and
// tests. Mutations are serialized under one mutex, which stands in for
// the transactional guarantees a real store provides.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"perpsim/internal/ledger"
	"perpsim/internal/model"
)

// Store keeps one user universe in memory. All methods are safe for
// concurrent use.
type Store struct {
	mu        sync.Mutex
	initial   float64 // seed balance for unseen users
	balance   map[string]float64
	positions map[string][]*model.Position
	orders    map[string][]*model.PendingOrder
	history   map[string][]model.TradeHistoryEntry
	nextID    int
}

// New creates a Store. Every user starts with initialBalance USD on
// first touch.
func New(initialBalance float64) *Store {
	return &Store{
		initial:   initialBalance,
		balance:   make(map[string]float64),
		positions: make(map[string][]*model.Position),
		orders:    make(map[string][]*model.PendingOrder),
		history:   make(map[string][]model.TradeHistoryEntry),
	}
}

var _ ledger.Store = (*Store)(nil)

func (s *Store) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func (s *Store) bal(userID string) float64 {
	if _, ok := s.balance[userID]; !ok {
		s.balance[userID] = s.initial
	}
	return s.balance[userID]
}

func (s *Store) Balance(_ context.Context, userID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bal(userID), nil
}

// OpenPosition deducts margin plus the open fee and persists the
// position. It re-checks the balance: the store is the final authority
// even though the ledger pre-validates.
func (s *Store) OpenPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cost := p.Margin + p.Size*ledger.OpenFeePct
	if bal := s.bal(p.UserID); cost > bal {
		return fmt.Errorf("balance %0.2f below cost %0.2f", bal, cost)
	}
	p.ID = s.id("pos")
	cp := *p
	s.positions[p.UserID] = append(s.positions[p.UserID], &cp)
	s.balance[p.UserID] -= cost
	return nil
}

func (s *Store) ClosePosition(_ context.Context, userID, positionID string, exitPrice float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, idx := s.find(userID, positionID)
	if p == nil {
		return fmt.Errorf("position %s not found", positionID)
	}
	pnl := p.PnL(exitPrice)
	s.balance[userID] = s.bal(userID) + p.Margin + pnl
	s.history[userID] = append(s.history[userID], model.TradeHistoryEntry{
		ID:         s.id("hist"),
		UserID:     userID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		EntryPrice: p.EntryPrice,
		ExitPrice:  exitPrice,
		PnL:        pnl,
		ROI:        p.ROI(exitPrice),
		ClosedAt:   time.Now().UTC(),
	})
	s.positions[userID] = append(s.positions[userID][:idx], s.positions[userID][idx+1:]...)
	return nil
}

func (s *Store) ClosePositionPartial(_ context.Context, userID, positionID string, exitPrice, percent float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, _ := s.find(userID, positionID)
	if p == nil {
		return fmt.Errorf("position %s not found", positionID)
	}
	frac := percent / 100
	s.balance[userID] = s.bal(userID) + p.Margin*frac + p.PnL(exitPrice)*frac
	p.Margin *= 1 - frac
	p.Size *= 1 - frac
	return nil
}

func (s *Store) UpdatePositionRisk(_ context.Context, userID, positionID string, upd ledger.RiskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, _ := s.find(userID, positionID)
	if p == nil {
		return fmt.Errorf("position %s not found", positionID)
	}
	if upd.TakeProfit != nil {
		p.TakeProfit = *upd.TakeProfit
	}
	if upd.StopLoss != nil {
		p.StopLoss = *upd.StopLoss
	}
	p.TrailingEnabled = upd.TrailingEnabled
	if upd.TrailingPercent != nil {
		p.TrailingPercent = *upd.TrailingPercent
	}
	return nil
}

func (s *Store) MarkLadderStepExecuted(_ context.Context, userID, positionID string, step int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, _ := s.find(userID, positionID)
	if p == nil {
		return fmt.Errorf("position %s not found", positionID)
	}
	if step < 0 || step >= len(p.Ladder) {
		return fmt.Errorf("ladder step %d out of range", step)
	}
	p.Ladder[step].Executed = true
	return nil
}

func (s *Store) SavePendingOrder(_ context.Context, o *model.PendingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o.ID = s.id("ord")
	cp := *o
	s.orders[o.UserID] = append(s.orders[o.UserID], &cp)
	return nil
}

func (s *Store) DeletePendingOrder(_ context.Context, userID, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, o := range s.orders[userID] {
		if o.ID == orderID {
			s.orders[userID] = append(s.orders[userID][:i], s.orders[userID][i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) Positions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Position, 0, len(s.positions[userID]))
	for _, p := range s.positions[userID] {
		out = append(out, *p)
	}
	return out, nil
}

func (s *Store) PendingOrders(_ context.Context, userID string) ([]model.PendingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.PendingOrder, 0, len(s.orders[userID]))
	for _, o := range s.orders[userID] {
		out = append(out, *o)
	}
	return out, nil
}

func (s *Store) History(_ context.Context, userID string, limit int) ([]model.TradeHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.history[userID]
	out := make([]model.TradeHistoryEntry, 0, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		out = append(out, h[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) find(userID, positionID string) (*model.Position, int) {
	for i, p := range s.positions[userID] {
		if p.ID == positionID {
			return p, i
		}
	}
	return nil, -1
}
