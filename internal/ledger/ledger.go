// Package ledger owns the in-memory view of a user's open positions and
// resting orders. It validates every request up front, issues atomic
// commands to the durable Store, and only then mutates its own state,
// so a failed store call never desynchronizes the two.
package ledger

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"perpsim/internal/model"
)

// OpenFeePct is the taker fee charged on the position notional when a
// position is opened.
const OpenFeePct = 0.001

// OrderRequest is the single placement surface for all order types. Amount is
// the margin to commit in USD; notional exposure is Amount × Leverage.
type OrderRequest struct {
	Symbol          string          `json:"symbol"`
	Side            model.Side      `json:"side"`
	Type            model.OrderType `json:"type"`
	Amount          float64         `json:"amount"` // margin, USD
	Leverage        float64         `json:"leverage"`
	TriggerPrice    float64         `json:"trigger_price,omitempty"` // LIMIT/STOP only
	TakeProfit      float64         `json:"take_profit,omitempty"`
	StopLoss        float64         `json:"stop_loss,omitempty"`
	TrailingEnabled bool            `json:"trailing_enabled,omitempty"`
	TrailingPercent float64         `json:"trailing_percent,omitempty"`
	ReduceOnly      bool            `json:"reduce_only,omitempty"`

	// Ladder optionally attaches take-profit rungs to an opening
	// MARKET order. Ignored for pending and reduce-only orders.
	Ladder []model.LadderStep `json:"ladder,omitempty"`
}

// Placement is the result of PlaceOrder: exactly one branch is set.
type Placement struct {
	Position *model.Position     `json:"position,omitempty"` // opening MARKET fill
	Order    *model.PendingOrder `json:"order,omitempty"`    // resting LIMIT/STOP
	Reduced  float64             `json:"reduced,omitempty"`  // margin-equivalent reduced by a reduce-only MARKET
}

// Ledger validates requests and keeps positions/orders for one user in
// sync with the Store.
type Ledger struct {
	log    *slog.Logger
	store  Store
	userID string

	mu        sync.RWMutex
	positions []model.Position
	orders    []model.PendingOrder

	onMutate []func(positionID string)
}

// New creates a Ledger for one user. Call Refresh before first use to
// hydrate from the store.
func New(store Store, userID string, log *slog.Logger) *Ledger {
	return &Ledger{log: log, store: store, userID: userID}
}

// OnMutate registers a hook fired after any risk update or partial
// close of a position. The trigger engine uses it to reset stale
// trailing anchors. Not safe to call concurrently with operations.
func (l *Ledger) OnMutate(fn func(positionID string)) {
	l.onMutate = append(l.onMutate, fn)
}

func (l *Ledger) mutated(positionID string) {
	for _, fn := range l.onMutate {
		fn(positionID)
	}
}

// Refresh reloads positions and pending orders from the store.
func (l *Ledger) Refresh(ctx context.Context) error {
	positions, err := l.store.Positions(ctx, l.userID)
	if err != nil {
		return storeErr("positions", err)
	}
	orders, err := l.store.PendingOrders(ctx, l.userID)
	if err != nil {
		return storeErr("pending orders", err)
	}
	l.mu.Lock()
	l.positions = positions
	l.orders = orders
	l.mu.Unlock()
	return nil
}

// ─── Read side ────────────────────────────────────────────────────────────────

// Positions returns a snapshot of open positions, oldest first.
func (l *Ledger) Positions() []model.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Position, len(l.positions))
	for i, p := range l.positions {
		out[i] = p.Clone()
	}
	return out
}

// PendingOrders returns a snapshot of resting orders, oldest first.
func (l *Ledger) PendingOrders() []model.PendingOrder {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.PendingOrder, len(l.orders))
	copy(out, l.orders)
	return out
}

// Position returns one open position by id.
func (l *Ledger) Position(id string) (model.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, p := range l.positions {
		if p.ID == id {
			return p.Clone(), true
		}
	}
	return model.Position{}, false
}

// Balance returns the user's free balance.
func (l *Ledger) Balance(ctx context.Context) (float64, error) {
	bal, err := l.store.Balance(ctx, l.userID)
	if err != nil {
		return 0, storeErr("balance", err)
	}
	return bal, nil
}

// History returns the most recent closed trades.
func (l *Ledger) History(ctx context.Context, limit int) ([]model.TradeHistoryEntry, error) {
	h, err := l.store.History(ctx, l.userID, limit)
	if err != nil {
		return nil, storeErr("history", err)
	}
	return h, nil
}

// ─── Order placement ──────────────────────────────────────────────────────────

// PlaceOrder validates and executes an order request against the
// current market price. MARKET orders fill immediately: reduce-only
// requests walk opposite-side exposure down, anything else opens a new
// position. LIMIT and STOP orders rest as PendingOrders until the
// trigger engine fills them.
func (l *Ledger) PlaceOrder(ctx context.Context, req OrderRequest, price float64) (*Placement, error) {
	if err := l.validate(req, price); err != nil {
		return nil, err
	}

	switch req.Type {
	case model.OrderMarket:
		if req.ReduceOnly {
			reduced, err := l.reduceOpposite(ctx, req.Symbol, req.Side, req.Amount, price)
			if err != nil {
				return nil, err
			}
			return &Placement{Reduced: reduced}, nil
		}
		pos, err := l.open(ctx, req, price)
		if err != nil {
			return nil, err
		}
		return &Placement{Position: pos}, nil

	default: // LIMIT or STOP, already validated
		order := &model.PendingOrder{
			UserID:          l.userID,
			Symbol:          req.Symbol,
			OrderType:       req.Type,
			Side:            req.Side,
			TriggerPrice:    req.TriggerPrice,
			Margin:          req.Amount,
			Leverage:        req.Leverage,
			TakeProfit:      req.TakeProfit,
			StopLoss:        req.StopLoss,
			TrailingEnabled: req.TrailingEnabled,
			TrailingPercent: req.TrailingPercent,
			ReduceOnly:      req.ReduceOnly,
			CreatedAt:       time.Now().UTC(),
		}
		if err := l.store.SavePendingOrder(ctx, order); err != nil {
			return nil, storeErr("save pending order", err)
		}
		l.mu.Lock()
		l.orders = append(l.orders, *order)
		l.mu.Unlock()
		l.log.Info("pending order placed",
			"order_id", order.ID, "symbol", order.Symbol,
			"type", order.OrderType, "side", order.Side,
			"trigger", order.TriggerPrice)
		return &Placement{Order: order}, nil
	}
}

func (l *Ledger) validate(req OrderRequest, price float64) error {
	if !finitePositive(price) {
		return &MarketUnavailableError{Symbol: req.Symbol}
	}
	if !finitePositive(req.Amount) {
		return invalid("amount", "must be a positive number, got %v", req.Amount)
	}
	if req.Leverage < model.MinLeverage || req.Leverage > model.MaxLeverage || math.IsNaN(req.Leverage) {
		return invalid("leverage", "must be within [%v,%v], got %v",
			model.MinLeverage, model.MaxLeverage, req.Leverage)
	}
	if req.Side != model.SideLong && req.Side != model.SideShort {
		return invalid("side", "unknown side %q", req.Side)
	}

	ref := price
	switch req.Type {
	case model.OrderMarket:
	case model.OrderLimit, model.OrderStop:
		if !finitePositive(req.TriggerPrice) {
			return invalid("trigger_price", "required for %s orders", req.Type)
		}
		ref = req.TriggerPrice
	default:
		return invalid("type", "unknown order type %q", req.Type)
	}

	// TP must sit on the favorable side of the fill price, SL on the
	// adverse side.
	if req.TakeProfit != 0 {
		if !finitePositive(req.TakeProfit) {
			return invalid("take_profit", "must be a positive number")
		}
		if (req.Side == model.SideLong && req.TakeProfit <= ref) ||
			(req.Side == model.SideShort && req.TakeProfit >= ref) {
			return invalid("take_profit", "%v is on the wrong side of price %v for %s", req.TakeProfit, ref, req.Side)
		}
	}
	if req.StopLoss != 0 {
		if !finitePositive(req.StopLoss) {
			return invalid("stop_loss", "must be a positive number")
		}
		if (req.Side == model.SideLong && req.StopLoss >= ref) ||
			(req.Side == model.SideShort && req.StopLoss <= ref) {
			return invalid("stop_loss", "%v is on the wrong side of price %v for %s", req.StopLoss, ref, req.Side)
		}
	}
	if req.TrailingEnabled && (req.TrailingPercent <= 0 || req.TrailingPercent > 50 || math.IsNaN(req.TrailingPercent)) {
		return invalid("trailing_percent", "must be within (0,50], got %v", req.TrailingPercent)
	}
	for i, rung := range req.Ladder {
		if !finitePositive(rung.Price) {
			return invalid("ladder", "rung %d price must be a positive number", i)
		}
		if rung.Percent <= 0 || rung.Percent > 100 || math.IsNaN(rung.Percent) {
			return invalid("ladder", "rung %d percent must be within (0,100]", i)
		}
	}
	return nil
}

func (l *Ledger) open(ctx context.Context, req OrderRequest, price float64) (*model.Position, error) {
	margin := req.Amount
	size := margin * req.Leverage
	fee := size * OpenFeePct

	bal, err := l.store.Balance(ctx, l.userID)
	if err != nil {
		return nil, storeErr("balance", err)
	}
	if cost := margin + fee; cost > bal {
		return nil, &InsufficientBalanceError{Required: cost, Available: bal}
	}

	pos := &model.Position{
		UserID:           l.userID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		EntryPrice:       price,
		Size:             size,
		Margin:           margin,
		Leverage:         req.Leverage,
		LiquidationPrice: model.LiquidationPrice(req.Side, price, req.Leverage),
		TakeProfit:       req.TakeProfit,
		StopLoss:         req.StopLoss,
		TrailingEnabled:  req.TrailingEnabled,
		TrailingPercent:  req.TrailingPercent,
		Ladder:           req.Ladder,
		CreatedAt:        time.Now().UTC(),
	}
	if err := l.store.OpenPosition(ctx, pos); err != nil {
		return nil, storeErr("open position", err)
	}

	// The caller keeps *pos; detach the list's copy so its Ladder array
	// is not shared outside the lock.
	l.mu.Lock()
	l.positions = append(l.positions, pos.Clone())
	l.mu.Unlock()

	l.log.Info("position opened",
		"position_id", pos.ID, "symbol", pos.Symbol, "side", pos.Side,
		"entry", pos.EntryPrice, "size", pos.Size, "leverage", pos.Leverage,
		"liq", pos.LiquidationPrice)
	return pos, nil
}

// reduceOpposite walks opposite-side positions for the symbol, oldest
// first, closing each partially or fully until the requested
// margin-equivalent is exhausted or positions run out. It never opens
// new exposure.
func (l *Ledger) reduceOpposite(ctx context.Context, symbol string, side model.Side, amount, price float64) (float64, error) {
	opposite := side.Opposite()
	var targets []model.Position
	for _, p := range l.Positions() {
		if p.Symbol == symbol && p.Side == opposite {
			targets = append(targets, p)
		}
	}

	remaining := amount
	var reduced float64
	for _, p := range targets {
		if remaining <= 0 {
			break
		}
		slice := math.Min(remaining, p.Margin)
		if slice >= p.Margin {
			if err := l.ClosePosition(ctx, p.ID, price); err != nil {
				return reduced, err
			}
		} else {
			percent := slice / p.Margin * 100
			if err := l.ClosePositionPartial(ctx, p.ID, price, percent); err != nil {
				return reduced, err
			}
		}
		remaining -= slice
		reduced += slice
	}
	if reduced == 0 {
		l.log.Warn("reduce-only order matched no exposure", "symbol", symbol, "side", side)
	}
	return reduced, nil
}

// ─── Position lifecycle ───────────────────────────────────────────────────────

// ClosePosition fully closes an open position at exitPrice.
func (l *Ledger) ClosePosition(ctx context.Context, positionID string, exitPrice float64) error {
	pos, ok := l.Position(positionID)
	if !ok {
		return invalid("position", "unknown id %s", positionID)
	}
	if !finitePositive(exitPrice) {
		return &MarketUnavailableError{Symbol: pos.Symbol}
	}
	if err := l.store.ClosePosition(ctx, l.userID, positionID, exitPrice); err != nil {
		return storeErr("close position", err)
	}

	l.mu.Lock()
	l.positions = removePosition(l.positions, positionID)
	l.mu.Unlock()

	l.log.Info("position closed",
		"position_id", positionID, "symbol", pos.Symbol, "side", pos.Side,
		"entry", pos.EntryPrice, "exit", exitPrice,
		"pnl", pos.PnL(exitPrice), "roi", pos.ROI(exitPrice))
	return nil
}

// ClosePositionPartial closes percent ∈ (0,100] of a position. Margin
// and size shrink proportionally; 100 percent delegates to a full close.
func (l *Ledger) ClosePositionPartial(ctx context.Context, positionID string, exitPrice, percent float64) error {
	if percent <= 0 || percent > 100 || math.IsNaN(percent) {
		return invalid("percent", "must be within (0,100], got %v", percent)
	}
	if percent == 100 {
		return l.ClosePosition(ctx, positionID, exitPrice)
	}
	pos, ok := l.Position(positionID)
	if !ok {
		return invalid("position", "unknown id %s", positionID)
	}
	if !finitePositive(exitPrice) {
		return &MarketUnavailableError{Symbol: pos.Symbol}
	}
	if err := l.store.ClosePositionPartial(ctx, l.userID, positionID, exitPrice, percent); err != nil {
		return storeErr("partial close", err)
	}

	frac := 1 - percent/100
	l.mu.Lock()
	for i := range l.positions {
		if l.positions[i].ID == positionID {
			l.positions[i].Margin *= frac
			l.positions[i].Size *= frac
			break
		}
	}
	l.mu.Unlock()
	l.mutated(positionID)

	l.log.Info("position reduced",
		"position_id", positionID, "percent", percent, "exit", exitPrice)
	return nil
}

// UpdatePositionRisk replaces TP/SL/trailing parameters on an open
// position. The trailing anchor is reset via the OnMutate hook so a
// widened trail cannot close against a stale extreme.
func (l *Ledger) UpdatePositionRisk(ctx context.Context, positionID string, upd RiskUpdate) error {
	pos, ok := l.Position(positionID)
	if !ok {
		return invalid("position", "unknown id %s", positionID)
	}
	for name, v := range map[string]*float64{
		"take_profit": upd.TakeProfit,
		"stop_loss":   upd.StopLoss,
	} {
		if v != nil && *v != 0 && !finitePositive(*v) {
			return invalid(name, "must be a positive number, got %v", *v)
		}
	}
	if upd.TrailingEnabled {
		pct := pos.TrailingPercent
		if upd.TrailingPercent != nil {
			pct = *upd.TrailingPercent
		}
		if pct <= 0 || pct > 50 || math.IsNaN(pct) {
			return invalid("trailing_percent", "must be within (0,50], got %v", pct)
		}
	}
	if err := l.store.UpdatePositionRisk(ctx, l.userID, positionID, upd); err != nil {
		return storeErr("update risk", err)
	}

	l.mu.Lock()
	for i := range l.positions {
		if l.positions[i].ID != positionID {
			continue
		}
		if upd.TakeProfit != nil {
			l.positions[i].TakeProfit = *upd.TakeProfit
		}
		if upd.StopLoss != nil {
			l.positions[i].StopLoss = *upd.StopLoss
		}
		l.positions[i].TrailingEnabled = upd.TrailingEnabled
		if upd.TrailingPercent != nil {
			l.positions[i].TrailingPercent = *upd.TrailingPercent
		}
		break
	}
	l.mu.Unlock()
	l.mutated(positionID)

	l.log.Info("risk parameters updated", "position_id", positionID,
		"trailing", upd.TrailingEnabled)
	return nil
}

// ExecuteLadderStep partially closes a position for one take-profit
// ladder rung and marks the rung spent.
func (l *Ledger) ExecuteLadderStep(ctx context.Context, positionID string, step int, price float64) error {
	pos, ok := l.Position(positionID)
	if !ok {
		return invalid("position", "unknown id %s", positionID)
	}
	if step < 0 || step >= len(pos.Ladder) {
		return invalid("step", "out of range %d", step)
	}
	rung := pos.Ladder[step]
	if rung.Executed {
		return nil
	}
	if rung.Percent >= 100 {
		return l.ClosePosition(ctx, positionID, price)
	}
	if err := l.ClosePositionPartial(ctx, positionID, price, rung.Percent); err != nil {
		return err
	}
	if err := l.store.MarkLadderStepExecuted(ctx, l.userID, positionID, step); err != nil {
		return storeErr("mark ladder step", err)
	}
	l.mu.Lock()
	for i := range l.positions {
		if l.positions[i].ID == positionID {
			l.positions[i].Ladder[step].Executed = true
			break
		}
	}
	l.mu.Unlock()
	return nil
}

// ─── Pending orders ───────────────────────────────────────────────────────────

// CancelPendingOrder removes a resting order. Cancelling an unknown or
// already-cancelled id is a no-op.
func (l *Ledger) CancelPendingOrder(ctx context.Context, orderID string) error {
	if _, ok := l.pendingOrder(orderID); !ok {
		return nil
	}
	if err := l.store.DeletePendingOrder(ctx, l.userID, orderID); err != nil {
		return storeErr("delete pending order", err)
	}
	l.mu.Lock()
	l.orders = removeOrder(l.orders, orderID)
	l.mu.Unlock()
	l.log.Info("pending order cancelled", "order_id", orderID)
	return nil
}

// FillPendingOrder executes a triggered resting order at price:
// reduce-only orders walk down opposite exposure, others open a position with
// the order's risk parameters armed. The order is removed afterwards.
func (l *Ledger) FillPendingOrder(ctx context.Context, orderID string, price float64) error {
	o, ok := l.pendingOrder(orderID)
	if !ok {
		return invalid("order", "unknown id %s", orderID)
	}

	if o.ReduceOnly {
		if _, err := l.reduceOpposite(ctx, o.Symbol, o.Side, o.Margin, price); err != nil {
			return err
		}
	} else {
		req := OrderRequest{
			Symbol:          o.Symbol,
			Side:            o.Side,
			Type:            model.OrderMarket,
			Amount:          o.Margin,
			Leverage:        o.Leverage,
			TakeProfit:      o.TakeProfit,
			StopLoss:        o.StopLoss,
			TrailingEnabled: o.TrailingEnabled,
			TrailingPercent: o.TrailingPercent,
		}
		if _, err := l.open(ctx, req, price); err != nil {
			return err
		}
	}

	if err := l.store.DeletePendingOrder(ctx, l.userID, orderID); err != nil {
		return storeErr("delete filled order", err)
	}
	l.mu.Lock()
	l.orders = removeOrder(l.orders, orderID)
	l.mu.Unlock()

	l.log.Info("pending order filled",
		"order_id", orderID, "symbol", o.Symbol, "type", o.OrderType,
		"side", o.Side, "price", price, "reduce_only", o.ReduceOnly)
	return nil
}

func (l *Ledger) pendingOrder(id string) (model.PendingOrder, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, o := range l.orders {
		if o.ID == id {
			return o, true
		}
	}
	return model.PendingOrder{}, false
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func finitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

func removePosition(ps []model.Position, id string) []model.Position {
	out := ps[:0]
	for _, p := range ps {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}

func removeOrder(os []model.PendingOrder, id string) []model.PendingOrder {
	out := os[:0]
	for _, o := range os {
		if o.ID != id {
			out = append(out, o)
		}
	}
	return out
}
