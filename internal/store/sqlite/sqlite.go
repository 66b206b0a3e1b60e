// Package sqlite is the durable ledger Store. Every mutation runs in a
// transaction so margin movements, position changes, and trade history
// stay consistent with each other.
package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"perpsim/internal/ledger"
	"perpsim/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite store.
type Config struct {
	DBPath         string  // e.g. "data/perpsim.db"
	InitialBalance float64 // seed balance for new users, USD
}

// Store implements ledger.Store on a single-writer SQLite database.
type Store struct {
	db      *sql.DB
	initial float64
}

var _ ledger.Store = (*Store)(nil)

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens (or creates) the database with WAL mode and the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single-writer connection pool
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db, initial: cfg.InitialBalance}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			balance REAL NOT NULL
		);

		CREATE TABLE IF NOT EXISTS positions (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			symbol            TEXT NOT NULL,
			side              TEXT NOT NULL,
			entry_price       REAL NOT NULL,
			size              REAL NOT NULL,
			margin            REAL NOT NULL,
			leverage          REAL NOT NULL,
			liquidation_price REAL NOT NULL,
			take_profit       REAL NOT NULL DEFAULT 0,
			stop_loss         REAL NOT NULL DEFAULT 0,
			trailing_enabled  INTEGER NOT NULL DEFAULT 0,
			trailing_percent  REAL NOT NULL DEFAULT 0,
			ladder            TEXT,
			created_at        INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_positions_user ON positions (user_id, created_at);

		CREATE TABLE IF NOT EXISTS pending_orders (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			symbol           TEXT NOT NULL,
			order_type       TEXT NOT NULL,
			side             TEXT NOT NULL,
			trigger_price    REAL NOT NULL,
			margin           REAL NOT NULL,
			leverage         REAL NOT NULL,
			take_profit      REAL NOT NULL DEFAULT 0,
			stop_loss        REAL NOT NULL DEFAULT 0,
			trailing_enabled INTEGER NOT NULL DEFAULT 0,
			trailing_percent REAL NOT NULL DEFAULT 0,
			reduce_only      INTEGER NOT NULL DEFAULT 0,
			created_at       INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_orders_user ON pending_orders (user_id, created_at);

		CREATE TABLE IF NOT EXISTS trade_history (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			symbol      TEXT NOT NULL,
			side        TEXT NOT NULL,
			entry_price REAL NOT NULL,
			exit_price  REAL NOT NULL,
			pnl         REAL NOT NULL,
			roi         REAL NOT NULL,
			closed_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_user ON trade_history (user_id, closed_at DESC);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func newID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// ─── Balance ──────────────────────────────────────────────────────────────────

// ensureProfile creates the user's profile row with the seed balance if
// it does not exist, then returns the current balance. Runs inside tx.
func (s *Store) ensureProfile(tx *sql.Tx, userID string) (float64, error) {
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO profiles (user_id, balance) VALUES (?, ?)`,
		userID, s.initial,
	); err != nil {
		return 0, err
	}
	var bal float64
	err := tx.QueryRow(`SELECT balance FROM profiles WHERE user_id = ?`, userID).Scan(&bal)
	return bal, err
}

func (s *Store) Balance(ctx context.Context, userID string) (float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	bal, err := s.ensureProfile(tx, userID)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	return bal, tx.Commit()
}

// ─── Positions ────────────────────────────────────────────────────────────────

func (s *Store) OpenPosition(ctx context.Context, p *model.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	bal, err := s.ensureProfile(tx, p.UserID)
	if err != nil {
		return err
	}
	cost := p.Margin + p.Size*ledger.OpenFeePct
	if cost > bal {
		return fmt.Errorf("balance %.2f below cost %.2f", bal, cost)
	}

	p.ID = newID()
	ladderJSON, err := marshalLadder(p.Ladder)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO positions
			(id, user_id, symbol, side, entry_price, size, margin, leverage,
			 liquidation_price, take_profit, stop_loss, trailing_enabled,
			 trailing_percent, ladder, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Symbol, p.Side, p.EntryPrice, p.Size, p.Margin,
		p.Leverage, p.LiquidationPrice, p.TakeProfit, p.StopLoss,
		boolInt(p.TrailingEnabled), p.TrailingPercent, ladderJSON,
		p.CreatedAt.Unix(),
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE profiles SET balance = balance - ? WHERE user_id = ?`,
		cost, p.UserID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ClosePosition(ctx context.Context, userID, positionID string, exitPrice float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p, err := scanPosition(tx.QueryRow(
		selectPosition+` WHERE id = ? AND user_id = ?`, positionID, userID))
	if err != nil {
		return err
	}

	pnl := p.PnL(exitPrice)
	if _, err := tx.Exec(
		`UPDATE profiles SET balance = balance + ? WHERE user_id = ?`,
		p.Margin+pnl, userID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO trade_history
			(id, user_id, symbol, side, entry_price, exit_price, pnl, roi, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		newID(), userID, p.Symbol, p.Side, p.EntryPrice, exitPrice,
		pnl, p.ROI(exitPrice), time.Now().Unix(),
	); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM positions WHERE id = ?`, positionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ClosePositionPartial(ctx context.Context, userID, positionID string, exitPrice, percent float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p, err := scanPosition(tx.QueryRow(
		selectPosition+` WHERE id = ? AND user_id = ?`, positionID, userID))
	if err != nil {
		return err
	}

	frac := percent / 100
	credit := p.Margin*frac + p.PnL(exitPrice)*frac
	if _, err := tx.Exec(
		`UPDATE profiles SET balance = balance + ? WHERE user_id = ?`,
		credit, userID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE positions SET margin = margin * ?, size = size * ? WHERE id = ?`,
		1-frac, 1-frac, positionID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UpdatePositionRisk(ctx context.Context, userID, positionID string, upd ledger.RiskUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if upd.TakeProfit != nil {
		if _, err := tx.Exec(`UPDATE positions SET take_profit = ? WHERE id = ? AND user_id = ?`,
			*upd.TakeProfit, positionID, userID); err != nil {
			return err
		}
	}
	if upd.StopLoss != nil {
		if _, err := tx.Exec(`UPDATE positions SET stop_loss = ? WHERE id = ? AND user_id = ?`,
			*upd.StopLoss, positionID, userID); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`UPDATE positions SET trailing_enabled = ? WHERE id = ? AND user_id = ?`,
		boolInt(upd.TrailingEnabled), positionID, userID); err != nil {
		return err
	}
	if upd.TrailingPercent != nil {
		if _, err := tx.Exec(`UPDATE positions SET trailing_percent = ? WHERE id = ? AND user_id = ?`,
			*upd.TrailingPercent, positionID, userID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) MarkLadderStepExecuted(ctx context.Context, userID, positionID string, step int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p, err := scanPosition(tx.QueryRow(
		selectPosition+` WHERE id = ? AND user_id = ?`, positionID, userID))
	if err != nil {
		return err
	}
	if step < 0 || step >= len(p.Ladder) {
		return fmt.Errorf("ladder step %d out of range", step)
	}
	p.Ladder[step].Executed = true
	ladderJSON, err := marshalLadder(p.Ladder)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE positions SET ladder = ? WHERE id = ?`,
		ladderJSON, positionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Positions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		selectPosition+` WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ─── Pending orders ───────────────────────────────────────────────────────────

func (s *Store) SavePendingOrder(ctx context.Context, o *model.PendingOrder) error {
	o.ID = newID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_orders
			(id, user_id, symbol, order_type, side, trigger_price, margin,
			 leverage, take_profit, stop_loss, trailing_enabled,
			 trailing_percent, reduce_only, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.Symbol, o.OrderType, o.Side, o.TriggerPrice,
		o.Margin, o.Leverage, o.TakeProfit, o.StopLoss,
		boolInt(o.TrailingEnabled), o.TrailingPercent, boolInt(o.ReduceOnly),
		o.CreatedAt.Unix(),
	)
	return err
}

func (s *Store) DeletePendingOrder(ctx context.Context, userID, orderID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_orders WHERE id = ? AND user_id = ?`, orderID, userID)
	return err
}

func (s *Store) PendingOrders(ctx context.Context, userID string) ([]model.PendingOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, symbol, order_type, side, trigger_price, margin,
		       leverage, take_profit, stop_loss, trailing_enabled,
		       trailing_percent, reduce_only, created_at
		FROM pending_orders WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PendingOrder
	for rows.Next() {
		var (
			o                model.PendingOrder
			trailing, reduce int
			createdAt        int64
		)
		if err := rows.Scan(&o.ID, &o.UserID, &o.Symbol, &o.OrderType, &o.Side,
			&o.TriggerPrice, &o.Margin, &o.Leverage, &o.TakeProfit, &o.StopLoss,
			&trailing, &o.TrailingPercent, &reduce, &createdAt); err != nil {
			return nil, err
		}
		o.TrailingEnabled = trailing != 0
		o.ReduceOnly = reduce != 0
		o.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// ─── History ──────────────────────────────────────────────────────────────────

func (s *Store) History(ctx context.Context, userID string, limit int) ([]model.TradeHistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, symbol, side, entry_price, exit_price, pnl, roi, closed_at
		FROM trade_history WHERE user_id = ?
		ORDER BY closed_at DESC, id LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TradeHistoryEntry
	for rows.Next() {
		var (
			h        model.TradeHistoryEntry
			closedAt int64
		)
		if err := rows.Scan(&h.ID, &h.UserID, &h.Symbol, &h.Side,
			&h.EntryPrice, &h.ExitPrice, &h.PnL, &h.ROI, &closedAt); err != nil {
			return nil, err
		}
		h.ClosedAt = time.Unix(closedAt, 0).UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

// ─── scanning helpers ─────────────────────────────────────────────────────────

const selectPosition = `
	SELECT id, user_id, symbol, side, entry_price, size, margin, leverage,
	       liquidation_price, take_profit, stop_loss, trailing_enabled,
	       trailing_percent, ladder, created_at
	FROM positions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (model.Position, error) {
	var (
		p         model.Position
		trailing  int
		ladder    sql.NullString
		createdAt int64
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &p.Side, &p.EntryPrice,
		&p.Size, &p.Margin, &p.Leverage, &p.LiquidationPrice, &p.TakeProfit,
		&p.StopLoss, &trailing, &p.TrailingPercent, &ladder, &createdAt)
	if err != nil {
		return p, err
	}
	p.TrailingEnabled = trailing != 0
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	if ladder.Valid && ladder.String != "" {
		if err := json.Unmarshal([]byte(ladder.String), &p.Ladder); err != nil {
			return p, fmt.Errorf("decode ladder: %w", err)
		}
	}
	return p, nil
}

func marshalLadder(ladder []model.LadderStep) (string, error) {
	if len(ladder) == 0 {
		return "", nil
	}
	b, err := json.Marshal(ladder)
	if err != nil {
		return "", fmt.Errorf("encode ladder: %w", err)
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
