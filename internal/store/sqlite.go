package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"meridian/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id             TEXT PRIMARY KEY,
	signal_id      TEXT NOT NULL,
	position_id    TEXT NOT NULL DEFAULT '',
	symbol         TEXT NOT NULL,
	exchange       TEXT NOT NULL DEFAULT '',
	side           TEXT NOT NULL,
	order_type     TEXT NOT NULL,
	product        TEXT NOT NULL,
	quantity       INTEGER NOT NULL,
	price          REAL NOT NULL DEFAULT 0,
	trigger_price  REAL NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	filled_qty     INTEGER NOT NULL DEFAULT 0,
	avg_fill_price REAL NOT NULL DEFAULT 0,
	role           TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	seq            INTEGER NOT NULL DEFAULT 0,
	broker_id      TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS trades (
	id        TEXT PRIMARY KEY,
	order_id  TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	quantity  INTEGER NOT NULL,
	price     REAL NOT NULL,
	filled_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id);

CREATE TABLE IF NOT EXISTS positions (
	id              TEXT PRIMARY KEY,
	signal_id       TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	exchange        TEXT NOT NULL DEFAULT '',
	side            TEXT NOT NULL,
	net_qty         INTEGER NOT NULL DEFAULT 0,
	avg_price       REAL NOT NULL DEFAULT 0,
	realized_pnl    REAL NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	entry_order_id  TEXT NOT NULL,
	stop_order_id   TEXT NOT NULL DEFAULT '',
	target_order_id TEXT NOT NULL DEFAULT '',
	closed_reason   TEXT NOT NULL DEFAULT '',
	high_water      REAL NOT NULL DEFAULT 0,
	quarantined     INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	closed_at       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts or replaces the order row. The full row is rewritten on
// every lifecycle change; orders are small and mutation is infrequent.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders (
			id, signal_id, position_id, symbol, exchange, side, order_type,
			product, quantity, price, trigger_price, status, filled_qty,
			avg_fill_price, role, reason, seq, broker_id, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.SignalID, o.PositionID, o.Symbol, o.Exchange, string(o.Side),
		string(o.Type), string(o.Product), o.Quantity, o.Price, o.TriggerPrice,
		string(o.Status), o.FilledQty, o.AvgFillPrice, string(o.Role), o.Reason,
		o.Seq, o.BrokerID, formatTime(o.CreatedAt), formatTime(o.UpdatedAt))
	return err
}

// GetOrder retrieves a single order by its ID. A missing row returns
// domain.ErrUnknownOrder.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, signal_id, position_id, symbol, exchange, side, order_type,
		       product, quantity, price, trigger_price, status, filled_qty,
		       avg_fill_price, role, reason, seq, broker_id, created_at, updated_at
		FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnknownOrder
	}
	return o, err
}

// ListOrders returns all orders matching the given status; an empty status
// returns every order.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	q := `SELECT id, signal_id, position_id, symbol, exchange, side, order_type,
	             product, quantity, price, trigger_price, status, filled_qty,
	             avg_fill_price, role, reason, seq, broker_id, created_at, updated_at
	      FROM orders`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// rowScanner lets scanOrder work against both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*domain.Order, error) {
	var o domain.Order
	var side, typ, product, status, role, createdAt, updatedAt string
	err := r.Scan(&o.ID, &o.SignalID, &o.PositionID, &o.Symbol, &o.Exchange,
		&side, &typ, &product, &o.Quantity, &o.Price, &o.TriggerPrice,
		&status, &o.FilledQty, &o.AvgFillPrice, &role, &o.Reason, &o.Seq,
		&o.BrokerID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(typ)
	o.Product = domain.Product(product)
	o.Status = domain.OrderStatus(status)
	o.Role = domain.OrderRole(role)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return &o, nil
}

// ---------------------------------------------------------------------------
// TradeStore implementation
// ---------------------------------------------------------------------------

// SaveTrade appends one execution. Trades are append-only; re-saving the same
// trade ID is a no-op, keeping restore idempotent.
func (s *SQLiteStore) SaveTrade(ctx context.Context, t *domain.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades (id, order_id, seq, quantity, price, filled_at)
		VALUES (?,?,?,?,?,?)`,
		t.ID, t.OrderID, t.Seq, t.Quantity, t.Price, formatTime(t.FilledAt))
	return err
}

// ListTrades returns the executions recorded against an order in ledger
// sequence order. An empty order ID returns every trade.
func (s *SQLiteStore) ListTrades(ctx context.Context, orderID string) ([]domain.Trade, error) {
	q := `SELECT id, order_id, seq, quantity, price, filled_at FROM trades`
	args := []any{}
	if orderID != "" {
		q += ` WHERE order_id = ?`
		args = append(args, orderID)
	}
	q += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var filledAt string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Seq, &t.Quantity, &t.Price, &filledAt); err != nil {
			return nil, err
		}
		t.FilledAt = parseTime(filledAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// SavePosition inserts or replaces the position row.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *domain.Position) error {
	quarantined := 0
	if p.Quarantined {
		quarantined = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO positions (
			id, signal_id, symbol, exchange, side, net_qty, avg_price,
			realized_pnl, status, entry_order_id, stop_order_id,
			target_order_id, closed_reason, high_water, quarantined,
			created_at, updated_at, closed_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.SignalID, p.Symbol, p.Exchange, string(p.Side), p.NetQty,
		p.AvgPrice, p.RealizedPnL, string(p.Status), p.EntryOrderID,
		p.StopLossOrderID, p.TargetOrderID, string(p.ClosedReason),
		p.HighWater, quarantined, formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt), formatTime(p.ClosedAt))
	return err
}

// GetPosition retrieves a position by its ID. A missing row returns
// domain.ErrUnknownPosition.
func (s *SQLiteStore) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx, positionSelect+` WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnknownPosition
	}
	return p, err
}

// ListPositions returns positions matching the given status; an empty status
// returns every position.
func (s *SQLiteStore) ListPositions(ctx context.Context, status domain.PositionStatus) ([]domain.Position, error) {
	q := positionSelect
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

const positionSelect = `
	SELECT id, signal_id, symbol, exchange, side, net_qty, avg_price,
	       realized_pnl, status, entry_order_id, stop_order_id,
	       target_order_id, closed_reason, high_water, quarantined,
	       created_at, updated_at, closed_at
	FROM positions`

func scanPosition(r rowScanner) (*domain.Position, error) {
	var p domain.Position
	var side, status, reason, createdAt, updatedAt, closedAt string
	var quarantined int
	err := r.Scan(&p.ID, &p.SignalID, &p.Symbol, &p.Exchange, &side, &p.NetQty,
		&p.AvgPrice, &p.RealizedPnL, &status, &p.EntryOrderID,
		&p.StopLossOrderID, &p.TargetOrderID, &reason, &p.HighWater,
		&quarantined, &createdAt, &updatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	p.ClosedReason = domain.CloseReason(reason)
	p.Quarantined = quarantined != 0
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.ClosedAt = parseTime(closedAt)
	return &p, nil
}

// ---------------------------------------------------------------------------
// Time encoding
// ---------------------------------------------------------------------------

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
