package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"brokersim/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderStore = (*SQLiteStore)(nil)
var _ Ledger = (*SQLiteStore)(nil)
var _ AccountStore = (*SQLiteStore)(nil)
var _ LedgerTx = (*sqliteTx)(nil)

// balancePlaces bounds the precision balances are stored with.
const balancePlaces = 8

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	user_name  TEXT NOT NULL DEFAULT '',
	name       TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL DEFAULT '',
	balance    REAL NOT NULL DEFAULT 100000
);

CREATE TABLE IF NOT EXISTS portfolios (
	id      TEXT PRIMARY KEY,
	user_id TEXT NOT NULL UNIQUE REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS securities (
	id     TEXT NOT NULL,
	type   TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	name   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (id, type)
);

CREATE TABLE IF NOT EXISTS holdings (
	portfolio_id  TEXT NOT NULL REFERENCES portfolios(id),
	security_id   TEXT NOT NULL,
	security_type TEXT NOT NULL,
	quantity      REAL NOT NULL CHECK (quantity > 0),
	average_price REAL NOT NULL CHECK (average_price >= 0),
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (portfolio_id, security_id, security_type)
);

CREATE TABLE IF NOT EXISTS orders (
	id                   TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL,
	portfolio_id         TEXT NOT NULL,
	security_id          TEXT NOT NULL,
	security_type        TEXT NOT NULL,
	side                 TEXT NOT NULL,
	sub_type             TEXT NOT NULL,
	quantity             REAL NOT NULL,
	price                REAL NOT NULL DEFAULT 0,
	limit_price          REAL NOT NULL DEFAULT 0,
	stop_price           REAL NOT NULL DEFAULT 0,
	take_profit_price    REAL NOT NULL DEFAULT 0,
	time_in_force        TEXT NOT NULL DEFAULT 'DAY',
	frequency            TEXT NOT NULL DEFAULT '',
	installment_quantity REAL NOT NULL DEFAULT 0,
	status               TEXT NOT NULL DEFAULT 'PENDING',
	filled_quantity      REAL NOT NULL DEFAULT 0,
	average_fill_price   REAL NOT NULL DEFAULT 0,
	msg                  TEXT NOT NULL DEFAULT '',
	placed_at            INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL,
	last_filled_at       INTEGER,
	triggered_at         INTEGER
);

CREATE INDEX IF NOT EXISTS idx_orders_status_placed ON orders (status, placed_at);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id, placed_at);

CREATE TABLE IF NOT EXISTS transactions (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	order_id      TEXT NOT NULL,
	security_id   TEXT NOT NULL,
	security_type TEXT NOT NULL,
	action        TEXT NOT NULL,
	trade_price   REAL NOT NULL,
	quantity      REAL NOT NULL,
	ts            INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions (user_id, ts);
`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements OrderStore, Ledger and AccountStore backed by a
// SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers; settlement transactions never
	// interleave.
	db.SetMaxOpenConns(1)

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

// WithinTx runs fn inside a database transaction, committing when fn
// returns nil and rolling back otherwise.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&sqliteTx{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// InsertOrder adds a new order row.
func (s *SQLiteStore) InsertOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, user_id, portfolio_id, security_id, security_type, side, sub_type,
			quantity, price, limit_price, stop_price, take_profit_price,
			time_in_force, frequency, installment_quantity,
			status, filled_quantity, average_fill_price, msg,
			placed_at, updated_at, last_filled_at, triggered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.PortfolioID, o.SecurityID, string(o.SecurityType), string(o.Side), string(o.SubType),
		o.Quantity, o.Price, o.LimitPrice, o.StopPrice, o.TakeProfitPrice,
		string(o.TimeInForce), string(o.Frequency), o.InstallmentQuantity,
		string(o.Status), o.FilledQuantity, o.AverageFillPrice, o.Msg,
		o.PlacedAt.UnixMilli(), o.UpdatedAt.UnixMilli(), nullableMillis(o.LastFilledAt), nullableMillis(o.TriggeredAt),
	)
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, s.db, id)
}

// SaveOrder persists changes to an existing order.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	return saveOrder(ctx, s.db, o)
}

// FindPendingOrders returns pending and cancel-requested orders in placement
// order.
func (s *SQLiteStore) FindPendingOrders(ctx context.Context) ([]domain.Order, error) {
	return queryOrders(ctx, s.db,
		`SELECT `+orderColumns+` FROM orders WHERE status IN (?, ?) ORDER BY placed_at ASC, id ASC`,
		string(domain.OrderStatusPending), string(domain.OrderStatusCancelRequested))
}

// ListOrders returns a user's orders, newest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, userID string, status domain.OrderStatus) ([]domain.Order, error) {
	if status == "" {
		return queryOrders(ctx, s.db,
			`SELECT `+orderColumns+` FROM orders WHERE user_id = ? ORDER BY placed_at DESC, id DESC`, userID)
	}
	return queryOrders(ctx, s.db,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = ? AND status = ? ORDER BY placed_at DESC, id DESC`,
		userID, string(status))
}

// ---------------------------------------------------------------------------
// AccountStore implementation
// ---------------------------------------------------------------------------

// CreateUser inserts a user with its opening balance.
func (s *SQLiteStore) CreateUser(ctx context.Context, u *domain.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, user_name, name, email, balance) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.UserName, u.Name, u.Email, u.Balance)
	if err != nil {
		return fmt.Errorf("inserting user %s: %w", u.ID, err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return getUser(ctx, s.db, userID)
}

// CreatePortfolio inserts a portfolio for an existing user.
func (s *SQLiteStore) CreatePortfolio(ctx context.Context, p *domain.Portfolio) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO portfolios (id, user_id) VALUES (?, ?)`, p.ID, p.UserID)
	if err != nil {
		return fmt.Errorf("inserting portfolio %s: %w", p.ID, err)
	}
	return nil
}

// PutSecurity inserts or replaces a security record.
func (s *SQLiteStore) PutSecurity(ctx context.Context, sec *domain.Security) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO securities (id, type, symbol, name) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id, type) DO UPDATE SET symbol = excluded.symbol, name = excluded.name`,
		sec.ID, string(sec.Type), sec.Symbol, sec.Name)
	if err != nil {
		return fmt.Errorf("upserting security %s: %w", sec.ID, err)
	}
	return nil
}

// ListHoldings returns every holding in a portfolio.
func (s *SQLiteStore) ListHoldings(ctx context.Context, portfolioID string) ([]domain.Holding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT portfolio_id, security_id, security_type, quantity, average_price, updated_at
		 FROM holdings WHERE portfolio_id = ? ORDER BY security_type, security_id`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// ListTransactions returns a user's ledger entries in time order.
func (s *SQLiteStore) ListTransactions(ctx context.Context, userID string) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, order_id, security_id, security_type, action, trade_price, quantity, ts
		 FROM transactions WHERE user_id = ? ORDER BY ts ASC, id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var (
			t       domain.Transaction
			secType string
			action  string
			ts      int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.OrderID, &t.SecurityID, &secType, &action, &t.TradePrice, &t.Quantity, &ts); err != nil {
			return nil, err
		}
		t.SecurityType = domain.SecurityType(secType)
		t.Action = domain.OrderSide(action)
		t.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// LedgerTx implementation
// ---------------------------------------------------------------------------

type sqliteTx struct {
	q querier
}

func (t *sqliteTx) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return getUser(ctx, t.q, userID)
}

func (t *sqliteTx) GetPortfolio(ctx context.Context, portfolioID string) (*domain.Portfolio, error) {
	var p domain.Portfolio
	err := t.q.QueryRowContext(ctx, `SELECT id, user_id FROM portfolios WHERE id = ?`, portfolioID).Scan(&p.ID, &p.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("portfolio %s: %w", portfolioID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *sqliteTx) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return getOrder(ctx, t.q, orderID)
}

func (t *sqliteTx) GetSecurity(ctx context.Context, securityID string, securityType domain.SecurityType) (*domain.Security, error) {
	var (
		sec     domain.Security
		secType string
	)
	err := t.q.QueryRowContext(ctx,
		`SELECT id, type, symbol, name FROM securities WHERE id = ? AND type = ?`,
		securityID, string(securityType)).Scan(&sec.ID, &secType, &sec.Symbol, &sec.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("security %s/%s: %w", securityType, securityID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	sec.Type = domain.SecurityType(secType)
	return &sec, nil
}

func (t *sqliteTx) GetHolding(ctx context.Context, portfolioID, securityID string, securityType domain.SecurityType) (*domain.Holding, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT portfolio_id, security_id, security_type, quantity, average_price, updated_at
		 FROM holdings WHERE portfolio_id = ? AND security_id = ? AND security_type = ?`,
		portfolioID, securityID, string(securityType))
	h, err := scanHolding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("holding %s/%s: %w", portfolioID, securityID, ErrNotFound)
	}
	return h, err
}

func (t *sqliteTx) UpsertHolding(ctx context.Context, h *domain.Holding) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO holdings (portfolio_id, security_id, security_type, quantity, average_price, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (portfolio_id, security_id, security_type)
		 DO UPDATE SET quantity = excluded.quantity, average_price = excluded.average_price, updated_at = excluded.updated_at`,
		h.PortfolioID, h.SecurityID, string(h.SecurityType), h.Quantity, h.AveragePrice, h.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upserting holding %s/%s: %w", h.PortfolioID, h.SecurityID, err)
	}
	return nil
}

func (t *sqliteTx) DeleteHolding(ctx context.Context, portfolioID, securityID string, securityType domain.SecurityType) error {
	_, err := t.q.ExecContext(ctx,
		`DELETE FROM holdings WHERE portfolio_id = ? AND security_id = ? AND security_type = ?`,
		portfolioID, securityID, string(securityType))
	if err != nil {
		return fmt.Errorf("deleting holding %s/%s: %w", portfolioID, securityID, err)
	}
	return nil
}

func (t *sqliteTx) AdjustBalance(ctx context.Context, userID string, delta float64) (float64, error) {
	u, err := getUser(ctx, t.q, userID)
	if err != nil {
		return 0, err
	}
	next, err := applyDelta(u.Balance, delta)
	if err != nil {
		return 0, fmt.Errorf("user %s: %w", userID, err)
	}
	if _, err := t.q.ExecContext(ctx, `UPDATE users SET balance = ? WHERE id = ?`, next, userID); err != nil {
		return 0, fmt.Errorf("updating balance for %s: %w", userID, err)
	}
	return next, nil
}

func (t *sqliteTx) AppendTransaction(ctx context.Context, txn *domain.Transaction) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO transactions (id, user_id, order_id, security_id, security_type, action, trade_price, quantity, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.UserID, txn.OrderID, txn.SecurityID, string(txn.SecurityType), string(txn.Action),
		txn.TradePrice, txn.Quantity, txn.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("appending transaction %s: %w", txn.ID, err)
	}
	return nil
}

func (t *sqliteTx) SaveOrder(ctx context.Context, o *domain.Order) error {
	return saveOrder(ctx, t.q, o)
}

// ---------------------------------------------------------------------------
// Row helpers
// ---------------------------------------------------------------------------

const orderColumns = `id, user_id, portfolio_id, security_id, security_type, side, sub_type,
	quantity, price, limit_price, stop_price, take_profit_price,
	time_in_force, frequency, installment_quantity,
	status, filled_quantity, average_fill_price, msg,
	placed_at, updated_at, last_filled_at, triggered_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (*domain.Order, error) {
	var (
		o                                         domain.Order
		secType, side, subType, tif, freq, status string
		placedAt, updatedAt                       int64
		lastFilledAt, triggeredAt                 sql.NullInt64
	)
	err := sc.Scan(
		&o.ID, &o.UserID, &o.PortfolioID, &o.SecurityID, &secType, &side, &subType,
		&o.Quantity, &o.Price, &o.LimitPrice, &o.StopPrice, &o.TakeProfitPrice,
		&tif, &freq, &o.InstallmentQuantity,
		&status, &o.FilledQuantity, &o.AverageFillPrice, &o.Msg,
		&placedAt, &updatedAt, &lastFilledAt, &triggeredAt,
	)
	if err != nil {
		return nil, err
	}
	o.SecurityType = domain.SecurityType(secType)
	o.Side = domain.OrderSide(side)
	o.SubType = domain.OrderSubType(subType)
	o.TimeInForce = domain.TimeInForce(tif)
	o.Frequency = domain.Frequency(freq)
	o.Status = domain.OrderStatus(status)
	o.PlacedAt = time.UnixMilli(placedAt).UTC()
	o.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	o.LastFilledAt = timeFromNullable(lastFilledAt)
	o.TriggeredAt = timeFromNullable(triggeredAt)
	return &o, nil
}

func getOrder(ctx context.Context, q querier, id string) (*domain.Order, error) {
	row := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o, err
}

func queryOrders(ctx context.Context, q querier, query string, args ...any) ([]domain.Order, error) {
	rows, err := q.QueryContext(ctx, query, args...)
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

func saveOrder(ctx context.Context, q querier, o *domain.Order) error {
	res, err := q.ExecContext(ctx, `
		UPDATE orders SET
			sub_type = ?, status = ?, filled_quantity = ?, average_fill_price = ?, msg = ?,
			updated_at = ?, last_filled_at = ?, triggered_at = ?
		WHERE id = ?`,
		string(o.SubType), string(o.Status), o.FilledQuantity, o.AverageFillPrice, o.Msg,
		o.UpdatedAt.UnixMilli(), nullableMillis(o.LastFilledAt), nullableMillis(o.TriggeredAt),
		o.ID,
	)
	if err != nil {
		return fmt.Errorf("saving order %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

func getUser(ctx context.Context, q querier, userID string) (*domain.User, error) {
	var u domain.User
	err := q.QueryRowContext(ctx,
		`SELECT id, user_name, name, email, balance FROM users WHERE id = ?`, userID).
		Scan(&u.ID, &u.UserName, &u.Name, &u.Email, &u.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanHolding(sc scanner) (*domain.Holding, error) {
	var (
		h         domain.Holding
		secType   string
		updatedAt int64
	)
	if err := sc.Scan(&h.PortfolioID, &h.SecurityID, &secType, &h.Quantity, &h.AveragePrice, &updatedAt); err != nil {
		return nil, err
	}
	h.SecurityType = domain.SecurityType(secType)
	h.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &h, nil
}

// applyDelta adds delta to balance in decimal arithmetic and refuses to go
// negative.
func applyDelta(balance, delta float64) (float64, error) {
	next := decimal.NewFromFloat(balance).Add(decimal.NewFromFloat(delta)).Round(balancePlaces)
	if next.IsNegative() {
		return 0, ErrInsufficientFunds
	}
	return next.InexactFloat64(), nil
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeFromNullable(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
