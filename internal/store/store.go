// Package store defines storage interfaces for the simulator's price
// history, order book and account ledger, together with SQLite, Parquet and
// in-memory implementations.
package store

import (
	"context"
	"errors"
	"time"

	"brokersim/internal/domain"
)

var (
	// ErrNotFound is returned when a user, portfolio, order, security or
	// holding does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds is returned when a balance adjustment would leave
	// the account negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// PriceStore persists and retrieves OHLCV price points.
type PriceStore interface {
	// WritePricePoints persists a batch of points, replacing any existing
	// point with the same security, granularity and timestamp.
	WritePricePoints(ctx context.Context, points []domain.PricePoint) error

	// PricePoints returns the points used to evaluate orders on the security,
	// ascending by timestamp, within [since, until].
	PricePoints(ctx context.Context, securityID string, securityType domain.SecurityType, since, until time.Time) ([]domain.PricePoint, error)

	// LatestPoint returns the most recent point at or before asOf, or nil
	// when there is none.
	LatestPoint(ctx context.Context, securityID string, securityType domain.SecurityType, asOf time.Time) (*domain.PricePoint, error)
}

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// InsertOrder adds a new order.
	InsertOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// SaveOrder persists changes to an existing order.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// FindPendingOrders returns orders awaiting fulfillment (pending or
	// cancel-requested), oldest placement first.
	FindPendingOrders(ctx context.Context) ([]domain.Order, error)

	// ListOrders returns a user's orders, optionally filtered by status
	// (empty status matches all), newest first.
	ListOrders(ctx context.Context, userID string, status domain.OrderStatus) ([]domain.Order, error)
}

// LedgerTx is the set of account operations available inside one ledger
// transaction. Every method is scoped to a single user or security.
type LedgerTx interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	GetPortfolio(ctx context.Context, portfolioID string) (*domain.Portfolio, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	GetSecurity(ctx context.Context, securityID string, securityType domain.SecurityType) (*domain.Security, error)

	// GetHolding returns ErrNotFound when the portfolio holds none of the
	// security.
	GetHolding(ctx context.Context, portfolioID, securityID string, securityType domain.SecurityType) (*domain.Holding, error)
	UpsertHolding(ctx context.Context, h *domain.Holding) error
	DeleteHolding(ctx context.Context, portfolioID, securityID string, securityType domain.SecurityType) error

	// AdjustBalance adds delta to the user's balance and returns the new
	// balance. It fails with ErrInsufficientFunds rather than go negative.
	AdjustBalance(ctx context.Context, userID string, delta float64) (float64, error)
	AppendTransaction(ctx context.Context, txn *domain.Transaction) error
	SaveOrder(ctx context.Context, order *domain.Order) error
}

// Ledger runs account mutations atomically. If fn returns an error every
// change made through the LedgerTx is discarded.
type Ledger interface {
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// AccountStore manages the reference records the ledger operates on.
type AccountStore interface {
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	CreatePortfolio(ctx context.Context, p *domain.Portfolio) error
	PutSecurity(ctx context.Context, s *domain.Security) error
	ListHoldings(ctx context.Context, portfolioID string) ([]domain.Holding, error)
	ListTransactions(ctx context.Context, userID string) ([]domain.Transaction, error)
}
