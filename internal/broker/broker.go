// Package broker is the order desk in front of the fulfillment engine. It
// validates and records new orders and cancellation requests; fills happen
// later, in a fulfillment pass.
package broker

import (
	"context"
	"errors"

	"brokersim/internal/domain"
)

var (
	// ErrInvalidOrder is returned when an order violates the placement
	// rules of its subtype.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrNotCancellable is returned for cancellation of an order that is
	// already terminal.
	ErrNotCancellable = errors.New("order not cancellable")
)

// Broker abstracts order entry and account queries.
type Broker interface {
	// Name returns the broker identifier.
	Name() string

	// SubmitOrder validates and records a new pending order.
	SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)

	// CancelOrder requests cancellation of an open order by its ID. The
	// next fulfillment pass settles the request.
	CancelOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// GetOrder returns an order by its ID.
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// GetPositions returns the holdings of a portfolio.
	GetPositions(ctx context.Context, portfolioID string) ([]domain.Holding, error)

	// GetAccount returns the user record including the cash balance.
	GetAccount(ctx context.Context, userID string) (*domain.User, error)
}
