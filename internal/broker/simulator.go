package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"brokersim/internal/domain"
	"brokersim/internal/store"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker records orders in the simulator's stores without any
// external calls.
type SimulatorBroker struct {
	orders   store.OrderStore
	ledger   store.Ledger
	accounts store.AccountStore
	now      func() time.Time
	logger   *slog.Logger
}

// NewSimulatorBroker creates a SimulatorBroker over the given stores.
func NewSimulatorBroker(orders store.OrderStore, ledger store.Ledger, accounts store.AccountStore, logger *slog.Logger) *SimulatorBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SimulatorBroker{
		orders:   orders,
		ledger:   ledger,
		accounts: accounts,
		now:      time.Now,
		logger:   logger,
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SubmitOrder checks the order against its subtype's placement rules and the
// referenced user, portfolio and security, then inserts it as PENDING. An
// empty ID is assigned a UUID.
func (b *SimulatorBroker) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	o := *order
	if err := Validate(&o); err != nil {
		return nil, err
	}

	err := b.ledger.WithinTx(ctx, func(tx store.LedgerTx) error {
		if _, err := tx.GetUser(ctx, o.UserID); err != nil {
			return fmt.Errorf("user %s: %w", o.UserID, err)
		}
		p, err := tx.GetPortfolio(ctx, o.PortfolioID)
		if err != nil {
			return fmt.Errorf("portfolio %s: %w", o.PortfolioID, err)
		}
		if p.UserID != o.UserID {
			return fmt.Errorf("%w: portfolio %s does not belong to user %s", ErrInvalidOrder, o.PortfolioID, o.UserID)
		}
		if _, err := tx.GetSecurity(ctx, o.SecurityID, o.SecurityType); err != nil {
			return fmt.Errorf("security %s/%s: %w", o.SecurityType, o.SecurityID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := b.now()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.Status = domain.OrderStatusPending
	o.FilledQuantity = 0
	o.AverageFillPrice = 0
	o.Msg = ""
	o.PlacedAt = now
	o.UpdatedAt = now
	o.LastFilledAt = nil
	o.TriggeredAt = nil
	if err := b.orders.InsertOrder(ctx, &o); err != nil {
		return nil, fmt.Errorf("inserting order: %w", err)
	}
	b.logger.Info("order placed",
		"order", o.ID, "user", o.UserID, "security", o.SecurityID,
		"side", o.Side, "subtype", o.SubType, "quantity", o.Quantity,
	)
	return &o, nil
}

// CancelOrder marks an open order CANCEL_REQUESTED as of now. Requesting
// again is a no-op.
func (b *SimulatorBroker) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var out *domain.Order
	err := b.ledger.WithinTx(ctx, func(tx store.LedgerTx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		switch {
		case o.Status == domain.OrderStatusCancelRequested:
			out = o
			return nil
		case o.Status.IsTerminal():
			return fmt.Errorf("%w: %s is %s", ErrNotCancellable, orderID, o.Status)
		}
		if err := domain.ValidateTransition(o.Status, domain.OrderStatusCancelRequested); err != nil {
			return fmt.Errorf("%w: %v", ErrNotCancellable, err)
		}
		o.Status = domain.OrderStatusCancelRequested
		o.UpdatedAt = b.now()
		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.logger.Info("order cancel requested", "order", orderID, "at", out.UpdatedAt)
	return out, nil
}

// GetOrder returns an order by its ID.
func (b *SimulatorBroker) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return b.orders.GetOrder(ctx, orderID)
}

// GetPositions returns the holdings of a portfolio.
func (b *SimulatorBroker) GetPositions(ctx context.Context, portfolioID string) ([]domain.Holding, error) {
	return b.accounts.ListHoldings(ctx, portfolioID)
}

// GetAccount returns the user record.
func (b *SimulatorBroker) GetAccount(ctx context.Context, userID string) (*domain.User, error) {
	return b.accounts.GetUser(ctx, userID)
}
