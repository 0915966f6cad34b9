package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"brokersim/internal/domain"
	"brokersim/internal/fill"
	"brokersim/internal/store"
)

// Settlement is the outcome of applying one fill.
type Settlement struct {
	Requested float64
	Quantity  float64
	Price     float64
	Status    domain.OrderStatus
	Balance   float64

	// Transaction is nil when nothing was executed.
	Transaction *domain.Transaction
}

// Clamped reports whether the executed quantity fell short of the request.
func (s Settlement) Clamped() bool {
	return s.Quantity < s.Requested
}

// settle applies a fill decision to the ledger inside tx. The order is
// updated in place and saved.
func (e *Engine) settle(ctx context.Context, tx store.LedgerTx, o *domain.Order, d fill.Decision, now time.Time) (Settlement, error) {
	user, err := tx.GetUser(ctx, o.UserID)
	if err != nil {
		return Settlement{}, err
	}
	portfolio, err := tx.GetPortfolio(ctx, o.PortfolioID)
	if err != nil {
		return Settlement{}, err
	}
	if portfolio.UserID != o.UserID {
		return Settlement{}, fmt.Errorf("portfolio %s of user %s: %w", o.PortfolioID, o.UserID, store.ErrNotFound)
	}
	if _, err := tx.GetSecurity(ctx, o.SecurityID, o.SecurityType); err != nil {
		return Settlement{}, err
	}

	price := decimal.NewFromFloat(d.Price)
	requested := decimal.NewFromFloat(d.Quantity)
	if remaining := decimal.NewFromFloat(o.RemainingQuantity()); requested.GreaterThan(remaining) {
		requested = remaining
	}

	var holding *domain.Holding
	h, err := tx.GetHolding(ctx, o.PortfolioID, o.SecurityID, o.SecurityType)
	switch {
	case err == nil:
		holding = h
	case !isNotFound(err):
		return Settlement{}, err
	}

	qty := requested
	if o.Side == domain.OrderSideSell {
		held := decimal.Zero
		if holding != nil {
			held = decimal.NewFromFloat(holding.Quantity)
		}
		qty = e.risk.ClampSell(qty, held)
	} else {
		qty = e.risk.ClampBuy(qty, price, decimal.NewFromFloat(user.Balance), o.SecurityType)
	}

	res := Settlement{
		Requested: requested.InexactFloat64(),
		Quantity:  qty.InexactFloat64(),
		Price:     d.Price,
		Balance:   user.Balance,
	}
	prev := o.Status
	recurring := o.SubType.IsRecurring()
	cancelPending := prev == domain.OrderStatusCancelRequested
	o.UpdatedAt = now

	if !qty.IsPositive() {
		reason := "insufficient funds"
		if o.Side == domain.OrderSideSell {
			reason = "insufficient holdings"
		}
		switch {
		case recurring && cancelPending:
			o.Status = domain.OrderStatusCancelled
			o.Msg = "installment skipped: " + reason + "; plan cancelled"
		case cancelPending:
			o.Status = domain.OrderStatusCancelled
			o.Msg = reason + "; cancelled"
		case recurring:
			o.Status = domain.OrderStatusPending
			o.Msg = "installment skipped: " + reason
			at := d.At
			o.LastFilledAt = &at
		default:
			o.Status = domain.OrderStatusRejected
			o.Msg = reason
		}
		res.Quantity = 0
		res.Status = o.Status
		return res, e.saveOrder(ctx, tx, prev, o)
	}

	notional := qty.Mul(price)
	delta := notional.Neg()
	if o.Side == domain.OrderSideSell {
		delta = notional
	}

	txn := &domain.Transaction{
		ID:           uuid.NewString(),
		UserID:       o.UserID,
		OrderID:      o.ID,
		SecurityID:   o.SecurityID,
		SecurityType: o.SecurityType,
		Action:       o.Side,
		TradePrice:   d.Price,
		Quantity:     res.Quantity,
		Timestamp:    d.At,
	}
	if err := tx.AppendTransaction(ctx, txn); err != nil {
		return Settlement{}, err
	}
	balance, err := tx.AdjustBalance(ctx, o.UserID, delta.InexactFloat64())
	if err != nil {
		return Settlement{}, err
	}
	if err := e.applyHolding(ctx, tx, o, holding, qty, price, now); err != nil {
		return Settlement{}, err
	}

	prevFilled := decimal.NewFromFloat(o.FilledQuantity)
	filled := prevFilled.Add(qty)
	avg := prevFilled.Mul(decimal.NewFromFloat(o.AverageFillPrice)).Add(notional).Div(filled)
	o.FilledQuantity = filled.InexactFloat64()
	o.AverageFillPrice = avg.Round(pricePlaces).InexactFloat64()
	at := d.At
	o.LastFilledAt = &at

	clamped := qty.LessThan(requested)
	switch {
	case recurring && cancelPending:
		o.Status = domain.OrderStatusCancelled
		o.Msg = "final installment settled; plan cancelled"
	case recurring && !o.OpenEnded() && !decimal.NewFromFloat(o.Quantity).Sub(filled).IsPositive():
		o.Status = domain.OrderStatusFilled
		o.Msg = "plan completed"
	case recurring:
		o.Status = domain.OrderStatusPending
		o.Msg = fmt.Sprintf("installment of %s settled", qty.String())
	case clamped:
		o.Status = domain.OrderStatusPartiallyFilled
		o.Msg = fmt.Sprintf("partially filled %s of %s", qty.String(), requested.String())
	default:
		o.Status = domain.OrderStatusFilled
		o.Msg = ""
	}

	res.Status = o.Status
	res.Balance = balance
	res.Transaction = txn
	return res, e.saveOrder(ctx, tx, prev, o)
}

// pricePlaces is the precision kept for average prices.
const pricePlaces = 8

// applyHolding updates the position after a fill. Buys re-average the cost
// basis; sells keep it and delete the holding once it is exhausted.
func (e *Engine) applyHolding(ctx context.Context, tx store.LedgerTx, o *domain.Order, h *domain.Holding, qty, price decimal.Decimal, now time.Time) error {
	oldQty, oldAvg := decimal.Zero, decimal.Zero
	if h != nil {
		oldQty = decimal.NewFromFloat(h.Quantity)
		oldAvg = decimal.NewFromFloat(h.AveragePrice)
	}

	if o.Side == domain.OrderSideSell {
		left := oldQty.Sub(qty)
		if !left.IsPositive() {
			return tx.DeleteHolding(ctx, o.PortfolioID, o.SecurityID, o.SecurityType)
		}
		return tx.UpsertHolding(ctx, &domain.Holding{
			PortfolioID:  o.PortfolioID,
			SecurityID:   o.SecurityID,
			SecurityType: o.SecurityType,
			Quantity:     left.InexactFloat64(),
			AveragePrice: oldAvg.InexactFloat64(),
			UpdatedAt:    now,
		})
	}

	total := oldQty.Add(qty)
	avg := oldQty.Mul(oldAvg).Add(qty.Mul(price)).Div(total)
	return tx.UpsertHolding(ctx, &domain.Holding{
		PortfolioID:  o.PortfolioID,
		SecurityID:   o.SecurityID,
		SecurityType: o.SecurityType,
		Quantity:     total.InexactFloat64(),
		AveragePrice: avg.Round(pricePlaces).InexactFloat64(),
		UpdatedAt:    now,
	})
}

func (e *Engine) saveOrder(ctx context.Context, tx store.LedgerTx, prev domain.OrderStatus, o *domain.Order) error {
	if err := domain.ValidateTransition(prev, o.Status); err != nil {
		return fmt.Errorf("order %s: %w", o.ID, err)
	}
	return tx.SaveOrder(ctx, o)
}
