// Package fill decides whether pending orders execute against price
// history. Evaluators are pure: they read an Intent and a Market view and
// return a Decision without touching storage.
package fill

import (
	"time"

	"brokersim/internal/domain"
)

// Intent is the immutable evaluation view of an order.
type Intent struct {
	OrderID      string
	SecurityID   string
	SecurityType domain.SecurityType
	Side         domain.OrderSide
	SubType      domain.OrderSubType
	TimeInForce  domain.TimeInForce

	// Quantity is the requested total; Remaining is what is still unfilled.
	Quantity  float64
	Remaining float64

	Price           float64
	LimitPrice      float64
	StopPrice       float64
	TakeProfitPrice float64

	Frequency           domain.Frequency
	InstallmentQuantity float64

	PlacedAt     time.Time
	LastFilledAt *time.Time
	TriggeredAt  *time.Time

	// CancelAt is set when the order carries a pending cancel request.
	CancelAt *time.Time
}

// IntentFromOrder builds the evaluation view of an order.
func IntentFromOrder(o *domain.Order) Intent {
	in := Intent{
		OrderID:             o.ID,
		SecurityID:          o.SecurityID,
		SecurityType:        o.SecurityType,
		Side:                o.Side,
		SubType:             o.SubType,
		TimeInForce:         o.TimeInForce,
		Quantity:            o.Quantity,
		Remaining:           o.RemainingQuantity(),
		Price:               o.Price,
		LimitPrice:          o.LimitPrice,
		StopPrice:           o.StopPrice,
		TakeProfitPrice:     o.TakeProfitPrice,
		Frequency:           o.Frequency,
		InstallmentQuantity: o.InstallmentQuantity,
		PlacedAt:            o.PlacedAt,
		LastFilledAt:        copyTime(o.LastFilledAt),
		TriggeredAt:         copyTime(o.TriggeredAt),
	}
	if at, ok := o.CancelRequestedAt(); ok {
		in.CancelAt = &at
	}
	return in
}

// Since is the earliest instant whose price points may trigger the order:
// the placement time, the stop trigger for a converted stop-limit, or the
// last fill of a partially filled order. Points at the last fill itself are
// excluded by Settled.
func (in Intent) Since() time.Time {
	since := in.PlacedAt
	if in.TriggeredAt != nil && in.TriggeredAt.After(since) {
		since = *in.TriggeredAt
	}
	if !in.SubType.IsRecurring() && in.LastFilledAt != nil && in.LastFilledAt.After(since) {
		since = *in.LastFilledAt
	}
	return since
}

// Settled reports whether a point at t was already consumed by an earlier
// fill of this order. Recurring plans track installments separately.
func (in Intent) Settled(t time.Time) bool {
	return !in.SubType.IsRecurring() && in.LastFilledAt != nil && !t.After(*in.LastFilledAt)
}

// Cutoff is the latest instant whose price points may trigger the order.
// Points after a cancel request are never eligible.
func (in Intent) Cutoff(now time.Time) time.Time {
	if in.CancelAt != nil && in.CancelAt.Before(now) {
		return *in.CancelAt
	}
	return now
}

// InstallmentSize is the quantity one recurring installment asks for,
// never more than what remains of the plan. Open-ended plans buy or sell
// Quantity every installment.
func (in Intent) InstallmentSize() float64 {
	q := in.InstallmentQuantity
	if q <= 0 {
		q = in.Quantity
	}
	if q > in.Remaining {
		q = in.Remaining
	}
	return q
}

// ConvertToLimit returns the limit intent a triggered stop-limit becomes.
func (in Intent) ConvertToLimit(triggeredAt time.Time) Intent {
	next := in
	next.SubType = domain.OrderSubTypeLimit
	next.TriggeredAt = &triggeredAt
	return next
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
