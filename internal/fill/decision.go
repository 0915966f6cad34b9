package fill

import (
	"fmt"
	"time"

	"brokersim/internal/domain"
)

// Kind is the outcome class of an evaluation.
type Kind int

const (
	// Defer leaves the order untouched until the next pass.
	Defer Kind = iota
	// Fill executes the order at Decision.Price.
	Fill
	// Reject ends a day order that found no fill.
	Reject
	// Cancel honours a cancel request that found no fill before it.
	Cancel
	// Convert replaces the intent with Decision.Next and re-evaluates.
	Convert
)

func (k Kind) String() string {
	switch k {
	case Defer:
		return "defer"
	case Fill:
		return "fill"
	case Reject:
		return "reject"
	case Cancel:
		return "cancel"
	case Convert:
		return "convert"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Decision is the result of evaluating one intent.
type Decision struct {
	Kind     Kind
	Price    float64
	At       time.Time
	Quantity float64
	Next     *Intent
	Reason   string
}

// Market is the price data an evaluator sees for one security.
type Market struct {
	// Now is the evaluation instant.
	Now time.Time

	// Points holds the series within [Intent.Since, Intent.Cutoff],
	// ascending by timestamp.
	Points []domain.PricePoint

	// Latest is the newest point at or before Intent.Cutoff, if any.
	Latest *domain.PricePoint
}

// HasData reports whether any price information was available.
func (m Market) HasData() bool {
	return len(m.Points) > 0 || m.Latest != nil
}

func deferred(reason string) Decision {
	return Decision{Kind: Defer, Reason: reason}
}

func filled(price float64, at time.Time, qty float64) Decision {
	return Decision{Kind: Fill, Price: price, At: at, Quantity: qty}
}

// Decide runs ev and applies the end-of-pass policy:
//   - no fill on a cancel-requested order cancels it;
//   - no fill on a day order with price data rejects it;
//   - anything else defers.
//
// Fill and Convert decisions pass through unchanged.
func Decide(ev Evaluator, in Intent, m Market) Decision {
	d := ev.Evaluate(in, m)
	if d.Kind != Defer {
		return d
	}
	if in.CancelAt != nil {
		return Decision{Kind: Cancel, Reason: "cancelled before fill"}
	}
	if in.TimeInForce == domain.TimeInForceDay && !in.SubType.IsRecurring() && m.HasData() {
		return Decision{Kind: Reject, Reason: "day order expired unfilled"}
	}
	return d
}
