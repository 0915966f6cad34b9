package fill

import (
	"time"

	"brokersim/internal/domain"
)

// Need declares which price data an evaluator reads.
type Need int

const (
	// NeedSeries asks for Market.Points.
	NeedSeries Need = 1 << iota
	// NeedLatest asks for Market.Latest.
	NeedLatest
)

// Evaluator decides the outcome of one order subtype.
type Evaluator interface {
	// Name returns a short identifier used in logs and metrics.
	Name() string

	// Needs reports the price data Evaluate reads.
	Needs() Need

	// Evaluate returns Fill, Convert or Defer. Reject and Cancel are applied
	// by Decide.
	Evaluate(in Intent, m Market) Decision
}

// eachEligible calls fn for every point inside the intent's trigger window
// until fn returns true, and returns that point.
func eachEligible(in Intent, m Market, fn func(p domain.PricePoint) bool) (domain.PricePoint, bool) {
	since, cutoff := in.Since(), in.Cutoff(m.Now)
	for _, p := range m.Points {
		if p.Timestamp.Before(since) || p.Timestamp.After(cutoff) || in.Settled(p.Timestamp) {
			continue
		}
		if fn(p) {
			return p, true
		}
	}
	return domain.PricePoint{}, false
}

// ---------------------------------------------------------------------------
// Equity evaluators
// ---------------------------------------------------------------------------

// MarketEvaluator fills equity market orders at the reference price
// captured at placement, or the last available close. Once part of the
// order has filled, only a close newer than that fill is used.
type MarketEvaluator struct{}

func (MarketEvaluator) Name() string { return "market" }
func (MarketEvaluator) Needs() Need  { return NeedLatest }

func (MarketEvaluator) Evaluate(in Intent, m Market) Decision {
	if in.Price > 0 && in.LastFilledAt == nil {
		return filled(in.Price, in.PlacedAt, in.Remaining)
	}
	if m.Latest == nil || m.Latest.Close <= 0 {
		return deferred("no reference price")
	}
	if in.Settled(m.Latest.Timestamp) {
		return deferred("no price since last fill")
	}
	return filled(m.Latest.Close, m.Latest.Timestamp, in.Remaining)
}

// LimitEvaluator fills a buy at the first low at or below the limit and a
// sell at the first high at or above it.
type LimitEvaluator struct{}

func (LimitEvaluator) Name() string { return "limit" }
func (LimitEvaluator) Needs() Need  { return NeedSeries }

func (LimitEvaluator) Evaluate(in Intent, m Market) Decision {
	if in.Side == domain.OrderSideBuy {
		if p, ok := eachEligible(in, m, func(p domain.PricePoint) bool { return p.Low <= in.LimitPrice }); ok {
			return filled(p.Low, p.Timestamp, in.Remaining)
		}
		return deferred("limit not reached")
	}
	if p, ok := eachEligible(in, m, func(p domain.PricePoint) bool { return p.High >= in.LimitPrice }); ok {
		return filled(p.High, p.Timestamp, in.Remaining)
	}
	return deferred("limit not reached")
}

// stopTriggered reports whether p crosses the stop for the given side.
func stopTriggered(side domain.OrderSide, stop float64, p domain.PricePoint) bool {
	if side == domain.OrderSideBuy {
		return p.High >= stop
	}
	return p.Low <= stop
}

// StopLossEvaluator fills a triggered buy stop at the point's low and a
// triggered sell stop at the point's high.
type StopLossEvaluator struct{}

func (StopLossEvaluator) Name() string { return "stop_loss" }
func (StopLossEvaluator) Needs() Need  { return NeedSeries }

func (StopLossEvaluator) Evaluate(in Intent, m Market) Decision {
	p, ok := eachEligible(in, m, func(p domain.PricePoint) bool { return stopTriggered(in.Side, in.StopPrice, p) })
	if !ok {
		return deferred("stop not triggered")
	}
	if in.Side == domain.OrderSideBuy {
		return filled(p.Low, p.Timestamp, in.Remaining)
	}
	return filled(p.High, p.Timestamp, in.Remaining)
}

// StopLimitEvaluator converts a triggered stop-limit into a limit order
// whose window starts at the trigger point.
type StopLimitEvaluator struct{}

func (StopLimitEvaluator) Name() string { return "stop_limit" }
func (StopLimitEvaluator) Needs() Need  { return NeedSeries }

func (StopLimitEvaluator) Evaluate(in Intent, m Market) Decision {
	p, ok := eachEligible(in, m, func(p domain.PricePoint) bool { return stopTriggered(in.Side, in.StopPrice, p) })
	if !ok {
		return deferred("stop not triggered")
	}
	next := in.ConvertToLimit(p.Timestamp)
	return Decision{Kind: Convert, At: p.Timestamp, Next: &next, Reason: "stop triggered"}
}

// TakeProfitEvaluator fills a buy once the low reaches the target and a
// sell once the high reaches it, at that extreme.
type TakeProfitEvaluator struct{}

func (TakeProfitEvaluator) Name() string { return "take_profit" }
func (TakeProfitEvaluator) Needs() Need  { return NeedSeries }

func (TakeProfitEvaluator) Evaluate(in Intent, m Market) Decision {
	if in.Side == domain.OrderSideBuy {
		if p, ok := eachEligible(in, m, func(p domain.PricePoint) bool { return p.Low <= in.TakeProfitPrice }); ok {
			return filled(p.Low, p.Timestamp, in.Remaining)
		}
		return deferred("target not reached")
	}
	if p, ok := eachEligible(in, m, func(p domain.PricePoint) bool { return p.High >= in.TakeProfitPrice }); ok {
		return filled(p.High, p.Timestamp, in.Remaining)
	}
	return deferred("target not reached")
}

// ---------------------------------------------------------------------------
// Fund evaluators
// ---------------------------------------------------------------------------

// FundMarketEvaluator fills fund orders at the latest NAV.
type FundMarketEvaluator struct{}

func (FundMarketEvaluator) Name() string { return "fund_market" }
func (FundMarketEvaluator) Needs() Need  { return NeedLatest }

func (FundMarketEvaluator) Evaluate(in Intent, m Market) Decision {
	if m.Latest == nil || m.Latest.Close <= 0 {
		return deferred("no NAV available")
	}
	if in.Settled(m.Latest.Timestamp) {
		return deferred("no NAV since last fill")
	}
	return filled(m.Latest.Close, m.Latest.Timestamp, in.Remaining)
}

// RecurringEvaluator fills one SIP or SWP installment at the latest NAV
// when the plan is due and a NAV newer than the previous installment exists.
type RecurringEvaluator struct{}

func (RecurringEvaluator) Name() string { return "recurring" }
func (RecurringEvaluator) Needs() Need  { return NeedLatest }

func (RecurringEvaluator) Evaluate(in Intent, m Market) Decision {
	if !IsDue(in.Frequency, in.PlacedAt, in.LastFilledAt, m.Now) {
		return deferred("installment not due")
	}
	if m.Latest == nil || m.Latest.Close <= 0 {
		return deferred("no NAV available")
	}
	if in.LastFilledAt != nil && !m.Latest.Timestamp.After(*in.LastFilledAt) {
		return deferred("no NAV since last installment")
	}
	return filled(m.Latest.Close, m.Latest.Timestamp, in.InstallmentSize())
}

// ---------------------------------------------------------------------------
// Due check
// ---------------------------------------------------------------------------

// minMonthlyGapDays is the shortest gap, in calendar days, between two
// scheduled monthly installments.
const minMonthlyGapDays = 30

// IsDue reports whether a recurring plan with the given frequency, anchor
// (placement) date and last installment is due at now. The first
// installment is always due, as is every daily one.
//
// Monthly installments are scheduled on the anchor's day of month, clamped
// to the length of shorter months. The last installment is attributed to
// the latest scheduled date on or before it, and the next one is due from
// the following month's scheduled date once at least 30 calendar days have
// passed since the attributed date. A due day that falls on a market
// holiday is caught up on the next pass without shifting later dates.
func IsDue(freq domain.Frequency, anchor time.Time, last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	switch freq {
	case domain.FrequencyDaily:
		return true
	case domain.FrequencyWeekly:
		return calendarDaysBetween(*last, now) >= 7
	case domain.FrequencyMonthly:
		day := anchor.UTC().Day()
		ly, lm, ld := last.UTC().Date()
		prev := scheduledDate(ly, lm, day)
		if ld < prev.Day() {
			prev = scheduledDate(ly, lm-1, day)
		}
		next := scheduledDate(prev.Year(), prev.Month()+1, day)
		if calendarDaysBetween(next, now) < 0 {
			return false
		}
		return calendarDaysBetween(prev, now) >= minMonthlyGapDays
	}
	return false
}

// scheduledDate is the installment date for day in the given month, clamped
// to the month's length. Month overflow is normalised.
func scheduledDate(year int, month time.Month, day int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	if dim := daysIn(first.Year(), first.Month()); day > dim {
		day = dim
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

func calendarDaysBetween(a, b time.Time) int {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
