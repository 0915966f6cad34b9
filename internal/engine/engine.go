// Package engine runs fulfillment passes: it scans pending orders, asks the
// fill evaluators for a decision and settles the outcome against the ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"brokersim/internal/domain"
	"brokersim/internal/fill"
	"brokersim/internal/store"
)

// ErrUnsupportedOrder is returned for orders whose security type and
// subtype have no registered evaluator.
var ErrUnsupportedOrder = errors.New("unsupported order")

// errStaleOrder marks an order that changed between the scan and its
// settlement. It is retried on the next pass.
var errStaleOrder = errors.New("order changed during pass")

// maxConversions bounds how many intent conversions one order may chain in
// a single pass.
const maxConversions = 4

// MarketCalendar decides whether a pass should run on a given day.
type MarketCalendar interface {
	IsTradingDay(ctx context.Context, day time.Time) (bool, error)
}

// Observer receives pass and order outcomes, typically for metrics.
type Observer interface {
	PassCompleted(result string, elapsed time.Duration)
	OrderEvaluated(outcome string)
	FillSettled(side domain.OrderSide, status domain.OrderStatus, notional float64)
}

type nopObserver struct{}

func (nopObserver) PassCompleted(string, time.Duration)                       {}
func (nopObserver) OrderEvaluated(string)                                     {}
func (nopObserver) FillSettled(domain.OrderSide, domain.OrderStatus, float64) {}

// Options tunes an Engine. Zero values select defaults.
type Options struct {
	// MaxWorkers bounds how many users' orders are processed concurrently.
	MaxWorkers int
	Lots       LotPolicy
	Registry   *fill.Registry
	Observer   Observer
	Now        func() time.Time
}

// Engine runs fulfillment passes over the order book.
type Engine struct {
	orders   store.OrderStore
	ledger   store.Ledger
	prices   store.PriceStore
	calendar MarketCalendar

	registry   *fill.Registry
	risk       *RiskManager
	observer   Observer
	maxWorkers int
	now        func() time.Time
	locks      *keyedMutex
	logger     *slog.Logger
}

// NewEngine creates an Engine wired with the given collaborators.
func NewEngine(
	orders store.OrderStore,
	ledger store.Ledger,
	prices store.PriceStore,
	calendar MarketCalendar,
	opts Options,
	logger *slog.Logger,
) *Engine {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	if opts.Registry == nil {
		opts.Registry = fill.DefaultRegistry()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Lots == (LotPolicy{}) {
		opts.Lots = DefaultLotPolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		orders:     orders,
		ledger:     ledger,
		prices:     prices,
		calendar:   calendar,
		registry:   opts.Registry,
		risk:       NewRiskManager(opts.Lots),
		observer:   opts.Observer,
		maxWorkers: opts.MaxWorkers,
		now:        opts.Now,
		locks:      newKeyedMutex(),
		logger:     logger,
	}
}

// Outcome labels recorded per order.
const (
	OutcomeFilled          = "filled"
	OutcomePartiallyFilled = "partially_filled"
	OutcomeInstallment     = "installment"
	OutcomeRejected        = "rejected"
	OutcomeCancelled       = "cancelled"
	OutcomeDeferred        = "deferred"
	OutcomeSkipped         = "skipped"
	OutcomeFailed          = "failed"
)

// PassReport summarises one fulfillment pass.
type PassReport struct {
	StartedAt time.Time
	Elapsed   time.Duration

	// NonTradingDay is set when the pass was skipped by the calendar.
	NonTradingDay bool

	Orders   int
	Outcomes map[string]int

	// Conversions counts stop-limit orders converted to limits.
	Conversions  int
	Transactions int
}

func (r *PassReport) merge(o PassReport) {
	r.Orders += o.Orders
	r.Conversions += o.Conversions
	r.Transactions += o.Transactions
	for k, v := range o.Outcomes {
		r.Outcomes[k] += v
	}
}

// RunFulfillmentPass evaluates every pending order once. Per-order problems
// are logged and counted; ledger write failures are collected and returned
// together after all orders have been visited.
func (e *Engine) RunFulfillmentPass(ctx context.Context) (PassReport, error) {
	now := e.now()
	report := PassReport{StartedAt: now, Outcomes: make(map[string]int)}

	if e.calendar != nil {
		open, err := e.calendar.IsTradingDay(ctx, now)
		if err != nil {
			e.observer.PassCompleted("error", e.now().Sub(now))
			return report, fmt.Errorf("checking trading day: %w", err)
		}
		if !open {
			report.NonTradingDay = true
			e.logger.Info("fulfillment pass skipped", "reason", "non-trading day", "date", now.Format("2006-01-02"))
			e.observer.PassCompleted("skipped", 0)
			return report, nil
		}
	}

	pending, err := e.orders.FindPendingOrders(ctx)
	if err != nil {
		e.observer.PassCompleted("error", e.now().Sub(now))
		return report, fmt.Errorf("finding pending orders: %w", err)
	}

	var (
		mu    sync.Mutex
		fatal []error
	)
	g := new(errgroup.Group)
	g.SetLimit(e.maxWorkers)
	for _, batch := range partitionByUser(pending) {
		batch := batch
		g.Go(func() error {
			local := PassReport{Outcomes: make(map[string]int)}
			var errs []error
			for i := range batch {
				if ctx.Err() != nil {
					break
				}
				local.Orders++
				if err := e.processOrder(ctx, &batch[i], now, &local); err != nil {
					errs = append(errs, err)
				}
			}
			mu.Lock()
			report.merge(local)
			fatal = append(fatal, errs...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Elapsed = e.now().Sub(now)
	result := "ok"
	if len(fatal) > 0 {
		result = "error"
	}
	e.observer.PassCompleted(result, report.Elapsed)
	e.logger.Info("fulfillment pass complete",
		"orders", report.Orders,
		"outcomes", report.Outcomes,
		"transactions", report.Transactions,
		"conversions", report.Conversions,
		"errors", len(fatal),
	)
	return report, errors.Join(fatal...)
}

// processOrder evaluates and settles one order. It returns an error only
// for ledger failures that must surface from the pass.
func (e *Engine) processOrder(ctx context.Context, o *domain.Order, now time.Time, report *PassReport) error {
	unlock := e.locks.Lock(o.UserID)
	defer unlock()

	outcome, err := e.evaluateAndSettle(ctx, o, now, report)
	switch {
	case err == nil:
	case isNotFound(err), errors.Is(err, ErrUnsupportedOrder), errors.Is(err, errStaleOrder):
		e.logger.Warn("order skipped", "order", o.ID, "user", o.UserID, "error", err)
		outcome, err = OutcomeSkipped, nil
	case errors.Is(err, errPriceData):
		e.logger.Warn("price data unavailable", "order", o.ID, "security", o.SecurityID, "error", err)
		outcome, err = OutcomeFailed, nil
	default:
		e.logger.Error("settlement failed", "order", o.ID, "user", o.UserID, "error", err)
		outcome = OutcomeFailed
		err = fmt.Errorf("order %s: %w", o.ID, err)
	}
	report.Outcomes[outcome]++
	e.observer.OrderEvaluated(outcome)
	return err
}

var errPriceData = errors.New("reading price data")

func (e *Engine) evaluateAndSettle(ctx context.Context, o *domain.Order, now time.Time, report *PassReport) (string, error) {
	in := fill.IntentFromOrder(o)
	ev, ok := e.registry.Lookup(in.SecurityType, in.SubType)
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedOrder, in.SecurityType, in.SubType)
	}

	m, err := e.loadMarket(ctx, ev, in, now)
	if err != nil {
		return "", err
	}
	d := fill.Decide(ev, in, m)

	converted := false
	for n := 0; d.Kind == fill.Convert; n++ {
		if n == maxConversions || d.Next == nil {
			return "", fmt.Errorf("%w: conversion chain on %s/%s", ErrUnsupportedOrder, in.SecurityType, in.SubType)
		}
		e.logger.Debug("order converted", "order", o.ID, "from", in.SubType, "to", d.Next.SubType, "at", d.At)
		in = *d.Next
		converted = true
		report.Conversions++
		if ev, ok = e.registry.Lookup(in.SecurityType, in.SubType); !ok {
			return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedOrder, in.SecurityType, in.SubType)
		}
		if m, err = e.loadMarket(ctx, ev, in, now); err != nil {
			return "", err
		}
		d = fill.Decide(ev, in, m)
	}

	if d.Kind == fill.Defer && !converted {
		return OutcomeDeferred, nil
	}

	var (
		outcome string
		settled *Settlement
	)
	err = e.ledger.WithinTx(ctx, func(tx store.LedgerTx) error {
		cur, err := tx.GetOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		if cur.Status != o.Status || !cur.UpdatedAt.Equal(o.UpdatedAt) {
			return fmt.Errorf("%w: %s is %s", errStaleOrder, o.ID, cur.Status)
		}
		if converted {
			cur.SubType = in.SubType
			cur.TriggeredAt = in.TriggeredAt
		}

		prev := cur.Status
		switch d.Kind {
		case fill.Defer:
			cur.UpdatedAt = now
			cur.Msg = d.Reason
			outcome = OutcomeDeferred
			return e.saveOrder(ctx, tx, prev, cur)
		case fill.Reject:
			cur.Status = domain.OrderStatusRejected
			cur.Msg = d.Reason
			cur.UpdatedAt = now
			outcome = OutcomeRejected
			return e.saveOrder(ctx, tx, prev, cur)
		case fill.Cancel:
			cur.Status = domain.OrderStatusCancelled
			cur.Msg = d.Reason
			cur.UpdatedAt = now
			outcome = OutcomeCancelled
			return e.saveOrder(ctx, tx, prev, cur)
		case fill.Fill:
			res, err := e.settle(ctx, tx, cur, d, now)
			if err != nil {
				return err
			}
			outcome = settlementOutcome(res, cur)
			settled = &res
			return nil
		}
		return fmt.Errorf("unexpected decision %s", d.Kind)
	})
	if err != nil {
		return "", err
	}
	if settled != nil && settled.Transaction != nil {
		report.Transactions++
		e.observer.FillSettled(o.Side, settled.Status, settled.Quantity*settled.Price)
	}
	e.logger.Debug("order evaluated", "order", o.ID, "decision", d.Kind.String(), "outcome", outcome)
	return outcome, nil
}

func settlementOutcome(res Settlement, o *domain.Order) string {
	switch {
	case res.Transaction == nil && res.Status == domain.OrderStatusRejected:
		return OutcomeRejected
	case res.Status == domain.OrderStatusCancelled:
		return OutcomeCancelled
	case res.Transaction == nil:
		return OutcomeSkipped
	case o.SubType.IsRecurring() && res.Status == domain.OrderStatusPending:
		return OutcomeInstallment
	case res.Status == domain.OrderStatusPartiallyFilled:
		return OutcomePartiallyFilled
	}
	return OutcomeFilled
}

// loadMarket reads the price data ev needs for in.
func (e *Engine) loadMarket(ctx context.Context, ev fill.Evaluator, in fill.Intent, now time.Time) (fill.Market, error) {
	m := fill.Market{Now: now}
	cutoff := in.Cutoff(now)
	needs := ev.Needs()
	if needs&fill.NeedSeries != 0 {
		points, err := e.prices.PricePoints(ctx, in.SecurityID, in.SecurityType, in.Since(), cutoff)
		if err != nil {
			return m, fmt.Errorf("%w: %v", errPriceData, err)
		}
		m.Points = points
	}
	if needs&fill.NeedLatest != 0 {
		latest, err := e.prices.LatestPoint(ctx, in.SecurityID, in.SecurityType, cutoff)
		if err != nil {
			return m, fmt.Errorf("%w: %v", errPriceData, err)
		}
		m.Latest = latest
	}
	return m, nil
}

// partitionByUser groups orders by user, keeping each user's orders and the
// users themselves in first-seen order.
func partitionByUser(orders []domain.Order) [][]domain.Order {
	index := make(map[string]int)
	var out [][]domain.Order
	for _, o := range orders {
		i, ok := index[o.UserID]
		if !ok {
			i = len(out)
			index[o.UserID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], o)
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Keyed mutex
// ---------------------------------------------------------------------------

// keyedMutex hands out one mutex per key and drops it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
