package engine

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"brokersim/internal/domain"
	"brokersim/internal/store"
)

var (
	monday  = time.Date(2024, 6, 17, 21, 0, 0, 0, time.UTC)
	opening = time.Date(2024, 6, 17, 13, 30, 0, 0, time.UTC)
)

type stubCalendar struct {
	open bool
	err  error
}

func (c stubCalendar) IsTradingDay(context.Context, time.Time) (bool, error) {
	return c.open, c.err
}

type recordingObserver struct {
	mu       sync.Mutex
	passes   []string
	outcomes map[string]int
	fills    int
}

func (r *recordingObserver) PassCompleted(result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes = append(r.passes, result)
}

func (r *recordingObserver) OrderEvaluated(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]int)
	}
	r.outcomes[outcome]++
}

func (r *recordingObserver) FillSettled(domain.OrderSide, domain.OrderStatus, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills++
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *store.MemoryStore
	prices   *store.MemoryPriceStore
	observer *recordingObserver
	now      time.Time
	engine   *Engine
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    store.NewMemoryStore(),
		prices:   store.NewMemoryPriceStore(),
		observer: &recordingObserver{},
		now:      now,
	}
	f.engine = f.build(stubCalendar{open: true}, f.store, Options{MaxWorkers: 4})
	f.addUser("u1", 1_000_000)
	for _, sec := range []*domain.Security{
		{ID: "AAPL", Type: domain.SecurityTypeEquity, Symbol: "AAPL"},
		{ID: "VFIAX", Type: domain.SecurityTypeFund, Symbol: "VFIAX"},
	} {
		if err := f.store.PutSecurity(f.ctx, sec); err != nil {
			t.Fatalf("PutSecurity(%s): %v", sec.ID, err)
		}
	}
	return f
}

func (f *fixture) build(cal MarketCalendar, ledger store.Ledger, opts Options) *Engine {
	opts.Observer = f.observer
	opts.Now = func() time.Time { return f.now }
	return NewEngine(f.store, ledger, f.prices, cal, opts, nil)
}

func (f *fixture) addUser(id string, balance float64) {
	f.t.Helper()
	if err := f.store.CreateUser(f.ctx, &domain.User{ID: id, Balance: balance}); err != nil {
		f.t.Fatalf("CreateUser(%s): %v", id, err)
	}
	if err := f.store.CreatePortfolio(f.ctx, &domain.Portfolio{ID: "p-" + id, UserID: id}); err != nil {
		f.t.Fatalf("CreatePortfolio(%s): %v", id, err)
	}
}

func (f *fixture) hold(userID, securityID string, securityType domain.SecurityType, qty, avg float64) {
	f.t.Helper()
	err := f.store.WithinTx(f.ctx, func(tx store.LedgerTx) error {
		return tx.UpsertHolding(f.ctx, &domain.Holding{
			PortfolioID: "p-" + userID, SecurityID: securityID, SecurityType: securityType,
			Quantity: qty, AveragePrice: avg, UpdatedAt: opening,
		})
	})
	if err != nil {
		f.t.Fatalf("UpsertHolding: %v", err)
	}
}

func (f *fixture) bars(points ...domain.PricePoint) {
	f.t.Helper()
	if err := f.prices.WritePricePoints(f.ctx, points); err != nil {
		f.t.Fatalf("WritePricePoints: %v", err)
	}
}

func (f *fixture) place(o *domain.Order) {
	f.t.Helper()
	if err := f.store.InsertOrder(f.ctx, o); err != nil {
		f.t.Fatalf("InsertOrder(%s): %v", o.ID, err)
	}
}

func (f *fixture) requestCancel(id string, at time.Time) {
	f.t.Helper()
	o := f.order(id)
	o.Status = domain.OrderStatusCancelRequested
	o.UpdatedAt = at
	if err := f.store.SaveOrder(f.ctx, o); err != nil {
		f.t.Fatalf("SaveOrder(%s): %v", id, err)
	}
}

func (f *fixture) order(id string) *domain.Order {
	f.t.Helper()
	o, err := f.store.GetOrder(f.ctx, id)
	if err != nil {
		f.t.Fatalf("GetOrder(%s): %v", id, err)
	}
	return o
}

func (f *fixture) balance(userID string) float64 {
	f.t.Helper()
	u, err := f.store.GetUser(f.ctx, userID)
	if err != nil {
		f.t.Fatalf("GetUser(%s): %v", userID, err)
	}
	return u.Balance
}

func (f *fixture) holdings(userID string) []domain.Holding {
	f.t.Helper()
	h, err := f.store.ListHoldings(f.ctx, "p-"+userID)
	if err != nil {
		f.t.Fatalf("ListHoldings(%s): %v", userID, err)
	}
	return h
}

func (f *fixture) transactions(userID string) []domain.Transaction {
	f.t.Helper()
	txns, err := f.store.ListTransactions(f.ctx, userID)
	if err != nil {
		f.t.Fatalf("ListTransactions(%s): %v", userID, err)
	}
	return txns
}

func (f *fixture) run() PassReport {
	f.t.Helper()
	report, err := f.engine.RunFulfillmentPass(f.ctx)
	if err != nil {
		f.t.Fatalf("RunFulfillmentPass: %v", err)
	}
	return report
}

// expectOrder checks status and filled quantity of a stored order.
func (f *fixture) expectOrder(id string, status domain.OrderStatus, filled float64) *domain.Order {
	f.t.Helper()
	o := f.order(id)
	if o.Status != status {
		f.t.Errorf("order %s status = %s (msg %q), want %s", id, o.Status, o.Msg, status)
	}
	if !approx(o.FilledQuantity, filled) {
		f.t.Errorf("order %s filled = %v, want %v", id, o.FilledQuantity, filled)
	}
	return o
}

func (f *fixture) expectBalance(userID string, want float64) {
	f.t.Helper()
	if got := f.balance(userID); !approx(got, want) {
		f.t.Errorf("balance(%s) = %v, want %v", userID, got, want)
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func bar(offset time.Duration, low, high float64) domain.PricePoint {
	return domain.PricePoint{
		SecurityID: "AAPL", SecurityType: domain.SecurityTypeEquity, Timestamp: opening.Add(offset),
		Open: low, High: high, Low: low, Close: high, Granularity: domain.Granularity1Min,
	}
}

func nav(ts time.Time, value float64) domain.PricePoint {
	return domain.PricePoint{
		SecurityID: "VFIAX", SecurityType: domain.SecurityTypeFund, Timestamp: ts,
		Open: value, High: value, Low: value, Close: value, Granularity: domain.GranularityDaily,
	}
}

func equityOrder(id, userID string, side domain.OrderSide, sub domain.OrderSubType, qty float64) *domain.Order {
	return &domain.Order{
		ID: id, UserID: userID, PortfolioID: "p-" + userID,
		SecurityID: "AAPL", SecurityType: domain.SecurityTypeEquity,
		Side: side, SubType: sub, Quantity: qty, TimeInForce: domain.TimeInForceGTC,
		Status: domain.OrderStatusPending, PlacedAt: opening, UpdatedAt: opening,
	}
}

func fundPlan(id string, side domain.OrderSide, sub domain.OrderSubType, freq domain.Frequency, qty, installment float64) *domain.Order {
	return &domain.Order{
		ID: id, UserID: "u1", PortfolioID: "p-u1",
		SecurityID: "VFIAX", SecurityType: domain.SecurityTypeFund,
		Side: side, SubType: sub, Frequency: freq,
		Quantity: qty, InstallmentQuantity: installment, TimeInForce: domain.TimeInForceGTC,
		Status: domain.OrderStatusPending, PlacedAt: opening, UpdatedAt: opening,
	}
}

func TestNewEngineDefaults(t *testing.T) {
	e := NewEngine(nil, nil, nil, nil, Options{}, nil)
	if e == nil {
		t.Fatal("NewEngine returned nil")
	}
	if e.maxWorkers != 1 {
		t.Errorf("maxWorkers = %d, want 1", e.maxWorkers)
	}
	if e.registry == nil {
		t.Error("registry is nil")
	}
	if e.risk.lots != DefaultLotPolicy {
		t.Errorf("lots = %+v, want %+v", e.risk.lots, DefaultLotPolicy)
	}
}

func TestPass_LimitBuyFills(t *testing.T) {
	f := newFixture(t, monday)
	o := equityOrder("o1", "u1", domain.OrderSideBuy, domain.OrderSubTypeLimit, 10)
	o.LimitPrice = 100
	f.place(o)
	f.bars(bar(time.Minute, 105, 110), bar(2*time.Minute, 98, 102))

	report := f.run()
	if report.Outcomes[OutcomeFilled] != 1 || report.Transactions != 1 {
		t.Fatalf("report = %+v, want one fill and one transaction", report)
	}

	got := f.expectOrder("o1", domain.OrderStatusFilled, 10)
	if got.AverageFillPrice != 98 {
		t.Errorf("average fill price = %v, want 98", got.AverageFillPrice)
	}
	if got.LastFilledAt == nil || !got.LastFilledAt.Equal(opening.Add(2*time.Minute)) {
		t.Errorf("last filled at = %v, want %v", got.LastFilledAt, opening.Add(2*time.Minute))
	}

	f.expectBalance("u1", 1_000_000-980)
	h := f.holdings("u1")
	if len(h) != 1 || h[0].Quantity != 10 || h[0].AveragePrice != 98 {
		t.Errorf("holdings = %+v, want 10 @ 98", h)
	}

	txns := f.transactions("u1")
	if len(txns) != 1 || txns[0].OrderID != "o1" || txns[0].TradePrice != 98 {
		t.Errorf("transactions = %+v, want one for o1 at 98", txns)
	}
	if !reflect.DeepEqual(f.observer.passes, []string{"ok"}) {
		t.Errorf("observed passes = %v, want [ok]", f.observer.passes)
	}
	if f.observer.fills != 1 {
		t.Errorf("observed fills = %d, want 1", f.observer.fills)
	}
}

func TestPass_SellClampsToHolding(t *testing.T) {
	f := newFixture(t, monday)
	f.hold("u1", "AAPL", domain.SecurityTypeEquity, 30, 90)
	o := equityOrder("o1", "u1", domain.OrderSideSell, domain.OrderSubTypeMarket, 50)
	o.Price = 100
	f.place(o)

	report := f.run()
	if report.Outcomes[OutcomePartiallyFilled] != 1 {
		t.Errorf("outcomes = %v, want one partial fill", report.Outcomes)
	}

	f.expectOrder("o1", domain.OrderStatusPartiallyFilled, 30)
	if h := f.holdings("u1"); len(h) != 0 {
		t.Errorf("holdings = %+v, want none once sold out", h)
	}

	txns := f.transactions("u1")
	if len(txns) != 1 || txns[0].Quantity != 30 || txns[0].Action != domain.OrderSideSell {
		t.Errorf("transactions = %+v, want one sell of 30", txns)
	}
	f.expectBalance("u1", 1_003_000)
}

func TestPass_SellWithoutHoldingRejects(t *testing.T) {
	f := newFixture(t, monday)
	o := equityOrder("o1", "u1", domain.OrderSideSell, domain.OrderSubTypeMarket, 5)
	o.Price = 100
	f.place(o)

	report := f.run()
	if report.Outcomes[OutcomeRejected] != 1 {
		t.Errorf("outcomes = %v, want one rejection", report.Outcomes)
	}
	got := f.expectOrder("o1", domain.OrderStatusRejected, 0)
	if got.Msg != "insufficient holdings" {
		t.Errorf("msg = %q, want %q", got.Msg, "insufficient holdings")
	}
	if txns := f.transactions("u1"); len(txns) != 0 {
		t.Errorf("transactions = %+v, want none", txns)
	}
}

func TestPass_BuyClampsToBalance(t *testing.T) {
	f := newFixture(t, monday)
	f.addUser("u2", 500)
	o := equityOrder("o1", "u2", domain.OrderSideBuy, domain.OrderSubTypeMarket, 10)
	o.Price = 100
	f.place(o)

	f.run()
	f.expectOrder("o1", domain.OrderStatusPartiallyFilled, 5)
	f.expectBalance("u2", 0)
	if txns := f.transactions("u2"); len(txns) != 1 {
		t.Errorf("transactions = %d, want 1", len(txns))
	}
}

func TestPass_BuyClampFloorsToWholeShares(t *testing.T) {
	f := newFixture(t, monday)
	f.addUser("u2", 550)
	o := equityOrder("o1", "u2", domain.OrderSideBuy, domain.OrderSubTypeMarket, 10)
	o.Price = 100
	f.place(o)

	f.run()
	f.expectOrder("o1", domain.OrderStatusPartiallyFilled, 5)
	f.expectBalance("u2", 50)
}

func TestPass_StopLimitConvertsAndFills(t *testing.T) {
	f := newFixture(t, monday)
	o := equityOrder("o1", "u1", domain.OrderSideBuy, domain.OrderSubTypeStopLimit, 10)
	o.StopPrice = 100
	o.LimitPrice = 105
	f.place(o)
	f.bars(bar(time.Minute, 96, 99), bar(2*time.Minute, 99, 101), bar(3*time.Minute, 104, 108))

	report := f.run()
	if report.Conversions != 1 {
		t.Errorf("conversions = %d, want 1", report.Conversions)
	}

	got := f.expectOrder("o1", domain.OrderStatusFilled, 10)
	if got.SubType != domain.OrderSubTypeLimit {
		t.Errorf("subtype = %s, want LIMIT", got.SubType)
	}
	if got.TriggeredAt == nil || !got.TriggeredAt.Equal(opening.Add(2*time.Minute)) {
		t.Errorf("triggered at = %v, want %v", got.TriggeredAt, opening.Add(2*time.Minute))
	}
	if got.AverageFillPrice != 99 {
		t.Errorf("average fill price = %v, want 99", got.AverageFillPrice)
	}
}

func TestPass_StopLimitConversionPersistsWhenLimitNotReached(t *testing.T) {
	f := newFixture(t, monday)
	o := equityOrder("o1", "u1", domain.OrderSideBuy, domain.OrderSubTypeStopLimit, 10)
	o.StopPrice = 100
	o.LimitPrice = 95
	f.place(o)
	f.bars(bar(time.Minute, 99, 101), bar(2*time.Minute, 100, 103))

	report := f.run()
	if report.Outcomes[OutcomeDeferred] != 1 {
		t.Errorf("outcomes = %v, want one deferral", report.Outcomes)
	}

	got := f.expectOrder("o1", domain.OrderStatusPending, 0)
	if got.SubType != domain.OrderSubTypeLimit || got.TriggeredAt == nil {
		t.Errorf("order = %+v, want converted limit with trigger time", got)
	}
	if txns := f.transactions("u1"); len(txns) != 0 {
		t.Errorf("transactions = %+v, want none", txns)
	}

	// The next pass evaluates it as a plain limit order.
	f.bars(bar(5*time.Minute, 94, 97))
	f.now = monday.Add(time.Hour)
	f.run()
	got = f.expectOrder("o1", domain.OrderStatusFilled, 10)
	if got.AverageFillPrice != 94 {
		t.Errorf("average fill price = %v, want 94", got.AverageFillPrice)
	}
}

func TestPass_CancelRequestedWithoutFillCancels(t *testing.T) {
	f := newFixture(t, monday)
	o := equityOrder("o1", "u1", domain.OrderSideBuy, domain.OrderSubTypeLimit, 10)
	o.LimitPrice = 100
	o.Status = domain.OrderStatusCancelRequested
	o.UpdatedAt = opening.Add(2 * time.Minute)
	f.place(o)
	f.bars(bar(time.Minute, 101, 103), bar(3*time.Minute, 95, 99))

	report := f.run()
	if report.Outcomes[OutcomeCancelled] != 1 {
		t.Errorf("outcomes = %v, want one cancellation", report.Outcomes)
	}

	f.expectOrder("o1", domain.OrderStatusCancelled, 0)
	if txns := f.transactions("u1"); len(txns) != 0 {
		t.Errorf("transactions = %+v, want none", txns)
	}
	f.expectBalance("u1", 1_000_000)
}

func TestPass_CancelAfterPartialFillCancels(t *testing.T) {
	f := newFixture(t, monday)
	f.addUser("u2", 500)
	o := equityOrder("o1", "u2", domain.OrderSideBuy, domain.OrderSubTypeLimit, 10)
	o.LimitPrice = 100
	f.place(o)
	f.bars(bar(time.Minute, 100, 104))

	f.run()
	f.expectOrder("o1", domain.OrderStatusPartiallyFilled, 5)

	f.requestCancel("o1", monday.Add(time.Hour))
	f.now = monday.Add(2 * time.Hour)
	report := f.run()
	if report.Outcomes[OutcomeCancelled] != 1 {
		t.Errorf("outcomes = %v, want one cancellation", report.Outcomes)
	}

	got := f.expectOrder("o1", domain.OrderStatusCancelled, 5)
	if got.AverageFillPrice != 100 {
		t.Errorf("average fill price = %v, want 100", got.AverageFillPrice)
	}
	if txns := f.transactions("u2"); len(txns) != 1 {
		t.Errorf("transactions = %d, want only the first fill", len(txns))
	}
	f.expectBalance("u2", 0)
}

func TestPass_CancelAfterPartialFillWithoutFundsCancels(t *testing.T) {
	f := newFixture(t, monday)
	f.addUser("u2", 500)
	o := equityOrder("o1", "u2", domain.OrderSideBuy, domain.OrderSubTypeLimit, 10)
	o.LimitPrice = 100
	f.place(o)
	f.bars(bar(time.Minute, 100, 104))
	f.run()

	// A later qualifying point before the cancel request, with no cash left.
	f.bars(bar(10*time.Minute, 99, 101))
	f.requestCancel("o1", monday.Add(time.Hour))
	f.now = monday.Add(2 * time.Hour)
	f.run()

	got := f.expectOrder("o1", domain.OrderStatusCancelled, 5)
	if got.Msg != "insufficient funds; cancelled" {
		t.Errorf("msg = %q", got.Msg)
	}
	if txns := f.transactions("u2"); len(txns) != 1 {
		t.Errorf("transactions = %d, want 1", len(txns))
	}
}

func TestPass_DayOrderRejectedWhenUnfilled(t *testing.T) {
	f := newFixture(t, monday)
	o := equityOrder("o1", "u1", domain.OrderSideBuy, domain.OrderSubTypeLimit, 10)
	o.LimitPrice = 100
	o.TimeInForce = domain.TimeInForceDay
	f.place(o)
	f.bars(bar(time.Minute, 101, 103))

	f.run()
	if got := f.expectOrder("o1", domain.OrderStatusRejected, 0); got.Msg == "" {
		t.Error("rejected day order has no msg")
	}
}

func TestPass_MonthlySIPNotDueIsUntouched(t *testing.T) {
	now := time.Date(2024, 3, 18, 21, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	last := time.Date(2024, 2, 18, 0, 0, 0, 0, time.UTC)
	updated := last.Add(21 * time.Hour)
	sip := fundPlan("sip", domain.OrderSideBuy, domain.OrderSubTypeSIP, domain.FrequencyMonthly, 12, 1)
	sip.FilledQuantity, sip.AverageFillPrice = 2, 400
	sip.PlacedAt = time.Date(2024, 1, 18, 10, 0, 0, 0, time.UTC)
	sip.UpdatedAt, sip.LastFilledAt = updated, &last
	f.place(sip)
	f.bars(nav(time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC), 420))

	report := f.run()
	if report.Outcomes[OutcomeDeferred] != 1 {
		t.Errorf("outcomes = %v, want one deferral", report.Outcomes)
	}

	got := f.expectOrder("sip", domain.OrderStatusPending, 2)
	if !got.UpdatedAt.Equal(updated) {
		t.Errorf("updated at = %v, want %v; deferred orders are not rewritten", got.UpdatedAt, updated)
	}
	if txns := f.transactions("u1"); len(txns) != 0 {
		t.Errorf("transactions = %+v, want none", txns)
	}
}

func TestPass_RecurringPlanRunsToCompletion(t *testing.T) {
	f := newFixture(t, monday)
	f.place(fundPlan("sip", domain.OrderSideBuy, domain.OrderSubTypeSIP, domain.FrequencyDaily, 10, 4))

	day := time.Date(2024, 6, 17, 0, 0, 0, 0, time.UTC)
	for i, v := range []float64{100, 110, 120} {
		f.bars(nav(day.AddDate(0, 0, i), v))
		f.now = monday.AddDate(0, 0, i)
		f.run()
		// Re-running without a new NAV settles nothing.
		f.run()
	}

	got := f.expectOrder("sip", domain.OrderStatusFilled, 10)
	// (4*100 + 4*110 + 2*120) / 10
	if !approx(got.AverageFillPrice, 108) {
		t.Errorf("average fill price = %v, want 108", got.AverageFillPrice)
	}

	txns := f.transactions("u1")
	if len(txns) != 3 {
		t.Fatalf("transactions = %d, want 3", len(txns))
	}
	for i, want := range []float64{4, 4, 2} {
		if txns[i].Quantity != want {
			t.Errorf("installment %d = %v, want %v", i, txns[i].Quantity, want)
		}
	}

	h := f.holdings("u1")
	if len(h) != 1 || h[0].Quantity != 10 || !approx(h[0].AveragePrice, 108) {
		t.Errorf("holdings = %+v, want 10 @ 108", h)
	}
}

func TestPass_OpenEndedPlanRecursUntilCancelled(t *testing.T) {
	f := newFixture(t, monday)
	f.place(fundPlan("sip", domain.OrderSideBuy, domain.OrderSubTypeSIP, domain.FrequencyDaily, 2, 0))

	day := time.Date(2024, 6, 17, 0, 0, 0, 0, time.UTC)
	for i, v := range []float64{100, 120} {
		f.bars(nav(day.AddDate(0, 0, i), v))
		f.now = monday.AddDate(0, 0, i)
		if report := f.run(); report.Outcomes[OutcomeInstallment] != 1 {
			t.Fatalf("day %d outcomes = %v, want one installment", i, report.Outcomes)
		}
	}

	got := f.expectOrder("sip", domain.OrderStatusPending, 4)
	if !approx(got.AverageFillPrice, 110) {
		t.Errorf("average fill price = %v, want 110", got.AverageFillPrice)
	}
	if txns := f.transactions("u1"); len(txns) != 2 {
		t.Errorf("transactions = %d, want 2", len(txns))
	}
	f.expectBalance("u1", 1_000_000-440)

	f.requestCancel("sip", monday.AddDate(0, 0, 1).Add(time.Hour))
	f.now = monday.AddDate(0, 0, 2)
	f.run()
	f.expectOrder("sip", domain.OrderStatusCancelled, 4)
}

func TestPass_RecurringCancelSettlesOnceThenCancels(t *testing.T) {
	f := newFixture(t, monday)
	f.hold("u1", "VFIAX", domain.SecurityTypeFund, 20, 50)
	swp := fundPlan("swp", domain.OrderSideSell, domain.OrderSubTypeSWP, domain.FrequencyDaily, 12, 3)
	swp.Status = domain.OrderStatusCancelRequested
	swp.UpdatedAt = monday.Add(-time.Hour)
	f.place(swp)
	f.bars(nav(time.Date(2024, 6, 17, 0, 0, 0, 0, time.UTC), 60))

	report := f.run()
	if report.Outcomes[OutcomeCancelled] != 1 {
		t.Errorf("outcomes = %v, want one cancellation", report.Outcomes)
	}

	f.expectOrder("swp", domain.OrderStatusCancelled, 3)
	if txns := f.transactions("u1"); len(txns) != 1 {
		t.Errorf("transactions = %d, want 1", len(txns))
	}
	h := f.holdings("u1")
	if len(h) != 1 || h[0].Quantity != 17 || h[0].AveragePrice != 50 {
		t.Errorf("holdings = %+v, want 17 @ 50 (sells keep the cost basis)", h)
	}
}

func TestPass_AverageCost(t *testing.T) {
	f := newFixture(t, monday)
	f.hold("u1", "AAPL", domain.SecurityTypeEquity, 10, 100)
	o := equityOrder("o1", "u1", domain.OrderSideBuy, domain.OrderSubTypeMarket, 30)
	o.Price = 120
	f.place(o)

	f.run()
	h := f.holdings("u1")
	// (10*100 + 30*120) / 40
	if len(h) != 1 || h[0].Quantity != 40 || !approx(h[0].AveragePrice, 115) {
		t.Errorf("holdings = %+v, want 40 @ 115", h)
	}
}

func TestPass_Idempotent(t *testing.T) {
	f := newFixture(t, monday)
	limit := equityOrder("limit", "u1", domain.OrderSideBuy, domain.OrderSubTypeLimit, 10)
	limit.LimitPrice = 90
	f.place(limit)
	market := equityOrder("market", "u1", domain.OrderSideBuy, domain.OrderSubTypeMarket, 1)
	market.Price = 100
	f.place(market)
	f.bars(bar(time.Minute, 95, 99))

	f.run()
	balance := f.balance("u1")
	txns := len(f.transactions("u1"))
	limitAfter := f.order("limit")

	report := f.run()
	if report.Orders != 1 {
		t.Errorf("orders = %d, want only the unfilled limit order", report.Orders)
	}
	if got := len(f.transactions("u1")); got != txns {
		t.Errorf("transactions = %d, want %d", got, txns)
	}
	f.expectBalance("u1", balance)
	if got := f.order("limit"); !reflect.DeepEqual(got, limitAfter) {
		t.Errorf("limit order rewritten: %+v, want %+v", got, limitAfter)
	}
}

func TestPass_NotFoundSkipsOrderOnly(t *testing.T) {
	f := newFixture(t, monday)
	ghost := equityOrder("ghost", "u1", domain.OrderSideBuy, domain.OrderSubTypeMarket, 1)
	ghost.PortfolioID = "missing"
	ghost.Price = 100
	f.place(ghost)
	ok := equityOrder("ok", "u1", domain.OrderSideBuy, domain.OrderSubTypeMarket, 1)
	ok.Price = 100
	ok.PlacedAt = opening.Add(time.Second)
	f.place(ok)

	report := f.run()
	if report.Outcomes[OutcomeSkipped] != 1 || report.Outcomes[OutcomeFilled] != 1 {
		t.Errorf("outcomes = %v, want one skip and one fill", report.Outcomes)
	}
	f.expectOrder("ghost", domain.OrderStatusPending, 0)
	f.expectOrder("ok", domain.OrderStatusFilled, 1)
}

func TestPass_UnsupportedOrderSkipped(t *testing.T) {
	f := newFixture(t, monday)
	f.place(equityOrder("o1", "u1", domain.OrderSideBuy, domain.OrderSubTypeSIP, 1))

	report := f.run()
	if report.Outcomes[OutcomeSkipped] != 1 {
		t.Errorf("outcomes = %v, want one skip", report.Outcomes)
	}
	f.expectOrder("o1", domain.OrderStatusPending, 0)
}

func TestPass_NonTradingDay(t *testing.T) {
	f := newFixture(t, monday)
	f.engine = f.build(stubCalendar{open: false}, f.store, Options{})
	o := equityOrder("o1", "u1", domain.OrderSideBuy, domain.OrderSubTypeMarket, 1)
	o.Price = 100
	f.place(o)

	report := f.run()
	if !report.NonTradingDay || report.Orders != 0 {
		t.Errorf("report = %+v, want a skipped pass", report)
	}
	f.expectOrder("o1", domain.OrderStatusPending, 0)
	if !reflect.DeepEqual(f.observer.passes, []string{"skipped"}) {
		t.Errorf("observed passes = %v, want [skipped]", f.observer.passes)
	}
}

func TestPass_CalendarError(t *testing.T) {
	f := newFixture(t, monday)
	f.engine = f.build(stubCalendar{err: errors.New("calendar down")}, f.store, Options{})
	if _, err := f.engine.RunFulfillmentPass(f.ctx); err == nil {
		t.Fatal("RunFulfillmentPass succeeded with a failing calendar")
	}
}

// failingLedger fails every ledger transaction.
type failingLedger struct{ err error }

func (l failingLedger) WithinTx(context.Context, func(store.LedgerTx) error) error { return l.err }

func TestPass_LedgerFailureSurfaces(t *testing.T) {
	f := newFixture(t, monday)
	boom := errors.New("disk full")
	f.engine = f.build(stubCalendar{open: true}, failingLedger{err: boom}, Options{})
	for _, id := range []string{"o1", "o2"} {
		o := equityOrder(id, "u1", domain.OrderSideBuy, domain.OrderSubTypeMarket, 1)
		o.Price = 100
		f.place(o)
	}

	report, err := f.engine.RunFulfillmentPass(f.ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("RunFulfillmentPass error = %v, want %v", err, boom)
	}
	if report.Outcomes[OutcomeFailed] != 2 {
		t.Errorf("failed = %d, want every order visited", report.Outcomes[OutcomeFailed])
	}
	f.expectOrder("o1", domain.OrderStatusPending, 0)
	if !reflect.DeepEqual(f.observer.passes, []string{"error"}) {
		t.Errorf("observed passes = %v, want [error]", f.observer.passes)
	}
}

func TestPass_FIFOWithinUserServesFirstOrder(t *testing.T) {
	f := newFixture(t, monday)
	f.addUser("u2", 1000)
	first := equityOrder("first", "u2", domain.OrderSideBuy, domain.OrderSubTypeMarket, 8)
	first.Price = 100
	f.place(first)
	second := equityOrder("second", "u2", domain.OrderSideBuy, domain.OrderSubTypeMarket, 8)
	second.Price = 100
	second.PlacedAt = opening.Add(time.Second)
	f.place(second)

	f.run()
	f.expectOrder("first", domain.OrderStatusFilled, 8)
	f.expectOrder("second", domain.OrderStatusPartiallyFilled, 2)
	f.expectBalance("u2", 0)
}

func TestPass_ManyUsersConcurrently(t *testing.T) {
	f := newFixture(t, monday)
	users := []string{"a", "b", "c", "d", "e", "f"}
	for i, u := range users {
		f.addUser(u, 1000)
		for j := 0; j < 3; j++ {
			o := equityOrder(u+string(rune('0'+j)), u, domain.OrderSideBuy, domain.OrderSubTypeMarket, 5)
			o.Price = 100
			o.PlacedAt = opening.Add(time.Duration(i*3+j) * time.Second)
			f.place(o)
		}
	}

	if report := f.run(); report.Orders != 18 {
		t.Errorf("orders = %d, want 18", report.Orders)
	}
	for _, u := range users {
		f.expectBalance(u, 0)
		f.expectOrder(u+"2", domain.OrderStatusRejected, 0)
	}
}

func TestPartitionByUser(t *testing.T) {
	orders := []domain.Order{
		{ID: "1", UserID: "b"}, {ID: "2", UserID: "a"}, {ID: "3", UserID: "b"}, {ID: "4", UserID: "c"}, {ID: "5", UserID: "a"},
	}
	parts := partitionByUser(orders)
	var got [][]string
	for _, p := range parts {
		var ids []string
		for _, o := range p {
			ids = append(ids, o.ID)
		}
		got = append(got, ids)
	}
	want := [][]string{{"1", "3"}, {"2", "5"}, {"4"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("partitionByUser = %v, want %v", got, want)
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("u1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
	if len(k.locks) != 0 {
		t.Errorf("locks = %d, want unused locks released", len(k.locks))
	}
}

func TestRiskManagerClampBuy(t *testing.T) {
	d := decimal.RequireFromString
	cases := []struct {
		name    string
		lots    LotPolicy
		secType domain.SecurityType
		qty     string
		price   string
		balance string
		want    string
	}{
		{"affordable", DefaultLotPolicy, domain.SecurityTypeEquity, "10", "100", "5000", "10"},
		{"whole shares", DefaultLotPolicy, domain.SecurityTypeEquity, "10", "100", "550", "5"},
		{"fractional shares", LotPolicy{FractionalEquities: true, FundUnitPlaces: 4}, domain.SecurityTypeEquity, "10", "100", "550", "5.5"},
		{"fund units", DefaultLotPolicy, domain.SecurityTypeFund, "10", "3", "10", "3.3333"},
		{"empty balance", DefaultLotPolicy, domain.SecurityTypeEquity, "10", "100", "0", "0"},
		{"zero price", DefaultLotPolicy, domain.SecurityTypeEquity, "10", "0", "100", "0"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rm := NewRiskManager(c.lots)
			got := rm.ClampBuy(d(c.qty), d(c.price), d(c.balance), c.secType)
			if !got.Equal(d(c.want)) {
				t.Errorf("ClampBuy = %s, want %s", got, c.want)
			}
			if !got.IsZero() && got.Mul(d(c.price)).GreaterThan(d(c.balance)) {
				t.Errorf("ClampBuy = %s costs more than balance %s", got, c.balance)
			}
		})
	}
}

func TestRiskManagerClampSell(t *testing.T) {
	rm := NewRiskManager(DefaultLotPolicy)
	d := decimal.RequireFromString
	cases := []struct{ qty, held, want string }{
		{"50", "30", "30"},
		{"10", "30", "10"},
		{"10", "0", "0"},
	}
	for _, c := range cases {
		if got := rm.ClampSell(d(c.qty), d(c.held)); !got.Equal(d(c.want)) {
			t.Errorf("ClampSell(%s, %s) = %s, want %s", c.qty, c.held, got, c.want)
		}
	}
}
