package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"brokersim/internal/domain"
)

// Compile-time interface checks.
var _ OrderStore = (*MemoryStore)(nil)
var _ Ledger = (*MemoryStore)(nil)
var _ AccountStore = (*MemoryStore)(nil)
var _ PriceStore = (*MemoryPriceStore)(nil)

type holdingKey struct {
	portfolioID  string
	securityID   string
	securityType domain.SecurityType
}

type securityKey struct {
	id  string
	typ domain.SecurityType
}

// memState is the full ledger state. Values are stored by value so a
// shallow map copy is a snapshot.
type memState struct {
	users        map[string]domain.User
	portfolios   map[string]domain.Portfolio
	securities   map[securityKey]domain.Security
	holdings     map[holdingKey]domain.Holding
	orders       map[string]domain.Order
	transactions []domain.Transaction
}

func (s *memState) clone() *memState {
	c := &memState{
		users:        make(map[string]domain.User, len(s.users)),
		portfolios:   make(map[string]domain.Portfolio, len(s.portfolios)),
		securities:   make(map[securityKey]domain.Security, len(s.securities)),
		holdings:     make(map[holdingKey]domain.Holding, len(s.holdings)),
		orders:       make(map[string]domain.Order, len(s.orders)),
		transactions: append([]domain.Transaction(nil), s.transactions...),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.portfolios {
		c.portfolios[k] = v
	}
	for k, v := range s.securities {
		c.securities[k] = v
	}
	for k, v := range s.holdings {
		c.holdings[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	return c
}

// MemoryStore is an in-process implementation of OrderStore, Ledger and
// AccountStore for paper trading and tests. Transactions are applied to a
// copy of the state and swapped in on success.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			users:      make(map[string]domain.User),
			portfolios: make(map[string]domain.Portfolio),
			securities: make(map[securityKey]domain.Security),
			holdings:   make(map[holdingKey]domain.Holding),
			orders:     make(map[string]domain.Order),
		},
	}
}

// WithinTx runs fn against a private copy of the state and publishes the
// copy only when fn succeeds.
func (m *MemoryStore) WithinTx(_ context.Context, fn func(tx LedgerTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// InsertOrder adds a new order.
func (m *MemoryStore) InsertOrder(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	m.state.orders[o.ID] = copyOrder(*o)
	return nil
}

// GetOrder retrieves a single order by its ID.
func (m *MemoryStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{s: m.state}).getOrder(id)
}

// SaveOrder persists changes to an existing order.
func (m *MemoryStore) SaveOrder(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{s: m.state}).saveOrder(o)
}

// FindPendingOrders returns pending and cancel-requested orders, oldest
// placement first.
func (m *MemoryStore) FindPendingOrders(_ context.Context) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Order
	for _, o := range m.state.orders {
		if o.Status == domain.OrderStatusPending || o.Status == domain.OrderStatusCancelRequested {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlacedAt.Equal(out[j].PlacedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].PlacedAt.Before(out[j].PlacedAt)
	})
	return out, nil
}

// ListOrders returns a user's orders, newest first.
func (m *MemoryStore) ListOrders(_ context.Context, userID string, status domain.OrderStatus) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Order
	for _, o := range m.state.orders {
		if o.UserID != userID || (status != "" && o.Status != status) {
			continue
		}
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlacedAt.Equal(out[j].PlacedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].PlacedAt.After(out[j].PlacedAt)
	})
	return out, nil
}

// CreateUser inserts a user.
func (m *MemoryStore) CreateUser(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.users[u.ID]; ok {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	m.state.users[u.ID] = *u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MemoryStore) GetUser(_ context.Context, userID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{s: m.state}).GetUser(context.Background(), userID)
}

// CreatePortfolio inserts a portfolio for an existing user.
func (m *MemoryStore) CreatePortfolio(_ context.Context, p *domain.Portfolio) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.users[p.UserID]; !ok {
		return fmt.Errorf("user %s: %w", p.UserID, ErrNotFound)
	}
	m.state.portfolios[p.ID] = *p
	return nil
}

// PutSecurity inserts or replaces a security.
func (m *MemoryStore) PutSecurity(_ context.Context, s *domain.Security) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.securities[securityKey{s.ID, s.Type}] = *s
	return nil
}

// ListHoldings returns every holding in a portfolio.
func (m *MemoryStore) ListHoldings(_ context.Context, portfolioID string) ([]domain.Holding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Holding
	for k, h := range m.state.holdings {
		if k.portfolioID == portfolioID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SecurityType != out[j].SecurityType {
			return out[i].SecurityType < out[j].SecurityType
		}
		return out[i].SecurityID < out[j].SecurityID
	})
	return out, nil
}

// ListTransactions returns a user's ledger entries in insertion order.
func (m *MemoryStore) ListTransactions(_ context.Context, userID string) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Transaction
	for _, t := range m.state.transactions {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// LedgerTx implementation
// ---------------------------------------------------------------------------

type memTx struct {
	s *memState
}

func (t *memTx) GetUser(_ context.Context, userID string) (*domain.User, error) {
	u, ok := t.s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return &u, nil
}

func (t *memTx) GetPortfolio(_ context.Context, portfolioID string) (*domain.Portfolio, error) {
	p, ok := t.s.portfolios[portfolioID]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", portfolioID, ErrNotFound)
	}
	return &p, nil
}

func (t *memTx) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	return t.getOrder(orderID)
}

func (t *memTx) GetSecurity(_ context.Context, securityID string, securityType domain.SecurityType) (*domain.Security, error) {
	s, ok := t.s.securities[securityKey{securityID, securityType}]
	if !ok {
		return nil, fmt.Errorf("security %s/%s: %w", securityType, securityID, ErrNotFound)
	}
	return &s, nil
}

func (t *memTx) GetHolding(_ context.Context, portfolioID, securityID string, securityType domain.SecurityType) (*domain.Holding, error) {
	h, ok := t.s.holdings[holdingKey{portfolioID, securityID, securityType}]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s: %w", portfolioID, securityID, ErrNotFound)
	}
	return &h, nil
}

func (t *memTx) UpsertHolding(_ context.Context, h *domain.Holding) error {
	if h.Quantity <= 0 {
		return fmt.Errorf("holding %s/%s: quantity must be positive, got %v", h.PortfolioID, h.SecurityID, h.Quantity)
	}
	t.s.holdings[holdingKey{h.PortfolioID, h.SecurityID, h.SecurityType}] = *h
	return nil
}

func (t *memTx) DeleteHolding(_ context.Context, portfolioID, securityID string, securityType domain.SecurityType) error {
	delete(t.s.holdings, holdingKey{portfolioID, securityID, securityType})
	return nil
}

func (t *memTx) AdjustBalance(_ context.Context, userID string, delta float64) (float64, error) {
	u, ok := t.s.users[userID]
	if !ok {
		return 0, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	next, err := applyDelta(u.Balance, delta)
	if err != nil {
		return 0, fmt.Errorf("user %s: %w", userID, err)
	}
	u.Balance = next
	t.s.users[userID] = u
	return next, nil
}

func (t *memTx) AppendTransaction(_ context.Context, txn *domain.Transaction) error {
	t.s.transactions = append(t.s.transactions, *txn)
	return nil
}

func (t *memTx) SaveOrder(_ context.Context, o *domain.Order) error {
	return t.saveOrder(o)
}

func (t *memTx) getOrder(id string) (*domain.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	c := copyOrder(o)
	return &c, nil
}

func (t *memTx) saveOrder(o *domain.Order) error {
	if _, ok := t.s.orders[o.ID]; !ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	t.s.orders[o.ID] = copyOrder(*o)
	return nil
}

// copyOrder detaches the optional timestamps so callers cannot mutate
// stored state through them.
func copyOrder(o domain.Order) domain.Order {
	if o.LastFilledAt != nil {
		v := *o.LastFilledAt
		o.LastFilledAt = &v
	}
	if o.TriggeredAt != nil {
		v := *o.TriggeredAt
		o.TriggeredAt = &v
	}
	return o
}

// ---------------------------------------------------------------------------
// MemoryPriceStore
// ---------------------------------------------------------------------------

// MemoryPriceStore keeps price points in memory, one sorted series per
// security. It is used by tests and by the paper-trading CLI.
type MemoryPriceStore struct {
	mu     sync.RWMutex
	series map[securityKey][]domain.PricePoint
}

// NewMemoryPriceStore creates an empty MemoryPriceStore.
func NewMemoryPriceStore() *MemoryPriceStore {
	return &MemoryPriceStore{series: make(map[securityKey][]domain.PricePoint)}
}

// WritePricePoints merges points into the per-security series.
func (m *MemoryPriceStore) WritePricePoints(_ context.Context, points []domain.PricePoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range points {
		k := securityKey{p.SecurityID, p.SecurityType}
		s := m.series[k]
		replaced := false
		for i := range s {
			if s[i].Timestamp.Equal(p.Timestamp) {
				s[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			s = append(s, p)
		}
		sort.Slice(s, func(i, j int) bool { return s[i].Timestamp.Before(s[j].Timestamp) })
		m.series[k] = s
	}
	return nil
}

// PricePoints returns the points within [since, until] in timestamp order.
func (m *MemoryPriceStore) PricePoints(_ context.Context, securityID string, securityType domain.SecurityType, since, until time.Time) ([]domain.PricePoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.PricePoint
	for _, p := range m.series[securityKey{securityID, securityType}] {
		if p.Timestamp.Before(since) || p.Timestamp.After(until) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// LatestPoint returns the newest point at or before asOf.
func (m *MemoryPriceStore) LatestPoint(_ context.Context, securityID string, securityType domain.SecurityType, asOf time.Time) (*domain.PricePoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.series[securityKey{securityID, securityType}]
	for i := len(s) - 1; i >= 0; i-- {
		if !s[i].Timestamp.After(asOf) {
			p := s[i]
			return &p, nil
		}
	}
	return nil, nil
}
