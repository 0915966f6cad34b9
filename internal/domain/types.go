// Package domain defines the core types shared across brokersim: securities,
// price points, orders, holdings, accounts and ledger transactions.
package domain

import (
	"time"
)

// SecurityType distinguishes the two instrument families the simulator
// trades.
type SecurityType string

const (
	SecurityTypeEquity SecurityType = "company"
	SecurityTypeFund   SecurityType = "mutualfund"
)

// Granularity is the bar width of a price point.
type Granularity string

const (
	Granularity1Min  Granularity = "1min"
	Granularity5Min  Granularity = "5min"
	GranularityDaily Granularity = "daily"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "Buy"
	OrderSideSell OrderSide = "Sell"
)

// OrderSubType selects the trigger logic applied to an order.
type OrderSubType string

const (
	OrderSubTypeMarket     OrderSubType = "MARKET"
	OrderSubTypeLimit      OrderSubType = "LIMIT"
	OrderSubTypeStopLoss   OrderSubType = "STOP_LOSS"
	OrderSubTypeStopLimit  OrderSubType = "STOP_LIMIT"
	OrderSubTypeTakeProfit OrderSubType = "TAKE_PROFIT"
	OrderSubTypeSIP        OrderSubType = "SIP"
	OrderSubTypeSWP        OrderSubType = "SWP"
)

// IsRecurring reports whether the subtype is a systematic fund plan.
func (t OrderSubType) IsRecurring() bool {
	return t == OrderSubTypeSIP || t == OrderSubTypeSWP
}

// TimeInForce controls what happens to an unfilled order at the end of a
// fulfillment pass.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
)

// Frequency is the installment cadence of a recurring plan.
type Frequency string

const (
	FrequencyDaily   Frequency = "DAILY"
	FrequencyWeekly  Frequency = "WEEKLY"
	FrequencyMonthly Frequency = "MONTHLY"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	// OrderStatusCanceled is the legacy terminal spelling kept for rows
	// written by older order desks. New code writes OrderStatusCancelled.
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusCancelRequested OrderStatus = "CANCEL_REQUESTED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCanceled, OrderStatusCancelled:
		return true
	}
	return false
}

// Security is a tradable instrument.
type Security struct {
	ID     string
	Type   SecurityType
	Symbol string
	Name   string
}

// PricePoint is a single OHLCV observation. Funds carry their NAV in Close.
type PricePoint struct {
	SecurityID   string
	SecurityType SecurityType
	Timestamp    time.Time
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       int64
	Granularity  Granularity
}

// User owns the cash balance used to settle buys.
type User struct {
	ID       string
	UserName string
	Name     string
	Email    string
	Balance  float64
}

// Portfolio groups a user's holdings.
type Portfolio struct {
	ID     string
	UserID string
}

// Holding is a position in one security. A holding exists only while its
// quantity is positive.
type Holding struct {
	PortfolioID  string
	SecurityID   string
	SecurityType SecurityType
	Quantity     float64
	AveragePrice float64
	UpdatedAt    time.Time
}

// Transaction is an immutable ledger entry written once per settled fill.
type Transaction struct {
	ID           string
	UserID       string
	OrderID      string
	SecurityID   string
	SecurityType SecurityType
	Action       OrderSide
	TradePrice   float64
	Quantity     float64
	Timestamp    time.Time
}

// Order is a user's instruction to buy or sell a security.
type Order struct {
	ID           string
	UserID       string
	PortfolioID  string
	SecurityID   string
	SecurityType SecurityType
	Side         OrderSide
	SubType      OrderSubType
	Quantity     float64

	// Price is the reference price captured at placement (market orders).
	Price           float64
	LimitPrice      float64
	StopPrice       float64
	TakeProfitPrice float64

	TimeInForce         TimeInForce
	Frequency           Frequency
	InstallmentQuantity float64

	Status           OrderStatus
	FilledQuantity   float64
	AverageFillPrice float64
	Msg              string

	PlacedAt     time.Time
	UpdatedAt    time.Time
	LastFilledAt *time.Time
	TriggeredAt  *time.Time
}

// OpenEnded reports whether the order is a recurring plan without an
// installment size. Each installment is then Quantity and the plan runs
// until it is cancelled, so FilledQuantity may grow past Quantity.
func (o *Order) OpenEnded() bool {
	return o.SubType.IsRecurring() && o.InstallmentQuantity <= 0
}

// RemainingQuantity returns how much of the order is still unfilled. An
// open-ended plan always has one full installment left.
func (o *Order) RemainingQuantity() float64 {
	if o.OpenEnded() {
		return o.Quantity
	}
	r := o.Quantity - o.FilledQuantity
	if r < 0 {
		return 0
	}
	return r
}

// CancelRequestedAt returns the instant a cancel was requested, if any. The
// request is encoded by the status together with the updated timestamp.
func (o *Order) CancelRequestedAt() (time.Time, bool) {
	if o.Status != OrderStatusCancelRequested {
		return time.Time{}, false
	}
	return o.UpdatedAt, true
}
