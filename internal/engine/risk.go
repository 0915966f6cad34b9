package engine

import (
	"github.com/shopspring/decimal"

	"brokersim/internal/domain"
)

// LotPolicy controls the granularity of clamped buy quantities.
type LotPolicy struct {
	// FractionalEquities allows fractional share fills when a buy is clamped
	// to the available balance. When false equities clamp to whole shares.
	FractionalEquities bool

	// FundUnitPlaces is the number of decimal places fund units are rounded
	// down to.
	FundUnitPlaces int32
}

// DefaultLotPolicy clamps equities to whole shares and fund units to four
// decimal places.
var DefaultLotPolicy = LotPolicy{FundUnitPlaces: 4}

// fractionalEquityPlaces bounds fractional share quantities.
const fractionalEquityPlaces = 6

// RiskManager enforces resource limits at settlement time: a buy never
// spends more cash than the account holds and a sell never delivers more
// units than the portfolio holds.
type RiskManager struct {
	lots LotPolicy
}

// NewRiskManager creates a RiskManager applying the given lot policy.
func NewRiskManager(lots LotPolicy) *RiskManager {
	return &RiskManager{lots: lots}
}

// ClampBuy returns the largest quantity not exceeding qty whose cost at
// price fits in balance. Quantities below qty are rounded down per the lot
// policy.
func (rm *RiskManager) ClampBuy(qty, price, balance decimal.Decimal, securityType domain.SecurityType) decimal.Decimal {
	if !price.IsPositive() || !balance.IsPositive() {
		return decimal.Zero
	}
	if qty.Mul(price).LessThanOrEqual(balance) {
		return qty
	}
	affordable := balance.DivRound(price, 16)
	switch {
	case securityType == domain.SecurityTypeFund:
		affordable = affordable.Truncate(rm.lots.FundUnitPlaces)
	case rm.lots.FractionalEquities:
		affordable = affordable.Truncate(fractionalEquityPlaces)
	default:
		affordable = affordable.Floor()
	}
	// DivRound may round up in the last place.
	for affordable.IsPositive() && affordable.Mul(price).GreaterThan(balance) {
		affordable = affordable.Sub(rm.step(securityType))
	}
	if affordable.IsNegative() {
		return decimal.Zero
	}
	return affordable
}

// ClampSell returns qty limited to the held quantity.
func (rm *RiskManager) ClampSell(qty, held decimal.Decimal) decimal.Decimal {
	if !held.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(qty, held)
}

func (rm *RiskManager) step(securityType domain.SecurityType) decimal.Decimal {
	switch {
	case securityType == domain.SecurityTypeFund:
		return decimal.New(1, -rm.lots.FundUnitPlaces)
	case rm.lots.FractionalEquities:
		return decimal.New(1, -fractionalEquityPlaces)
	}
	return decimal.NewFromInt(1)
}
