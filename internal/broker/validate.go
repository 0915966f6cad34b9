package broker

import (
	"fmt"

	"brokersim/internal/domain"
)

// Validate checks an order against the placement rules of its security type
// and subtype, and fills in the default time-in-force.
func Validate(o *domain.Order) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrInvalidOrder}, args...)...)
	}

	switch {
	case o.UserID == "":
		return invalid("user is required")
	case o.PortfolioID == "":
		return invalid("portfolio is required")
	case o.SecurityID == "":
		return invalid("security is required")
	case o.Quantity <= 0:
		return invalid("quantity must be positive, got %v", o.Quantity)
	case o.Price < 0, o.LimitPrice < 0, o.StopPrice < 0, o.TakeProfitPrice < 0:
		return invalid("prices must not be negative")
	}
	switch o.Side {
	case domain.OrderSideBuy, domain.OrderSideSell:
	default:
		return invalid("unknown side %q", o.Side)
	}
	switch o.TimeInForce {
	case "":
		o.TimeInForce = domain.TimeInForceGTC
	case domain.TimeInForceDay, domain.TimeInForceGTC:
	default:
		return invalid("unknown time in force %q", o.TimeInForce)
	}

	switch o.SecurityType {
	case domain.SecurityTypeEquity:
		return validateEquity(o, invalid)
	case domain.SecurityTypeFund:
		return validateFund(o, invalid)
	}
	return invalid("unknown security type %q", o.SecurityType)
}

func validateEquity(o *domain.Order, invalid func(string, ...any) error) error {
	switch o.SubType {
	case domain.OrderSubTypeMarket:
	case domain.OrderSubTypeLimit:
		if o.LimitPrice <= 0 {
			return invalid("limit order needs a limit price")
		}
	case domain.OrderSubTypeStopLoss:
		if o.StopPrice <= 0 {
			return invalid("stop-loss order needs a stop price")
		}
	case domain.OrderSubTypeStopLimit:
		if o.StopPrice <= 0 || o.LimitPrice <= 0 {
			return invalid("stop-limit order needs stop and limit prices")
		}
	case domain.OrderSubTypeTakeProfit:
		if o.TakeProfitPrice <= 0 {
			return invalid("take-profit order needs a take-profit price")
		}
	default:
		return invalid("subtype %s is not available for equities", o.SubType)
	}
	if o.Frequency != "" || o.InstallmentQuantity != 0 {
		return invalid("frequency applies to recurring fund plans only")
	}
	return nil
}

func validateFund(o *domain.Order, invalid func(string, ...any) error) error {
	switch o.SubType {
	case domain.OrderSubTypeMarket:
		if o.Frequency != "" || o.InstallmentQuantity != 0 {
			return invalid("frequency applies to recurring fund plans only")
		}
		return nil
	case domain.OrderSubTypeSIP, domain.OrderSubTypeSWP:
	default:
		return invalid("subtype %s is not available for funds", o.SubType)
	}

	want := domain.OrderSideBuy
	if o.SubType == domain.OrderSubTypeSWP {
		want = domain.OrderSideSell
	}
	if o.Side != want {
		return invalid("%s plans must be %s orders", o.SubType, want)
	}
	switch o.Frequency {
	case domain.FrequencyDaily, domain.FrequencyWeekly, domain.FrequencyMonthly:
	default:
		return invalid("recurring plan needs a frequency, got %q", o.Frequency)
	}
	// Zero installment quantity makes an open-ended plan of Quantity per
	// installment.
	if o.InstallmentQuantity < 0 || o.InstallmentQuantity > o.Quantity {
		return invalid("installment quantity %v outside 0..%v", o.InstallmentQuantity, o.Quantity)
	}
	// Recurring plans run until exhausted or cancelled.
	o.TimeInForce = domain.TimeInForceGTC
	return nil
}
