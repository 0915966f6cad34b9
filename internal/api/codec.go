package api

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"brokersim/internal/domain"
	"brokersim/internal/engine"
)

// orderFields lists the keys a placement request may carry and whether each
// holds a number.
var orderFields = map[string]bool{
	"id":                   false,
	"user_id":              false,
	"portfolio_id":         false,
	"security_id":          false,
	"security_type":        false,
	"side":                 false,
	"subtype":              false,
	"time_in_force":        false,
	"frequency":            false,
	"quantity":             true,
	"price":                true,
	"limit_price":          true,
	"stop_price":           true,
	"take_profit_price":    true,
	"installment_quantity": true,
}

// orderFromStruct decodes a placement request.
func orderFromStruct(s *structpb.Struct) (*domain.Order, error) {
	str := make(map[string]string)
	num := make(map[string]float64)
	for k, v := range s.GetFields() {
		isNum, ok := orderFields[k]
		if !ok {
			return nil, fmt.Errorf("unknown field %q", k)
		}
		switch x := v.GetKind().(type) {
		case *structpb.Value_NumberValue:
			if !isNum {
				return nil, fmt.Errorf("field %q must be a string", k)
			}
			num[k] = x.NumberValue
		case *structpb.Value_StringValue:
			if isNum {
				return nil, fmt.Errorf("field %q must be a number", k)
			}
			str[k] = x.StringValue
		case *structpb.Value_NullValue:
		default:
			return nil, fmt.Errorf("field %q has unsupported type", k)
		}
	}
	return &domain.Order{
		ID:                  str["id"],
		UserID:              str["user_id"],
		PortfolioID:         str["portfolio_id"],
		SecurityID:          str["security_id"],
		SecurityType:        domain.SecurityType(str["security_type"]),
		Side:                domain.OrderSide(str["side"]),
		SubType:             domain.OrderSubType(str["subtype"]),
		TimeInForce:         domain.TimeInForce(str["time_in_force"]),
		Frequency:           domain.Frequency(str["frequency"]),
		Quantity:            num["quantity"],
		Price:               num["price"],
		LimitPrice:          num["limit_price"],
		StopPrice:           num["stop_price"],
		TakeProfitPrice:     num["take_profit_price"],
		InstallmentQuantity: num["installment_quantity"],
	}, nil
}

// orderToStruct encodes an order with timestamps in RFC 3339.
func orderToStruct(o *domain.Order) (*structpb.Struct, error) {
	m := map[string]any{
		"id":                   o.ID,
		"user_id":              o.UserID,
		"portfolio_id":         o.PortfolioID,
		"security_id":          o.SecurityID,
		"security_type":        string(o.SecurityType),
		"side":                 string(o.Side),
		"subtype":              string(o.SubType),
		"time_in_force":        string(o.TimeInForce),
		"frequency":            string(o.Frequency),
		"quantity":             o.Quantity,
		"price":                o.Price,
		"limit_price":          o.LimitPrice,
		"stop_price":           o.StopPrice,
		"take_profit_price":    o.TakeProfitPrice,
		"installment_quantity": o.InstallmentQuantity,
		"status":               string(o.Status),
		"filled_quantity":      o.FilledQuantity,
		"average_fill_price":   o.AverageFillPrice,
		"msg":                  o.Msg,
		"placed_at":            o.PlacedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":           o.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if o.LastFilledAt != nil {
		m["last_filled_at"] = o.LastFilledAt.UTC().Format(time.RFC3339Nano)
	}
	if o.TriggeredAt != nil {
		m["triggered_at"] = o.TriggeredAt.UTC().Format(time.RFC3339Nano)
	}
	return structpb.NewStruct(m)
}

// reportToStruct encodes a pass report.
func reportToStruct(r engine.PassReport) (*structpb.Struct, error) {
	outcomes := make(map[string]any, len(r.Outcomes))
	for k, v := range r.Outcomes {
		outcomes[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"started_at":      r.StartedAt.UTC().Format(time.RFC3339Nano),
		"elapsed_ms":      r.Elapsed.Milliseconds(),
		"non_trading_day": r.NonTradingDay,
		"orders":          r.Orders,
		"conversions":     r.Conversions,
		"transactions":    r.Transactions,
		"outcomes":        outcomes,
	})
}
