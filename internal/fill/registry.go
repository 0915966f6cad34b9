package fill

import (
	"sort"

	"brokersim/internal/domain"
)

// Key selects an evaluator.
type Key struct {
	SecurityType domain.SecurityType
	SubType      domain.OrderSubType
}

func (k Key) String() string {
	return string(k.SecurityType) + "/" + string(k.SubType)
}

// Registry maps (security type, subtype) to the evaluator handling it.
type Registry struct {
	evaluators map[Key]Evaluator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		evaluators: make(map[Key]Evaluator),
	}
}

// DefaultRegistry returns a Registry wired with every supported order kind.
// Equities take market, limit, stop-loss, stop-limit and take-profit
// orders; funds take market orders and SIP/SWP plans.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	eq := domain.SecurityTypeEquity
	r.Register(eq, domain.OrderSubTypeMarket, MarketEvaluator{})
	r.Register(eq, domain.OrderSubTypeLimit, LimitEvaluator{})
	r.Register(eq, domain.OrderSubTypeStopLoss, StopLossEvaluator{})
	r.Register(eq, domain.OrderSubTypeStopLimit, StopLimitEvaluator{})
	r.Register(eq, domain.OrderSubTypeTakeProfit, TakeProfitEvaluator{})

	fund := domain.SecurityTypeFund
	r.Register(fund, domain.OrderSubTypeMarket, FundMarketEvaluator{})
	r.Register(fund, domain.OrderSubTypeSIP, RecurringEvaluator{})
	r.Register(fund, domain.OrderSubTypeSWP, RecurringEvaluator{})
	return r
}

// Register adds or replaces the evaluator for a security type and subtype.
func (r *Registry) Register(securityType domain.SecurityType, subType domain.OrderSubType, ev Evaluator) {
	r.evaluators[Key{securityType, subType}] = ev
}

// Lookup returns the evaluator for a security type and subtype. The second
// return value indicates whether one is registered.
func (r *Registry) Lookup(securityType domain.SecurityType, subType domain.OrderSubType) (Evaluator, bool) {
	ev, ok := r.evaluators[Key{securityType, subType}]
	return ev, ok
}

// Keys returns the registered keys, sorted.
func (r *Registry) Keys() []Key {
	keys := make([]Key, 0, len(r.evaluators))
	for k := range r.evaluators {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
