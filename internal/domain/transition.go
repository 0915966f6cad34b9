package domain

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when an order status change is not part
// of the order state machine.
var ErrIllegalTransition = errors.New("illegal order status transition")

type transition struct {
	from OrderStatus
	to   OrderStatus
}

var legalTransitions = map[transition]bool{
	{OrderStatusPending, OrderStatusFilled}:          true,
	{OrderStatusPending, OrderStatusPartiallyFilled}: true,
	{OrderStatusPending, OrderStatusRejected}:        true,
	{OrderStatusPending, OrderStatusCancelRequested}: true,
	// Recurring plans finish a cancelled run straight from pending.
	{OrderStatusPending, OrderStatusCancelled}: true,

	{OrderStatusPartiallyFilled, OrderStatusFilled}:          true,
	{OrderStatusPartiallyFilled, OrderStatusCancelled}:       true,
	{OrderStatusPartiallyFilled, OrderStatusCancelRequested}: true,

	{OrderStatusCancelRequested, OrderStatusCancelled}:       true,
	{OrderStatusCancelRequested, OrderStatusFilled}:          true,
	{OrderStatusCancelRequested, OrderStatusPartiallyFilled}: true,
}

// ValidateTransition checks that an order may move from one status to
// another. Staying in the same non-terminal status is always allowed.
func ValidateTransition(from, to OrderStatus) error {
	if from == to && !from.IsTerminal() {
		return nil
	}
	if legalTransitions[transition{from, to}] {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
