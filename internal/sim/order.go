package sim

import (
	"time"

	"marketsim/logger"
	"marketsim/models"

	"github.com/shopspring/decimal"
)

// Event drives order lifecycle transitions.
type Event string

const (
	EventPartialFill   Event = "PARTIAL_FILL"
	EventFill          Event = "FILL"
	EventCancel        Event = "CANCEL"
	EventReject        Event = "REJECT"
	EventExpire        Event = "EXPIRE"
	EventPendingCancel Event = "PENDING_CANCEL"
)

// transitions is the fixed, exhaustive lifecycle table. Terminal states have
// no outbound entries.
var transitions = map[models.OrderStatus]map[Event]models.OrderStatus{
	models.OrderStatusNew: {
		EventPartialFill:   models.OrderStatusPartiallyFilled,
		EventFill:          models.OrderStatusFilled,
		EventCancel:        models.OrderStatusCanceled,
		EventReject:        models.OrderStatusRejected,
		EventExpire:        models.OrderStatusExpired,
		EventPendingCancel: models.OrderStatusPendingCancel,
	},
	models.OrderStatusPartiallyFilled: {
		EventPartialFill:   models.OrderStatusPartiallyFilled,
		EventFill:          models.OrderStatusFilled,
		EventCancel:        models.OrderStatusCanceled,
		EventExpire:        models.OrderStatusExpired,
		EventPendingCancel: models.OrderStatusPendingCancel,
	},
	models.OrderStatusPendingCancel: {
		EventCancel: models.OrderStatusCanceled,
	},
}

// CanTransition reports whether the (from, event) pair is a valid lifecycle
// step. Always false when from is terminal.
func CanTransition(from models.OrderStatus, event Event) bool {
	_, ok := transitions[from][event]
	return ok
}

// Transition returns a new order value with the transition applied. An
// unrecognized (status, event) pair is a defensive no-op: it logs a warning
// and returns the order unchanged with ok == false.
func Transition(o models.Order, event Event, now time.Time) (models.Order, bool) {
	next, ok := transitions[o.Status][event]
	if !ok {
		logger.GetLogger().WithComponent("sim_order").WithFields(logger.Fields{
			"order_id": o.OrderID,
			"status":   o.Status,
			"event":    event,
		}).Warn("invalid order transition ignored")
		return o, false
	}

	o.Status = next
	o.UpdateTime = now
	return o, true
}

// ApplyFill appends a fill and recomputes executedQty, cumulativeQuoteQty and
// avgPrice from the complete fill list, so the aggregates can never drift
// from the fill log. The matching transition event is chosen from the new
// executed quantity.
func ApplyFill(o models.Order, fill models.Fill, now time.Time) (models.Order, bool) {
	fills := make([]models.Fill, len(o.Fills), len(o.Fills)+1)
	copy(fills, o.Fills)
	fills = append(fills, fill)

	executed := decimal.Zero
	quote := decimal.Zero
	for _, f := range fills {
		executed = executed.Add(f.Quantity)
		quote = quote.Add(f.Price.Mul(f.Quantity))
	}

	event := EventPartialFill
	if executed.GreaterThanOrEqual(o.OrigQty) {
		event = EventFill
	}

	next, ok := Transition(o, event, now)
	if !ok {
		return o, false
	}

	next.Fills = fills
	next.ExecutedQty = executed
	next.CumulativeQuoteQty = quote
	if executed.IsPositive() {
		next.AvgPrice = quote.Div(executed)
	}
	return next, true
}
