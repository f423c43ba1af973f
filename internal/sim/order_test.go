package sim

import (
	"testing"
	"time"

	"marketsim/models"

	"github.com/shopspring/decimal"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from  models.OrderStatus
		event Event
		to    models.OrderStatus
		ok    bool
	}{
		{models.OrderStatusNew, EventPartialFill, models.OrderStatusPartiallyFilled, true},
		{models.OrderStatusNew, EventFill, models.OrderStatusFilled, true},
		{models.OrderStatusNew, EventCancel, models.OrderStatusCanceled, true},
		{models.OrderStatusNew, EventReject, models.OrderStatusRejected, true},
		{models.OrderStatusNew, EventExpire, models.OrderStatusExpired, true},
		{models.OrderStatusPartiallyFilled, EventFill, models.OrderStatusFilled, true},
		{models.OrderStatusPartiallyFilled, EventCancel, models.OrderStatusCanceled, true},
		{models.OrderStatusPartiallyFilled, EventReject, "", false},
		{models.OrderStatusPendingCancel, EventCancel, models.OrderStatusCanceled, true},
		{models.OrderStatusPendingCancel, EventFill, "", false},
		{models.OrderStatusFilled, EventCancel, "", false},
		{models.OrderStatusCanceled, EventFill, "", false},
		{models.OrderStatusRejected, EventCancel, "", false},
		{models.OrderStatusExpired, EventFill, "", false},
	}

	now := time.Now()
	for _, c := range cases {
		if got := CanTransition(c.from, c.event); got != c.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.event, got, c.ok)
			continue
		}

		order := models.Order{Status: c.from}
		next, ok := Transition(order, c.event, now)
		if ok != c.ok {
			t.Errorf("Transition(%s, %s) ok = %v, want %v", c.from, c.event, ok, c.ok)
			continue
		}
		if c.ok && next.Status != c.to {
			t.Errorf("Transition(%s, %s) = %s, want %s", c.from, c.event, next.Status, c.to)
		}
		if !c.ok && next.Status != c.from {
			t.Errorf("invalid transition must leave the order unchanged, got %s", next.Status)
		}
	}
}

func TestTransitionReturnsNewValue(t *testing.T) {
	order := models.Order{Status: models.OrderStatusNew}
	next, ok := Transition(order, EventFill, time.Now())
	if !ok {
		t.Fatal("transition should succeed")
	}
	if order.Status != models.OrderStatusNew {
		t.Error("original order value must not be mutated")
	}
	if next.Status != models.OrderStatusFilled {
		t.Errorf("unexpected status: %s", next.Status)
	}
}

func TestApplyFillAggregates(t *testing.T) {
	now := time.Now()
	order := models.Order{
		Status:  models.OrderStatusNew,
		OrigQty: mustDecimal(t, "2"),
	}

	order, ok := ApplyFill(order, models.Fill{
		TradeID:  1,
		Price:    mustDecimal(t, "100"),
		Quantity: mustDecimal(t, "0.5"),
	}, now)
	if !ok {
		t.Fatal("first fill should apply")
	}
	if order.Status != models.OrderStatusPartiallyFilled {
		t.Fatalf("unexpected status after partial fill: %s", order.Status)
	}
	if !order.ExecutedQty.Equal(mustDecimal(t, "0.5")) {
		t.Errorf("unexpected executedQty: %s", order.ExecutedQty)
	}

	order, ok = ApplyFill(order, models.Fill{
		TradeID:  2,
		Price:    mustDecimal(t, "102"),
		Quantity: mustDecimal(t, "1.5"),
	}, now)
	if !ok {
		t.Fatal("second fill should apply")
	}
	if order.Status != models.OrderStatusFilled {
		t.Fatalf("unexpected status after full fill: %s", order.Status)
	}
	if !order.ExecutedQty.Equal(mustDecimal(t, "2")) {
		t.Errorf("unexpected executedQty: %s", order.ExecutedQty)
	}
	// cumulative quote = 100*0.5 + 102*1.5 = 203
	if !order.CumulativeQuoteQty.Equal(mustDecimal(t, "203")) {
		t.Errorf("unexpected cumulativeQuoteQty: %s", order.CumulativeQuoteQty)
	}
	// avg = 203 / 2 = 101.5
	if !order.AvgPrice.Equal(mustDecimal(t, "101.5")) {
		t.Errorf("unexpected avgPrice: %s", order.AvgPrice)
	}
	if len(order.Fills) != 2 {
		t.Errorf("expected 2 fills, got %d", len(order.Fills))
	}
}

func TestApplyFillOnTerminalOrder(t *testing.T) {
	order := models.Order{
		Status:  models.OrderStatusFilled,
		OrigQty: mustDecimal(t, "1"),
	}
	next, ok := ApplyFill(order, models.Fill{
		Price:    mustDecimal(t, "100"),
		Quantity: mustDecimal(t, "1"),
	}, time.Now())
	if ok {
		t.Fatal("fills must not apply to terminal orders")
	}
	if len(next.Fills) != 0 {
		t.Error("rejected fill must not be recorded")
	}
}
