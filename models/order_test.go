package models

import (
	"testing"

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

func TestOrderStatusIsTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []OrderStatus{OrderStatusNew, OrderStatusPartiallyFilled, OrderStatusPendingCancel}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestOrderRemainingQty(t *testing.T) {
	order := Order{
		OrigQty:     mustDecimal(t, "2.5"),
		ExecutedQty: mustDecimal(t, "1.0"),
	}
	if !order.RemainingQty().Equal(mustDecimal(t, "1.5")) {
		t.Errorf("unexpected remaining qty: %s", order.RemainingQty())
	}
}

func TestBookSnapshotBestLevels(t *testing.T) {
	book := BookSnapshot{
		Bids: []PriceLevel{
			{Price: mustDecimal(t, "100"), Quantity: mustDecimal(t, "1")},
			{Price: mustDecimal(t, "99"), Quantity: mustDecimal(t, "2")},
		},
		Asks: []PriceLevel{
			{Price: mustDecimal(t, "101"), Quantity: mustDecimal(t, "1")},
		},
	}

	bid, ok := book.BestBid()
	if !ok || !bid.Price.Equal(mustDecimal(t, "100")) {
		t.Errorf("unexpected best bid: %v %v", bid, ok)
	}
	ask, ok := book.BestAsk()
	if !ok || !ask.Price.Equal(mustDecimal(t, "101")) {
		t.Errorf("unexpected best ask: %v %v", ask, ok)
	}

	empty := BookSnapshot{}
	if _, ok := empty.BestBid(); ok {
		t.Error("empty book should have no best bid")
	}
	if _, ok := empty.BestAsk(); ok {
		t.Error("empty book should have no best ask")
	}
}
