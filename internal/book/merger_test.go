package book

import (
	"context"
	"testing"

	"marketsim/models"

	"github.com/shopspring/decimal"
)

func level(t *testing.T, price, qty string) models.PriceLevel {
	t.Helper()
	p, err := decimal.NewFromString(price)
	if err != nil {
		t.Fatalf("parse price %q: %v", price, err)
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		t.Fatalf("parse qty %q: %v", qty, err)
	}
	return models.PriceLevel{Price: p, Quantity: q}
}

func TestMergeLevelsOverwriteAndDelete(t *testing.T) {
	current := []models.PriceLevel{
		level(t, "100", "1"),
		level(t, "99", "2"),
		level(t, "98", "3"),
	}
	updates := []models.PriceLevel{
		level(t, "100", "5"), // overwrite
		level(t, "99", "0"),  // delete
		level(t, "101", "7"), // insert
		level(t, "97", "0"),  // delete of an absent level is a no-op
	}

	merged := mergeLevels(current, updates, true, 0)

	if len(merged) != 3 {
		t.Fatalf("expected 3 levels, got %d: %v", len(merged), merged)
	}
	if !merged[0].Price.Equal(level(t, "101", "7").Price) {
		t.Errorf("bids should be sorted descending, got %s first", merged[0].Price)
	}
	if !merged[1].Quantity.Equal(level(t, "100", "5").Quantity) {
		t.Errorf("quantity should be overwritten, got %s", merged[1].Quantity)
	}
	for _, lvl := range merged {
		if lvl.Price.Equal(level(t, "99", "0").Price) {
			t.Error("zero quantity update should delete the level")
		}
	}
}

func TestMergeLevelsAscendingAndTruncation(t *testing.T) {
	current := []models.PriceLevel{
		level(t, "101", "1"),
		level(t, "103", "1"),
	}
	updates := []models.PriceLevel{
		level(t, "102", "1"),
		level(t, "104", "1"),
	}

	merged := mergeLevels(current, updates, false, 3)

	if len(merged) != 3 {
		t.Fatalf("expected truncation to 3 levels, got %d", len(merged))
	}
	for i := 1; i < len(merged); i++ {
		if !merged[i].Price.GreaterThan(merged[i-1].Price) {
			t.Fatalf("asks should be sorted ascending: %v", merged)
		}
	}
}

func TestSortSnapshotLevelsDropsZeroQty(t *testing.T) {
	levels := sortSnapshotLevels([][]string{
		{"100", "1"},
		{"101", "0"},
		{"99", "2"},
	}, true, 0)

	if len(levels) != 2 {
		t.Fatalf("zero quantity snapshot levels should be dropped, got %d", len(levels))
	}
	if !levels[0].Price.Equal(level(t, "100", "1").Price) {
		t.Errorf("expected descending order, got %s first", levels[0].Price)
	}
}

func TestMergerRoundTrip(t *testing.T) {
	m := NewMerger(4)
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start merger: %v", err)
	}
	defer func() {
		cancel()
		m.Stop()
	}()

	if err := m.Start(ctx); err == nil {
		t.Fatal("second start should fail")
	}

	res, err := m.Merge(context.Background(), MergeRequest{
		CurrentBids: []models.PriceLevel{level(t, "100", "1")},
		CurrentAsks: []models.PriceLevel{level(t, "101", "1")},
		UpdateBids:  []models.PriceLevel{level(t, "100", "3")},
		UpdateAsks:  []models.PriceLevel{level(t, "101", "0")},
		Limit:       10,
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(res.Bids) != 1 || !res.Bids[0].Quantity.Equal(level(t, "100", "3").Quantity) {
		t.Errorf("unexpected bids: %v", res.Bids)
	}
	if len(res.Asks) != 0 {
		t.Errorf("ask level should be deleted: %v", res.Asks)
	}
}

func TestMergerCancelledContext(t *testing.T) {
	m := NewMerger(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Merge(ctx, MergeRequest{}); err == nil {
		t.Fatal("merge against a cancelled context should fail")
	}
}
