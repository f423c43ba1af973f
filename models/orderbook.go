package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is a single price level of one book side.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookSnapshot is the read-only view of a synchronized order book. Bids are
// sorted descending, asks ascending, both truncated to the configured depth.
// Levels with zero quantity are never present.
type BookSnapshot struct {
	Symbol       string       `json:"symbol"`
	LastUpdateID uint64       `json:"lastUpdateId"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Timestamp    time.Time    `json:"timestamp"`
}

// BestBid returns the highest bid, or false when the side is empty.
func (b BookSnapshot) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, or false when the side is empty.
func (b BookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// SyncStatus tracks where the sync engine is in the snapshot-plus-delta
// protocol.
type SyncStatus int

const (
	SyncUninitialized SyncStatus = iota
	SyncBuffering
	SyncSynchronized
	SyncGapDetected
	SyncSyncing
	SyncFailed
)

func (s SyncStatus) String() string {
	switch s {
	case SyncUninitialized:
		return "uninitialized"
	case SyncBuffering:
		return "buffering"
	case SyncSynchronized:
		return "synchronized"
	case SyncGapDetected:
		return "gap_detected"
	case SyncSyncing:
		return "syncing"
	case SyncFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseLevels converts exchange [price, qty] string pairs into price levels.
// Pairs that fail to parse are skipped; zero-quantity pairs are kept because
// deltas use them as deletions.
func ParseLevels(pairs [][]string) []PriceLevel {
	levels := make([]PriceLevel, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) < 2 {
			continue
		}
		price, err1 := decimal.NewFromString(pair[0])
		qty, err2 := decimal.NewFromString(pair[1])
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, PriceLevel{Price: price, Quantity: qty})
	}
	return levels
}
