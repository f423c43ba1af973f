package book

import (
	"context"
	"fmt"
	"net/url"
	"time"

	appconfig "marketsim/config"
	"marketsim/logger"
	"marketsim/models"

	binance "github.com/adshao/go-binance/v2"
)

// SnapshotFetcher fetches a full depth snapshot for one symbol.
type SnapshotFetcher interface {
	FetchDepth(ctx context.Context, symbol string, limit int) (*models.DepthSnapshotResponse, error)
}

// RestFetcher fetches depth snapshots over the exchange REST API.
type RestFetcher struct {
	client *binance.Client
	log    *logger.Log
}

// NewRestFetcher builds a REST snapshot fetcher pointed at the configured
// endpoint.
func NewRestFetcher(cfg *appconfig.Config) *RestFetcher {
	client := binance.NewClient("", "")
	if parsed, err := url.Parse(cfg.Book.SnapshotURL); err == nil && parsed.Host != "" {
		client.BaseURL = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}
	client.HTTPClient.Timeout = cfg.Book.SnapshotTimeout

	return &RestFetcher{
		client: client,
		log:    logger.GetLogger(),
	}
}

// FetchDepth retrieves the order book snapshot for a symbol.
func (f *RestFetcher) FetchDepth(ctx context.Context, symbol string, limit int) (*models.DepthSnapshotResponse, error) {
	start := time.Now()
	res, err := f.client.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch depth snapshot for %s: %w", symbol, err)
	}

	log := f.log.WithComponent("book_snapshot").WithFields(logger.Fields{"symbol": symbol})
	logger.LogPerformanceEntry(log, "book_snapshot", "depth_fetch", time.Since(start), logger.Fields{
		"limit": limit,
	})

	snapshot := &models.DepthSnapshotResponse{
		LastUpdateID: uint64(res.LastUpdateID),
		Bids:         make([][]string, 0, len(res.Bids)),
		Asks:         make([][]string, 0, len(res.Asks)),
	}
	for _, bid := range res.Bids {
		snapshot.Bids = append(snapshot.Bids, []string{bid.Price, bid.Quantity})
	}
	for _, ask := range res.Asks {
		snapshot.Asks = append(snapshot.Asks, []string{ask.Price, ask.Quantity})
	}
	return snapshot, nil
}
