package book

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"marketsim/logger"
	"marketsim/models"
)

// MergeRequest carries immutable inputs for one book merge.
type MergeRequest struct {
	CurrentBids []models.PriceLevel
	CurrentAsks []models.PriceLevel
	UpdateBids  []models.PriceLevel
	UpdateAsks  []models.PriceLevel
	Limit       int
}

// MergeResult is the merged book, already sorted and truncated.
type MergeResult struct {
	Bids []models.PriceLevel
	Asks []models.PriceLevel
}

type mergeJob struct {
	req  MergeRequest
	resp chan MergeResult
}

// Merger performs the O(n) merge/sort off the caller's goroutine. It is a
// single worker receiving immutable requests over a channel, so callers queue
// concurrent merges instead of racing shared state.
type Merger struct {
	jobs    chan mergeJob
	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

// NewMerger creates a merge worker with the given queue depth.
func NewMerger(queueSize int) *Merger {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Merger{
		jobs: make(chan mergeJob, queueSize),
		log:  logger.GetLogger(),
	}
}

// Start launches the worker goroutine.
func (m *Merger) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("merger already running")
	}
	m.running = true
	m.ctx = ctx
	m.mu.Unlock()

	m.wg.Add(1)
	go m.worker()
	return nil
}

// Stop waits for the worker to drain. The context passed to Start must be
// cancelled first.
func (m *Merger) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	m.wg.Wait()
}

// Merge submits a request and blocks until the merged result is ready or the
// context is cancelled.
func (m *Merger) Merge(ctx context.Context, req MergeRequest) (MergeResult, error) {
	job := mergeJob{req: req, resp: make(chan MergeResult, 1)}

	select {
	case m.jobs <- job:
	case <-ctx.Done():
		return MergeResult{}, ctx.Err()
	}

	select {
	case res := <-job.resp:
		return res, nil
	case <-ctx.Done():
		return MergeResult{}, ctx.Err()
	}
}

func (m *Merger) worker() {
	defer m.wg.Done()

	log := m.log.WithComponent("book_merger").WithFields(logger.Fields{"worker": "merge"})
	log.Debug("merge worker started")

	for {
		select {
		case <-m.ctx.Done():
			return
		case job := <-m.jobs:
			job.resp <- MergeResult{
				Bids: mergeLevels(job.req.CurrentBids, job.req.UpdateBids, true, job.req.Limit),
				Asks: mergeLevels(job.req.CurrentAsks, job.req.UpdateAsks, false, job.req.Limit),
			}
		}
	}
}

// mergeLevels applies delta pairs to one book side: a zero quantity deletes
// the price level, anything else overwrites it. The result is re-sorted
// (descending for bids, ascending for asks) and truncated to limit.
func mergeLevels(current, updates []models.PriceLevel, descending bool, limit int) []models.PriceLevel {
	levels := make(map[string]models.PriceLevel, len(current)+len(updates))
	for _, lvl := range current {
		levels[lvl.Price.String()] = lvl
	}
	for _, upd := range updates {
		key := upd.Price.String()
		if upd.Quantity.IsZero() {
			delete(levels, key)
			continue
		}
		levels[key] = upd
	}

	merged := make([]models.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		merged = append(merged, lvl)
	}
	sort.Slice(merged, func(i, j int) bool {
		if descending {
			return merged[i].Price.GreaterThan(merged[j].Price)
		}
		return merged[i].Price.LessThan(merged[j].Price)
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// sortSnapshotLevels normalizes freshly fetched snapshot pairs: zero
// quantities are dropped, the rest sorted and truncated.
func sortSnapshotLevels(pairs [][]string, descending bool, limit int) []models.PriceLevel {
	parsed := models.ParseLevels(pairs)
	levels := make([]models.PriceLevel, 0, len(parsed))
	for _, lvl := range parsed {
		if lvl.Quantity.IsZero() {
			continue
		}
		levels = append(levels, lvl)
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	if limit > 0 && len(levels) > limit {
		levels = levels[:limit]
	}
	return levels
}
