package book

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	appconfig "marketsim/config"
	"marketsim/logger"
	"marketsim/models"

	"golang.org/x/time/rate"
)

// maxBufferedDeltas bounds the pre-sync buffer so a stalled snapshot fetch
// cannot grow it without limit.
const maxBufferedDeltas = 4096

// Engine keeps a local replica of one symbol's order book consistent with
// the exchange's snapshot-plus-delta protocol. Deltas arriving before the
// snapshot are buffered; sequence gaps trigger a debounced, bounded-retry
// re-synchronization; the merge itself runs on an isolated worker.
type Engine struct {
	config  *appconfig.Config
	symbol  string
	fetcher SnapshotFetcher
	merger  *Merger
	limiter *rate.Limiter
	log     *logger.Log

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	running        bool
	status         models.SyncStatus
	book           models.BookSnapshot
	prebuffer      []models.DepthUpdateEvent
	pending        []models.DepthUpdateEvent
	merging        bool
	generation     uint64
	resyncAttempts int
	debounceTimer  *time.Timer

	// FatalHandler is invoked once when recovery retries are exhausted.
	// Optional; exhaustion is always logged.
	FatalHandler func(error)
}

// NewEngine creates a sync engine for one symbol.
func NewEngine(cfg *appconfig.Config, symbol string, fetcher SnapshotFetcher) *Engine {
	return &Engine{
		config:  cfg,
		symbol:  strings.ToUpper(symbol),
		fetcher: fetcher,
		merger:  NewMerger(16),
		limiter: rate.NewLimiter(rate.Limit(cfg.Book.SnapshotRate), cfg.Book.SnapshotBurst),
		log:     logger.GetLogger(),
		status:  models.SyncUninitialized,
	}
}

// Start launches the merge worker and kicks off the initial snapshot fetch.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("sync engine already running")
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if err := e.merger.Start(e.ctx); err != nil {
		return err
	}

	log := e.log.WithComponent("book_sync").WithFields(logger.Fields{"symbol": e.symbol})
	log.Info("starting order book sync engine")

	e.mu.Lock()
	e.status = models.SyncBuffering
	e.generation++
	gen := e.generation
	e.mu.Unlock()

	e.wg.Add(1)
	go e.fetchSnapshot(gen)
	return nil
}

// Stop cancels in-flight work and waits for the worker to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
		e.debounceTimer = nil
	}
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.merger.Stop()
	e.log.WithComponent("book_sync").WithFields(logger.Fields{"symbol": e.symbol}).Info("sync engine stopped")
}

// Symbol returns the symbol this engine replicates.
func (e *Engine) Symbol() string { return e.symbol }

// Status returns the current synchronization state.
func (e *Engine) Status() models.SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Snapshot returns a copy of the current book. Callers may read it freely;
// it never aliases engine-owned state.
func (e *Engine) Snapshot() models.BookSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := models.BookSnapshot{
		Symbol:       e.symbol,
		LastUpdateID: e.book.LastUpdateID,
		Timestamp:    e.book.Timestamp,
		Bids:         make([]models.PriceLevel, len(e.book.Bids)),
		Asks:         make([]models.PriceLevel, len(e.book.Asks)),
	}
	copy(snap.Bids, e.book.Bids)
	copy(snap.Asks, e.book.Asks)
	return snap
}

// Synchronized reports whether the replica is currently safe to trade
// against.
func (e *Engine) Synchronized() bool {
	return e.Status() == models.SyncSynchronized
}

// HandleFrame adapts a hub depth frame into a delta. Frames for other
// symbols or other event types are ignored.
func (e *Engine) HandleFrame(frame models.StreamFrame) {
	if frame.Channel != "depth" {
		return
	}

	var evt models.DepthUpdateEvent
	if err := json.Unmarshal(frame.Data, &evt); err != nil {
		e.log.WithComponent("book_sync").WithError(err).WithFields(logger.Fields{
			"symbol": e.symbol,
		}).Warn("failed to unmarshal depth update")
		return
	}
	if !strings.EqualFold(evt.Symbol, e.symbol) {
		return
	}
	e.HandleDepthUpdate(evt)
}

// HandleDepthUpdate feeds one sequenced delta into the engine.
func (e *Engine) HandleDepthUpdate(evt models.DepthUpdateEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status {
	case models.SyncSynchronized:
		e.processDeltaLocked(evt)
	case models.SyncFailed:
		// recovery abandoned, nothing to do with the delta
	default:
		// no verified base yet: buffer for replay after the snapshot
		if len(e.prebuffer) >= maxBufferedDeltas {
			e.prebuffer = e.prebuffer[1:]
			e.log.WithComponent("book_sync").WithFields(logger.Fields{
				"symbol": e.symbol,
			}).Warn("delta buffer full, dropping oldest entry")
		}
		e.prebuffer = append(e.prebuffer, evt)
	}
}

// processDeltaLocked applies the contiguity rules of the delta protocol.
// Callers hold e.mu.
func (e *Engine) processDeltaLocked(evt models.DepthUpdateEvent) {
	if evt.FinalUpdateID <= e.book.LastUpdateID {
		// duplicate or stale
		return
	}

	if e.merging {
		e.pending = append(e.pending, evt)
		return
	}

	if evt.FirstUpdateID == e.book.LastUpdateID+1 {
		e.startMergeLocked(evt)
		return
	}

	// FirstUpdateID beyond the expected next id means at least one delta
	// was lost; applying on a stale base would silently corrupt the book.
	e.gapLocked(evt)
}

func (e *Engine) startMergeLocked(evt models.DepthUpdateEvent) {
	e.merging = true

	req := MergeRequest{
		CurrentBids: e.book.Bids,
		CurrentAsks: e.book.Asks,
		UpdateBids:  models.ParseLevels(evt.Bids),
		UpdateAsks:  models.ParseLevels(evt.Asks),
		Limit:       e.config.Book.DepthLimit,
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res, err := e.merger.Merge(e.ctx, req)
		e.mergeDone(evt, res, err)
	}()
}

func (e *Engine) mergeDone(evt models.DepthUpdateEvent, res MergeResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.merging = false
	if err != nil {
		// only on shutdown
		return
	}
	if e.status != models.SyncSynchronized {
		// a gap or resync superseded this merge while it was in flight
		return
	}

	e.book.Bids = res.Bids
	e.book.Asks = res.Asks
	e.book.LastUpdateID = evt.FinalUpdateID
	e.book.Timestamp = time.Now()
	logger.IncrementDeltaApplied(len(evt.Bids) + len(evt.Asks))

	// drain queued deltas one at a time, each subject to the same checks
	for len(e.pending) > 0 && !e.merging && e.status == models.SyncSynchronized {
		next := e.pending[0]
		e.pending = e.pending[1:]
		e.processDeltaLocked(next)
	}
}

// gapLocked transitions to gap_detected and schedules a debounced recovery.
// Callers hold e.mu.
func (e *Engine) gapLocked(evt models.DepthUpdateEvent) {
	e.log.WithComponent("book_sync").WithFields(logger.Fields{
		"symbol":          e.symbol,
		"last_update_id":  e.book.LastUpdateID,
		"first_update_id": evt.FirstUpdateID,
		"final_update_id": evt.FinalUpdateID,
	}).Warn("sequence gap detected, scheduling resync")

	logger.IncrementGapDetected()
	e.status = models.SyncGapDetected
	e.pending = nil
	e.prebuffer = append(e.prebuffer[:0], evt)
	e.scheduleResyncLocked()
}

// scheduleResyncLocked arms the debounce timer unless recovery is already
// scheduled or the retry ceiling is reached. Callers hold e.mu.
func (e *Engine) scheduleResyncLocked() {
	if e.debounceTimer != nil {
		return
	}
	if e.resyncAttempts >= e.config.Book.MaxResyncAttempts {
		e.failLocked(fmt.Errorf("order book recovery for %s abandoned after %d attempts", e.symbol, e.resyncAttempts))
		return
	}
	e.debounceTimer = time.AfterFunc(e.config.Book.ResyncDebounce, e.resyncFire)
}

func (e *Engine) resyncFire() {
	e.mu.Lock()
	e.debounceTimer = nil
	if !e.running || e.status == models.SyncFailed {
		e.mu.Unlock()
		return
	}
	e.resyncAttempts++
	e.status = models.SyncSyncing
	e.generation++
	gen := e.generation
	e.mu.Unlock()

	e.wg.Add(1)
	go e.fetchSnapshot(gen)
}

// fetchSnapshot performs the rate-limited, timeout-guarded REST fetch for
// one request generation. Stale generations are discarded on completion.
func (e *Engine) fetchSnapshot(gen uint64) {
	defer e.wg.Done()

	log := e.log.WithComponent("book_sync").WithFields(logger.Fields{
		"symbol":     e.symbol,
		"generation": gen,
	})

	if err := e.limiter.Wait(e.ctx); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.config.Book.SnapshotTimeout)
	defer cancel()

	snap, err := e.fetcher.FetchDepth(ctx, e.symbol, e.config.Book.DepthLimit)
	if err != nil {
		if e.ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("snapshot fetch failed")
		e.mu.Lock()
		if gen == e.generation && e.status != models.SyncFailed {
			e.scheduleResyncLocked()
		}
		e.mu.Unlock()
		return
	}

	e.applySnapshot(gen, snap)
}

func (e *Engine) applySnapshot(gen uint64, snap *models.DepthSnapshotResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.generation {
		// superseded by a newer fetch; discard the stale response
		return
	}
	if snap.LastUpdateID < e.book.LastUpdateID {
		// snapshot is older than the replica; lastUpdateId never regresses
		e.log.WithComponent("book_sync").WithFields(logger.Fields{
			"symbol":      e.symbol,
			"snapshot_id": snap.LastUpdateID,
			"book_id":     e.book.LastUpdateID,
		}).Warn("stale snapshot discarded, refetching")
		e.scheduleResyncLocked()
		return
	}

	bids := sortSnapshotLevels(snap.Bids, true, e.config.Book.DepthLimit)
	asks := sortSnapshotLevels(snap.Asks, false, e.config.Book.DepthLimit)
	last := snap.LastUpdateID

	// replay buffered deltas in arrival order on top of the snapshot
	buffered := e.prebuffer
	e.prebuffer = nil
	for i, evt := range buffered {
		if evt.FinalUpdateID <= last {
			continue // entirely stale
		}
		if evt.FirstUpdateID > last+1 {
			// the buffer has a hole relative to this snapshot; keep the tail,
			// a fresher snapshot may line up with it
			e.prebuffer = buffered[i:]
			e.log.WithComponent("book_sync").WithFields(logger.Fields{
				"symbol":   e.symbol,
				"replayed": i,
				"kept":     len(buffered) - i,
			}).Warn("replay gap after snapshot, scheduling another fetch")
			e.status = models.SyncGapDetected
			e.scheduleResyncLocked()
			return
		}
		bids = mergeLevels(bids, models.ParseLevels(evt.Bids), true, e.config.Book.DepthLimit)
		asks = mergeLevels(asks, models.ParseLevels(evt.Asks), false, e.config.Book.DepthLimit)
		last = evt.FinalUpdateID
	}

	e.book = models.BookSnapshot{
		Symbol:       e.symbol,
		LastUpdateID: last,
		Bids:         bids,
		Asks:         asks,
		Timestamp:    time.Now(),
	}
	e.status = models.SyncSynchronized
	e.resyncAttempts = 0
	logger.IncrementResync()

	e.log.WithComponent("book_sync").WithFields(logger.Fields{
		"symbol":         e.symbol,
		"last_update_id": last,
		"bid_levels":     len(bids),
		"ask_levels":     len(asks),
		"replayed":       len(buffered),
	}).Info("order book synchronized")
}

// failLocked marks recovery as abandoned and surfaces the fatal condition.
// Callers hold e.mu.
func (e *Engine) failLocked(err error) {
	e.status = models.SyncFailed
	e.log.WithComponent("book_sync").WithError(err).WithFields(logger.Fields{
		"symbol": e.symbol,
	}).Error("order book synchronization failed permanently")
	if e.FatalHandler != nil {
		handler := e.FatalHandler
		go handler(err)
	}
}
