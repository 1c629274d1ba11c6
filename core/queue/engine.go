package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/dbqueue/core/logger"
)

// readySource surfaces dispatchable entries for one queue mode.
type readySource interface {
	initialize(ctx context.Context) error
	readyEntries(ctx context.Context) ([]*Entry, error)
	// afterInsert runs inside the inserting transaction once the row is written.
	afterInsert(ctx context.Context, tx *TxContext, entry *Entry)
	// afterRetry runs inside the transaction that returned an entry to AVAILABLE.
	afterRetry(ctx context.Context, tx *TxContext, entry *Entry)
	insertReaped(ctx context.Context, tx *TxContext, entries []*Entry) error
	close()
}

// claimer turns candidate entries into entries owned by this engine.
type claimer interface {
	claim(ctx context.Context, now time.Time, candidates []*Entry) ([]*Entry, error)
}

// Engine is a durable queue over a live table and a history table.
// It owns the transactional moves between them and delegates how ready entries
// are surfaced and claimed to a mode-specific strategy.
type Engine struct {
	gw      Gateway
	cfg     Config
	owner   string
	clock   Clock
	metrics Metrics
	logger  *slog.Logger
	source  readySource

	totalFetched     atomic.Int64
	inflightFetched  atomic.Int64
	totalInserted    atomic.Int64
	inflightInserted atomic.Int64
	totalClaimed     atomic.Int64
	totalMoved       atomic.Int64
	totalReaped      atomic.Int64
	totalRetried     atomic.Int64
	inflightDropped  atomic.Int64
}

// NewEngine creates an engine for the queue described by cfg.
// Invalid configuration fails fast.
func NewEngine(gw Gateway, cfg Config, opts ...EngineOption) (*Engine, error) {
	if gw == nil {
		return nil, ErrGatewayNil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := &engineOptions{
		clock:   SystemClock,
		metrics: NopMetrics{},
		logger:  logger.Discard(),
		owner:   cfg.Owner,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.owner == "" {
		options.owner = defaultOwner()
	}
	cfg.Owner = options.owner

	e := &Engine{
		gw:      gw,
		cfg:     cfg,
		owner:   options.owner,
		clock:   options.clock,
		metrics: options.metrics,
		logger:  options.logger.With(logger.Queue(cfg.TableName), logger.Mode(string(cfg.Mode))),
	}

	switch cfg.Mode {
	case ModePolling:
		e.source = &pollingSource{eng: e, claimer: sequentialClaimer{eng: e}}
	case ModeStickyPolling:
		e.source = &pollingSource{eng: e, claimer: batchClaimer{eng: e}, ownerFilter: true, batchReinsert: true}
	case ModeStickyEvents:
		e.source = newInflightSource(e)
	}

	return e, nil
}

func defaultOwner() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

// Name returns the queue name, which is its live table name.
func (e *Engine) Name() string { return e.cfg.TableName }

// Owner returns the identity this engine creates and claims entries as.
func (e *Engine) Owner() string { return e.owner }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Initialize prepares the claim strategy. STICKY_EVENTS seeds the inflight queue with
// the backlog already present in the live table; the other modes have nothing to do.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.source.initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize queue %s: %w", e.cfg.TableName, err)
	}
	return nil
}

// Close releases strategy resources such as pending re-offer timers.
func (e *Engine) Close() {
	e.source.close()
}

// InsertEntry writes entry into the live table in its own transaction.
func (e *Engine) InsertEntry(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return ErrEntryNil
	}
	return e.gw.WithTransaction(ctx, func(ctx context.Context, tx *TxContext) error {
		return e.InsertEntryFromTx(ctx, tx, entry)
	})
}

// InsertEntryFromTx writes entry as part of the caller's transaction. The entry only
// becomes dispatchable once that transaction commits.
func (e *Engine) InsertEntryFromTx(ctx context.Context, tx *TxContext, entry *Entry) error {
	if entry == nil {
		return ErrEntryNil
	}
	if tx == nil {
		return ErrNoTransaction
	}

	tx.ResetLastInsertID()
	e.prepareInsert(entry)

	start := time.Now()
	id, err := e.gw.InsertEntry(ctx, entry, e.cfg.TableName)
	e.metrics.ObserveDuration(e.cfg.TableName, MetricInsertTime, time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to insert entry into %s: %w", e.cfg.TableName, err)
	}

	entry.RecordID = id
	tx.setLastInsertID(id)
	e.totalInserted.Add(1)
	e.metrics.IncCounter(e.cfg.TableName, MetricInsertEntries, 1)

	e.source.afterInsert(ctx, tx, entry)
	return nil
}

// insertEntriesFromTx writes entries with one multi-row insert.
func (e *Engine) insertEntriesFromTx(ctx context.Context, entries []*Entry) error {
	for _, entry := range entries {
		e.prepareInsert(entry)
	}

	start := time.Now()
	err := e.gw.InsertEntries(ctx, entries, e.cfg.TableName)
	e.metrics.ObserveDuration(e.cfg.TableName, MetricInsertTime, time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to insert %d entries into %s: %w", len(entries), e.cfg.TableName, err)
	}

	e.totalInserted.Add(int64(len(entries)))
	e.metrics.IncCounter(e.cfg.TableName, MetricInsertEntries, int64(len(entries)))
	return nil
}

// prepareInsert normalizes an entry for the live table: new rows are always AVAILABLE
// and unowned.
func (e *Engine) prepareInsert(entry *Entry) {
	now := e.clock.Now()
	entry.RecordID = 0
	entry.State = StateAvailable
	entry.ProcessingOwner = nil
	if entry.CreatingOwner == "" {
		entry.CreatingOwner = e.owner
	}
	if entry.CreatedDate.IsZero() {
		entry.CreatedDate = now
	}
	if entry.ProcessingAvailableDate.IsZero() {
		entry.ProcessingAvailableDate = now
	}
}

// GetReadyEntries returns entries claimed by this engine and ready for processing.
// In STICKY_EVENTS mode the call blocks for at most the inflight poll timeout.
//
// An error may come with entries that were claimed before the failure. They are
// IN_PROCESSING under this owner and the caller settles them like any other batch.
func (e *Engine) GetReadyEntries(ctx context.Context) ([]*Entry, error) {
	start := time.Now()
	entries, err := e.source.readyEntries(ctx)
	e.metrics.ObserveDuration(e.cfg.TableName, MetricGetTime, time.Since(start))

	if len(entries) > 0 {
		e.totalFetched.Add(int64(len(entries)))
		e.metrics.IncCounter(e.cfg.TableName, MetricGetEntries, int64(len(entries)))
	}
	return entries, err
}

// MoveEntryToHistory settles a single entry. See MoveEntriesToHistory.
func (e *Engine) MoveEntryToHistory(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return ErrEntryNil
	}
	return e.MoveEntriesToHistory(ctx, []*Entry{entry})
}

// MoveEntriesToHistory atomically inserts entries into the history table with their
// current (final) state and deletes them from the live table.
func (e *Engine) MoveEntriesToHistory(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return e.gw.WithTransaction(ctx, func(ctx context.Context, tx *TxContext) error {
		return e.MoveEntriesToHistoryFromTx(ctx, tx, entries)
	})
}

// MoveEntriesToHistoryFromTx is MoveEntriesToHistory inside the caller's transaction.
// A non-terminal state is logged as an anomaly; the move still happens.
func (e *Engine) MoveEntriesToHistoryFromTx(ctx context.Context, tx *TxContext, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if tx == nil {
		return ErrNoTransaction
	}

	for _, entry := range entries {
		if !entry.State.Terminal() {
			e.logger.ErrorContext(ctx, "moving entry with non-terminal state to history",
				logger.RecordID(entry.RecordID),
				logger.State(entry.State.String()))
		}
	}

	start := time.Now()
	if err := e.gw.InsertEntries(ctx, entries, e.cfg.HistoryTableName); err != nil {
		return fmt.Errorf("failed to insert %d entries into %s: %w", len(entries), e.cfg.HistoryTableName, err)
	}
	ids := recordIDs(entries)
	if err := e.gw.RemoveEntries(ctx, ids, e.cfg.TableName); err != nil {
		return fmt.Errorf("failed to remove %d entries from %s: %w", len(ids), e.cfg.TableName, err)
	}
	e.metrics.ObserveDuration(e.cfg.TableName, MetricDeleteTime, time.Since(start))

	e.totalMoved.Add(int64(len(entries)))
	e.metrics.IncCounter(e.cfg.TableName, MetricDeleteEntries, int64(len(entries)))
	return nil
}

// RemoveEntry moves an AVAILABLE or IN_PROCESSING entry to history as REMOVED.
func (e *Engine) RemoveEntry(ctx context.Context, id int64) error {
	return e.gw.WithTransaction(ctx, func(ctx context.Context, tx *TxContext) error {
		entries, err := e.gw.GetEntriesFromIDs(ctx, []int64{id}, e.cfg.TableName)
		if err != nil {
			return fmt.Errorf("failed to load entry %d from %s: %w", id, e.cfg.TableName, err)
		}
		if len(entries) == 0 {
			return fmt.Errorf("%w: %d in %s", ErrEntryNotFound, id, e.cfg.TableName)
		}
		entries[0].State = StateRemoved
		return e.MoveEntriesToHistoryFromTx(ctx, tx, entries)
	})
}

// UpdateOnError returns a claimed entry to AVAILABLE after a handler failure:
// the error count is incremented and availability is pushed back by the retry delay.
// On success entry reflects the stored row.
func (e *Engine) UpdateOnError(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return ErrEntryNil
	}

	errorCount := entry.ErrorCount + 1
	next := e.cfg.retryAvailableDate(e.clock.Now(), errorCount)

	err := e.gw.WithTransaction(ctx, func(ctx context.Context, tx *TxContext) error {
		if err := e.gw.UpdateOnError(ctx, entry.RecordID, next, errorCount, e.cfg.TableName); err != nil {
			return fmt.Errorf("failed to update entry %d on error in %s: %w", entry.RecordID, e.cfg.TableName, err)
		}
		e.source.afterRetry(ctx, tx, entry)
		return nil
	})
	if err != nil {
		return err
	}

	entry.ErrorCount = errorCount
	entry.State = StateAvailable
	entry.ProcessingOwner = nil
	entry.ProcessingAvailableDate = next

	e.totalRetried.Add(1)
	e.metrics.IncCounter(e.cfg.TableName, MetricRetriedEntries, 1)
	return nil
}

// ReapEntries recovers entries abandoned mid-processing: IN_PROCESSING rows whose
// visibility deadline is at or before cutoff and that were redispatched fewer than
// MaxReDispatchCount times are moved to history as REAPED and re-inserted as fresh
// AVAILABLE rows owned by this engine.
//
// Cancellation of ctx does not interrupt a reap that already started.
func (e *Engine) ReapEntries(ctx context.Context, cutoff time.Time) (int, error) {
	ctx = context.WithoutCancel(ctx)

	var reaped []*Entry
	err := e.gw.WithTransaction(ctx, func(ctx context.Context, tx *TxContext) error {
		now := e.clock.Now()
		left, err := e.gw.GetEntriesLeftBehind(ctx, e.cfg.MaxReDispatchCount, now, cutoff, e.cfg.TableName)
		if err != nil {
			return fmt.Errorf("failed to load entries left behind in %s: %w", e.cfg.TableName, err)
		}
		if len(left) == 0 {
			return nil
		}

		history := make([]*Entry, 0, len(left))
		fresh := make([]*Entry, 0, len(left))
		for _, entry := range left {
			h := entry.Clone()
			h.State = StateReaped
			history = append(history, h)

			f := entry.Clone()
			f.RecordID = 0
			f.State = StateAvailable
			f.ProcessingOwner = nil
			f.ProcessingAvailableDate = now
			f.CreatingOwner = e.owner
			f.ErrorCount = entry.ErrorCount + 1
			fresh = append(fresh, f)
		}

		if err := e.MoveEntriesToHistoryFromTx(ctx, tx, history); err != nil {
			return err
		}
		if err := e.source.insertReaped(ctx, tx, fresh); err != nil {
			return err
		}
		reaped = left
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(reaped) > 0 {
		e.totalReaped.Add(int64(len(reaped)))
		e.metrics.IncCounter(e.cfg.TableName, MetricReapedEntries, int64(len(reaped)))
		e.logger.WarnContext(ctx, "reaped entries left behind",
			logger.RecordIDs(recordIDs(reaped)),
			logger.Time("cutoff", cutoff))
	}
	return len(reaped), nil
}

// ReadyCount returns how many entries are ready to be claimed now.
func (e *Engine) ReadyCount(ctx context.Context) (int64, error) {
	var owner *string
	if e.cfg.Mode == ModeStickyPolling {
		owner = &e.owner
	}
	return e.gw.GetNbReadyEntries(ctx, e.clock.Now(), owner, e.cfg.TableName)
}

// InflightSize returns the number of ids waiting in the inflight queue.
// Always zero outside STICKY_EVENTS mode.
func (e *Engine) InflightSize() int {
	if s, ok := e.source.(*inflightSource); ok {
		return s.size()
	}
	return 0
}

// Stats returns current engine statistics for observability and monitoring.
func (e *Engine) Stats() EngineStats {
	stats := EngineStats{
		Mode:                e.cfg.Mode,
		TotalFetched:        e.totalFetched.Load(),
		InflightFetched:     e.inflightFetched.Load(),
		TotalInserted:       e.totalInserted.Load(),
		InflightInserted:    e.inflightInserted.Load(),
		TotalClaimed:        e.totalClaimed.Load(),
		TotalMovedToHistory: e.totalMoved.Load(),
		TotalReaped:         e.totalReaped.Load(),
		TotalRetried:        e.totalRetried.Load(),
		InflightDropped:     e.inflightDropped.Load(),
	}
	if s, ok := e.source.(*inflightSource); ok {
		stats.InflightSize = s.size()
		stats.InflightOpenForRead = s.openForRead.Load()
		stats.InflightOpenForWrite = s.openForWrite.Load()
	}
	return stats
}

// claimDeadline is the visibility deadline for entries claimed at now.
func (e *Engine) claimDeadline(now time.Time) time.Time {
	return now.Add(e.cfg.ClaimedTime)
}

func (e *Engine) markClaimed(entry *Entry, deadline time.Time) {
	owner := e.owner
	entry.State = StateInProcessing
	entry.ProcessingOwner = &owner
	entry.ProcessingAvailableDate = deadline
}
