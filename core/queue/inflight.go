package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/dbqueue/core/logger"
)

// inflightSource serves STICKY_EVENTS mode. Record ids of committed inserts are pushed
// into a bounded in-memory queue by the transaction listener; readers drain that queue
// instead of polling the table.
//
// The queue is open for write only while it is known to hold every AVAILABLE id:
// it starts closed, opens when seeding starts, and closes again when an offer finds it
// full. Once it drains to the low watermark it is reseeded from the table.
type inflightSource struct {
	eng     *Engine
	queue   chan int64
	claimer batchClaimer
	// stageKey scopes staged ids to this engine when several share a gateway.
	stageKey string

	openForRead  atomic.Bool
	openForWrite atomic.Bool
	reseeding    atomic.Bool

	mu sync.Mutex
	// queued holds the ids currently in queue so each is offered at most once.
	queued map[int64]struct{}
	closed bool
	timers map[int64]*time.Timer
}

func newInflightSource(e *Engine) *inflightSource {
	s := &inflightSource{
		eng:      e,
		queue:    make(chan int64, e.cfg.InflightCapacity),
		claimer:  batchClaimer{eng: e},
		stageKey: e.cfg.TableName + "@" + e.owner,
		queued:   make(map[int64]struct{}),
		timers:   make(map[int64]*time.Timer),
	}
	e.gw.RegisterForNotification(s.onTxEvent)
	return s
}

// initialize seeds the queue and opens it for read. It may be called again after close.
func (s *inflightSource) initialize(ctx context.Context) error {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()

	if err := s.seed(ctx); err != nil {
		return err
	}
	s.openForRead.Store(true)
	return nil
}

// seed offers every AVAILABLE id of the live table, page by page, until the table is
// exhausted or the queue is full.
func (s *inflightSource) seed(ctx context.Context) error {
	e := s.eng
	s.openForWrite.Store(true)

	var after int64
	seeded := 0
	for {
		ids, err := e.gw.GetAvailableEntryIDs(ctx, after, e.cfg.SeedBatchSize, e.cfg.TableName)
		if err != nil {
			return fmt.Errorf("failed to seed inflight queue %s: %w", e.cfg.TableName, err)
		}
		for _, id := range ids {
			if !s.offer(id) {
				e.logger.DebugContext(ctx, "inflight queue full while seeding", logger.Count("seeded", seeded))
				return nil
			}
			seeded++
		}
		if len(ids) < e.cfg.SeedBatchSize {
			break
		}
		after = ids[len(ids)-1]
	}

	e.logger.DebugContext(ctx, "inflight queue seeded", logger.Count("seeded", seeded))
	return nil
}

func (s *inflightSource) onTxEvent(ev TxEvent) {
	ids := ev.Tx.Drain(s.stageKey)
	if ev.Outcome != TxCommitted {
		return
	}
	for _, id := range ids {
		s.offer(id)
	}
}

// offer never blocks. An id already queued is accepted without a second copy. A full
// queue closes it for write; the dropped ids are picked up by the next reseed.
func (s *inflightSource) offer(id int64) bool {
	e := s.eng
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.openForWrite.Load() {
		s.drop()
		return false
	}
	if _, ok := s.queued[id]; ok {
		return true
	}
	select {
	case s.queue <- id:
		s.queued[id] = struct{}{}
		e.inflightInserted.Add(1)
		return true
	default:
		if s.openForWrite.CompareAndSwap(true, false) {
			e.logger.Warn("inflight queue full, closing for write until reseed",
				logger.Count("capacity", cap(s.queue)))
		}
		s.drop()
		return false
	}
}

func (s *inflightSource) drop() {
	s.eng.inflightDropped.Add(1)
	s.eng.metrics.IncCounter(s.eng.cfg.TableName, MetricInflightDropped, 1)
}

// offerAt offers id once at is reached. At most one timer per id is pending.
func (s *inflightSource) offerAt(id int64, at time.Time) {
	delay := at.Sub(s.eng.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.timers[id]; ok {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		// close stops and forgets every timer; a callback already running is stale.
		if s.timers[id] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()
		s.offer(id)
	})
	s.timers[id] = t
}

func (s *inflightSource) readyEntries(ctx context.Context) ([]*Entry, error) {
	if !s.openForRead.Load() {
		return nil, ErrInflightNotReady
	}
	e := s.eng

	s.maybeReseed(ctx)

	ids := s.poll(ctx, e.cfg.MaxEntriesClaimed)
	if len(ids) == 0 {
		return nil, nil
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	rows, err := e.gw.GetEntriesFromIDs(ctx, ids, e.cfg.TableName)
	if err != nil {
		s.reoffer(ids)
		return nil, fmt.Errorf("failed to load inflight entries from %s: %w", e.cfg.TableName, err)
	}

	now := e.clock.Now()
	due := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		if row.State != StateAvailable {
			continue
		}
		if row.ProcessingAvailableDate.After(now) {
			s.offerAt(row.RecordID, row.ProcessingAvailableDate)
			continue
		}
		due = append(due, row)
	}
	if len(due) == 0 {
		return nil, nil
	}

	claimed, err := s.claimer.claim(ctx, now, due)
	if err != nil {
		s.reoffer(recordIDs(due))
		return nil, err
	}

	e.inflightFetched.Add(int64(len(claimed)))
	return claimed, nil
}

// poll takes up to limit ids, waiting at most the poll timeout for the first one.
func (s *inflightSource) poll(ctx context.Context, limit int) []int64 {
	ids := make([]int64, 0, limit)
	ids = s.drain(ids, limit)
	if len(ids) == 0 {
		timer := time.NewTimer(s.eng.cfg.InflightPollTimeout)
		defer timer.Stop()

		select {
		case id := <-s.queue:
			ids = s.drain(append(ids, id), limit)
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	if len(ids) > 0 {
		s.mu.Lock()
		for _, id := range ids {
			delete(s.queued, id)
		}
		s.mu.Unlock()
	}
	return ids
}

func (s *inflightSource) drain(ids []int64, limit int) []int64 {
	for len(ids) < limit {
		select {
		case id := <-s.queue:
			ids = append(ids, id)
		default:
			return ids
		}
	}
	return ids
}

func (s *inflightSource) reoffer(ids []int64) {
	for _, id := range ids {
		s.offer(id)
	}
}

func (s *inflightSource) maybeReseed(ctx context.Context) {
	if s.openForWrite.Load() || len(s.queue) > s.eng.cfg.InflightLowWatermark {
		return
	}
	if !s.reseeding.CompareAndSwap(false, true) {
		return
	}
	defer s.reseeding.Store(false)

	if err := s.seed(ctx); err != nil {
		s.openForWrite.Store(false)
		s.eng.logger.ErrorContext(ctx, "inflight reseed failed", logger.Error(err))
	}
}

func (s *inflightSource) afterInsert(_ context.Context, tx *TxContext, entry *Entry) {
	tx.Stage(s.stageKey, entry.RecordID)
}

func (s *inflightSource) afterRetry(_ context.Context, tx *TxContext, entry *Entry) {
	tx.Stage(s.stageKey, entry.RecordID)
}

func (s *inflightSource) insertReaped(ctx context.Context, tx *TxContext, entries []*Entry) error {
	if err := s.eng.insertEntriesFromTx(ctx, entries); err != nil {
		return err
	}
	tx.Stage(s.stageKey, recordIDs(entries)...)
	return nil
}

func (s *inflightSource) close() {
	s.openForRead.Store(false)
	s.openForWrite.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	// The next initialize reseeds from the table.
	for {
		select {
		case <-s.queue:
		default:
			clear(s.queued)
			return
		}
	}
}

func (s *inflightSource) size() int {
	return len(s.queue)
}
