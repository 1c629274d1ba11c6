package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryGateway implements Gateway in memory for testing and local development.
//
// Transactions are serialized: a transaction holds an exclusive lock until it
// resolves, and operations outside a transaction run as single-statement
// transactions. Rolled back changes are undone; listeners are notified after the
// lock is released. Starting an unrelated transaction from inside a running one
// on the same goroutine deadlocks, as it would on a single-connection database.
type MemoryGateway struct {
	txMu sync.Mutex

	mu     sync.RWMutex
	tables map[string]*memoryTable

	listenersMu sync.RWMutex
	listeners   []TxListener
}

type memoryTable struct {
	rows   map[int64]*Entry
	nextID int64
}

type memoryTx struct {
	gw   *MemoryGateway
	tx   *TxContext
	undo []func()
}

type memoryTxKey struct{}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		tables: make(map[string]*memoryTable),
	}
}

// WithTransaction runs fn in a transaction, joining the one in ctx if present.
func (g *MemoryGateway) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *TxContext) error) (err error) {
	if mt := g.txFrom(ctx); mt != nil {
		return fn(ctx, mt.tx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	g.txMu.Lock()
	mt := &memoryTx{gw: g, tx: NewTxContext()}
	txCtx := context.WithValue(ContextWithTx(ctx, mt.tx), memoryTxKey{}, mt)

	resolved := false
	defer func() {
		if r := recover(); r != nil && !resolved {
			mt.rollback()
			g.txMu.Unlock()
			g.notify(TxEvent{Tx: mt.tx, Outcome: TxRolledBack})
			panic(r)
		}
	}()

	err = fn(txCtx, mt.tx)
	outcome := TxCommitted
	if err != nil {
		mt.rollback()
		outcome = TxRolledBack
	}
	resolved = true
	g.txMu.Unlock()

	g.notify(TxEvent{Tx: mt.tx, Outcome: outcome})
	return err
}

// RegisterForNotification adds a listener invoked once per resolved transaction.
func (g *MemoryGateway) RegisterForNotification(listener TxListener) {
	if listener == nil {
		return
	}
	g.listenersMu.Lock()
	defer g.listenersMu.Unlock()
	g.listeners = append(g.listeners, listener)
}

func (g *MemoryGateway) notify(ev TxEvent) {
	g.listenersMu.RLock()
	listeners := slices.Clone(g.listeners)
	g.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}

func (g *MemoryGateway) txFrom(ctx context.Context) *memoryTx {
	mt, ok := ctx.Value(memoryTxKey{}).(*memoryTx)
	if !ok || mt.gw != g {
		return nil
	}
	return mt
}

// exec runs op inside the transaction from ctx, or in an autocommit one.
func (g *MemoryGateway) exec(ctx context.Context, op func(mt *memoryTx) error) error {
	if mt := g.txFrom(ctx); mt != nil {
		return op(mt)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	g.txMu.Lock()
	defer g.txMu.Unlock()
	mt := &memoryTx{gw: g}
	if err := op(mt); err != nil {
		mt.rollback()
		return err
	}
	return nil
}

func (mt *memoryTx) rollback() {
	mt.gw.mu.Lock()
	defer mt.gw.mu.Unlock()
	for i := len(mt.undo) - 1; i >= 0; i-- {
		mt.undo[i]()
	}
	mt.undo = nil
}

// table returns the named table, creating it on first use. Callers hold g.mu.
func (g *MemoryGateway) table(name string) *memoryTable {
	t, ok := g.tables[name]
	if !ok {
		t = &memoryTable{rows: make(map[int64]*Entry), nextID: 1}
		g.tables[name] = t
	}
	return t
}

// put writes row and records how to undo it. Callers hold g.mu.
func (mt *memoryTx) put(t *memoryTable, row *Entry) {
	id := row.RecordID
	if prev, ok := t.rows[id]; ok {
		mt.undo = append(mt.undo, func() { t.rows[id] = prev })
	} else {
		mt.undo = append(mt.undo, func() { delete(t.rows, id) })
	}
	t.rows[id] = row
}

// remove deletes the row and records how to undo it. Callers hold g.mu.
func (mt *memoryTx) remove(t *memoryTable, id int64) {
	prev, ok := t.rows[id]
	if !ok {
		return
	}
	mt.undo = append(mt.undo, func() { t.rows[id] = prev })
	delete(t.rows, id)
}

// InsertEntry stores a copy of entry under a new record id.
func (g *MemoryGateway) InsertEntry(ctx context.Context, entry *Entry, table string) (int64, error) {
	if entry == nil {
		return 0, ErrEntryNil
	}
	var id int64
	err := g.exec(ctx, func(mt *memoryTx) error {
		g.mu.Lock()
		defer g.mu.Unlock()

		t := g.table(table)
		id = t.nextID
		t.nextID++

		row := entry.Clone()
		row.RecordID = id
		mt.put(t, row)
		return nil
	})
	return id, err
}

// InsertEntries stores copies of entries. Non-zero record ids are kept and must be unique.
func (g *MemoryGateway) InsertEntries(ctx context.Context, entries []*Entry, table string) error {
	if len(entries) == 0 {
		return nil
	}
	return g.exec(ctx, func(mt *memoryTx) error {
		g.mu.Lock()
		defer g.mu.Unlock()

		t := g.table(table)
		for _, entry := range entries {
			if entry == nil {
				return ErrEntryNil
			}
			row := entry.Clone()
			if row.RecordID == 0 {
				row.RecordID = t.nextID
				t.nextID++
			} else {
				if _, ok := t.rows[row.RecordID]; ok {
					return fmt.Errorf("duplicate record id %d in %s", row.RecordID, table)
				}
				if row.RecordID >= t.nextID {
					t.nextID = row.RecordID + 1
				}
			}
			mt.put(t, row)
			entry.RecordID = row.RecordID
		}
		return nil
	})
}

func (g *MemoryGateway) RemoveEntry(ctx context.Context, id int64, table string) error {
	return g.RemoveEntries(ctx, []int64{id}, table)
}

func (g *MemoryGateway) RemoveEntries(ctx context.Context, ids []int64, table string) error {
	return g.exec(ctx, func(mt *memoryTx) error {
		g.mu.Lock()
		defer g.mu.Unlock()

		t := g.table(table)
		for _, id := range ids {
			mt.remove(t, id)
		}
		return nil
	})
}

func (g *MemoryGateway) GetReadyEntries(ctx context.Context, now time.Time, limit int, owner *string, table string) ([]*Entry, error) {
	var result []*Entry
	err := g.exec(ctx, func(*memoryTx) error {
		result = g.selectRows(table, limit, func(e *Entry) bool {
			return e.State == StateAvailable &&
				!e.ProcessingAvailableDate.After(now) &&
				(owner == nil || e.CreatingOwner == *owner)
		})
		return nil
	})
	return result, err
}

func (g *MemoryGateway) GetEntriesFromIDs(ctx context.Context, ids []int64, table string) ([]*Entry, error) {
	var result []*Entry
	err := g.exec(ctx, func(*memoryTx) error {
		g.mu.RLock()
		defer g.mu.RUnlock()

		t, ok := g.tables[table]
		if !ok {
			return nil
		}
		for _, id := range ids {
			if row, ok := t.rows[id]; ok {
				result = append(result, row.Clone())
			}
		}
		return nil
	})
	slices.SortFunc(result, compareRecordID)
	result = slices.CompactFunc(result, func(a, b *Entry) bool { return a.RecordID == b.RecordID })
	return result, err
}

func (g *MemoryGateway) ClaimEntry(ctx context.Context, id int64, now time.Time, owner string, nextAvailable time.Time, table string) (int64, error) {
	return g.ClaimEntries(ctx, []int64{id}, now, owner, nextAvailable, table)
}

func (g *MemoryGateway) ClaimEntries(ctx context.Context, ids []int64, now time.Time, owner string, nextAvailable time.Time, table string) (int64, error) {
	var n int64
	err := g.exec(ctx, func(mt *memoryTx) error {
		g.mu.Lock()
		defer g.mu.Unlock()

		t := g.table(table)
		for _, id := range ids {
			row, ok := t.rows[id]
			if !ok || row.State != StateAvailable || row.ProcessingAvailableDate.After(now) {
				continue
			}
			claimed := row.Clone()
			claimed.State = StateInProcessing
			claimed.ProcessingOwner = &owner
			claimed.ProcessingAvailableDate = nextAvailable
			mt.put(t, claimed)
			n++
		}
		return nil
	})
	return n, err
}

func (g *MemoryGateway) GetEntriesLeftBehind(ctx context.Context, maxReDispatch int, _ time.Time, reapingDate time.Time, table string) ([]*Entry, error) {
	var result []*Entry
	err := g.exec(ctx, func(*memoryTx) error {
		result = g.selectRows(table, 0, func(e *Entry) bool {
			return e.State == StateInProcessing &&
				e.ErrorCount < maxReDispatch &&
				!e.ProcessingAvailableDate.After(reapingDate)
		})
		return nil
	})
	return result, err
}

func (g *MemoryGateway) UpdateOnError(ctx context.Context, id int64, nextAvailable time.Time, errorCount int, table string) error {
	return g.exec(ctx, func(mt *memoryTx) error {
		g.mu.Lock()
		defer g.mu.Unlock()

		t := g.table(table)
		row, ok := t.rows[id]
		if !ok {
			return fmt.Errorf("%w: %d in %s", ErrEntryNotFound, id, table)
		}
		updated := row.Clone()
		updated.State = StateAvailable
		updated.ProcessingOwner = nil
		updated.ProcessingAvailableDate = nextAvailable
		updated.ErrorCount = errorCount
		mt.put(t, updated)
		return nil
	})
}

func (g *MemoryGateway) GetNbReadyEntries(ctx context.Context, now time.Time, owner *string, table string) (int64, error) {
	entries, err := g.GetReadyEntries(ctx, now, 0, owner, table)
	return int64(len(entries)), err
}

func (g *MemoryGateway) GetAvailableEntryIDs(ctx context.Context, afterID int64, limit int, table string) ([]int64, error) {
	var entries []*Entry
	err := g.exec(ctx, func(*memoryTx) error {
		entries = g.selectRows(table, limit, func(e *Entry) bool {
			return e.State == StateAvailable && e.RecordID > afterID
		})
		return nil
	})
	return recordIDs(entries), err
}

// GetEntriesCreatedBefore returns up to limit rows created before the given time,
// ordered by record id. Used to archive history tables.
func (g *MemoryGateway) GetEntriesCreatedBefore(ctx context.Context, before time.Time, limit int, table string) ([]*Entry, error) {
	var result []*Entry
	err := g.exec(ctx, func(*memoryTx) error {
		result = g.selectRows(table, limit, func(e *Entry) bool {
			return e.CreatedDate.Before(before)
		})
		return nil
	})
	return result, err
}

// Entries returns a snapshot of every committed row of table ordered by record id.
// Must not be called from inside a transaction.
func (g *MemoryGateway) Entries(table string) []*Entry {
	g.txMu.Lock()
	defer g.txMu.Unlock()
	return g.selectRows(table, 0, func(*Entry) bool { return true })
}

// Len returns the number of committed rows in table.
// Must not be called from inside a transaction.
func (g *MemoryGateway) Len(table string) int {
	g.txMu.Lock()
	defer g.txMu.Unlock()
	g.mu.RLock()
	defer g.mu.RUnlock()
	if t, ok := g.tables[table]; ok {
		return len(t.rows)
	}
	return 0
}

// selectRows returns copies of matching rows ordered by record id. Zero limit means all.
func (g *MemoryGateway) selectRows(table string, limit int, match func(*Entry) bool) []*Entry {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, ok := g.tables[table]
	if !ok {
		return nil
	}

	rows := make([]*Entry, 0, len(t.rows))
	for _, row := range t.rows {
		if match(row) {
			rows = append(rows, row)
		}
	}
	slices.SortFunc(rows, compareRecordID)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	result := make([]*Entry, len(rows))
	for i, row := range rows {
		result[i] = row.Clone()
	}
	return result
}

func compareRecordID(a, b *Entry) int {
	switch {
	case a.RecordID < b.RecordID:
		return -1
	case a.RecordID > b.RecordID:
		return 1
	}
	return 0
}
