package queue

import (
	"context"
	"sync"
	"sync/atomic"
)

// TxOutcome is how a transaction resolved.
type TxOutcome int

const (
	TxCommitted TxOutcome = iota + 1
	TxRolledBack
)

func (o TxOutcome) String() string {
	switch o {
	case TxCommitted:
		return "commit"
	case TxRolledBack:
		return "rollback"
	}
	return "unknown"
}

// TxEvent is delivered to listeners after a transaction resolved.
type TxEvent struct {
	Tx      *TxContext
	Outcome TxOutcome
}

// TxListener receives transaction notifications. Listeners run synchronously on the
// goroutine that resolved the transaction and must not block.
type TxListener func(TxEvent)

var txSeq atomic.Uint64

// TxContext is the explicit per-transaction value handed to units of work.
// It carries the last inserted record id and the record ids staged for dispatch
// once the transaction commits, keyed by queue table.
type TxContext struct {
	id uint64

	mu           sync.Mutex
	lastInsertID int64
	pending      map[string][]int64
}

// NewTxContext creates a transaction context with a process-unique id.
// Gateways call it when they begin a transaction.
func NewTxContext() *TxContext {
	return &TxContext{id: txSeq.Add(1)}
}

// ID returns the process-unique transaction id.
func (t *TxContext) ID() uint64 { return t.id }

// ResetLastInsertID clears the last inserted id so a failed insert cannot leak a stale one.
func (t *TxContext) ResetLastInsertID() {
	t.mu.Lock()
	t.lastInsertID = 0
	t.mu.Unlock()
}

// LastInsertID returns the record id of the last successful insert in this transaction.
func (t *TxContext) LastInsertID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastInsertID
}

func (t *TxContext) setLastInsertID(id int64) {
	t.mu.Lock()
	t.lastInsertID = id
	t.mu.Unlock()
}

// Stage records ids to hand off under key once the transaction commits.
func (t *TxContext) Stage(key string, ids ...int64) {
	if len(ids) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		t.pending = make(map[string][]int64)
	}
	t.pending[key] = append(t.pending[key], ids...)
}

// Drain returns and forgets the ids staged under key.
func (t *TxContext) Drain(key string) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.pending[key]
	delete(t.pending, key)
	return ids
}

type txContextKey struct{}

// ContextWithTx returns a context carrying tx. Gateways use it to detect nested
// WithTransaction calls.
func ContextWithTx(ctx context.Context, tx *TxContext) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext extracts the transaction context stored with ContextWithTx.
func TxFromContext(ctx context.Context) (*TxContext, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txContextKey{}).(*TxContext)
	return tx, ok
}
