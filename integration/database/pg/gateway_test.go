package pg_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/dbqueue/core/queue"
	"github.com/dmitrymomot/dbqueue/integration/database/pg"
)

// fakeTx records how it was resolved. Unimplemented methods panic through the nil embed.
type fakeTx struct {
	pgx.Tx

	mu         sync.Mutex
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *fakeTx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

// fakePool hands out fakeTx values. Query methods are never reached in these tests.
type fakePool struct {
	pg.Querier

	mu        sync.Mutex
	begun     []*fakeTx
	beginErr  error
	commitErr error
}

func (p *fakePool) Begin(context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	tx := &fakeTx{commitErr: p.commitErr}
	p.begun = append(p.begun, tx)
	return tx, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []queue.TxEvent
}

func (l *eventLog) listen(ev queue.TxEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) outcomes() []queue.TxOutcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]queue.TxOutcome, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Outcome
	}
	return out
}

func newFakeGateway(t *testing.T) (*pg.Gateway, *fakePool, *eventLog) {
	t.Helper()
	pool := &fakePool{}
	gw := pg.NewGateway(pool)
	log := &eventLog{}
	gw.RegisterForNotification(log.listen)
	return gw, pool, log
}

func TestGatewayWithTransaction(t *testing.T) {
	t.Parallel()

	t.Run("commit notifies listeners", func(t *testing.T) {
		t.Parallel()
		gw, pool, log := newFakeGateway(t)

		var seen *queue.TxContext
		err := gw.WithTransaction(context.Background(), func(ctx context.Context, tx *queue.TxContext) error {
			seen = tx
			pgTx, ok := pg.TxFromContext(ctx)
			require.True(t, ok)
			assert.Same(t, pool.begun[0], pgTx)
			fromCtx, ok := queue.TxFromContext(ctx)
			require.True(t, ok)
			assert.Same(t, tx, fromCtx)
			return nil
		})
		require.NoError(t, err)

		require.Len(t, pool.begun, 1)
		assert.True(t, pool.begun[0].committed)
		assert.False(t, pool.begun[0].rolledBack)
		assert.Equal(t, []queue.TxOutcome{queue.TxCommitted}, log.outcomes())
		assert.Same(t, seen, log.events[0].Tx)
	})

	t.Run("error rolls back", func(t *testing.T) {
		t.Parallel()
		gw, pool, log := newFakeGateway(t)
		boom := errors.New("boom")

		err := gw.WithTransaction(context.Background(), func(context.Context, *queue.TxContext) error {
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.True(t, pool.begun[0].rolledBack)
		assert.Equal(t, []queue.TxOutcome{queue.TxRolledBack}, log.outcomes())
	})

	t.Run("nested calls join the outer transaction", func(t *testing.T) {
		t.Parallel()
		gw, pool, log := newFakeGateway(t)

		err := gw.WithTransaction(context.Background(), func(ctx context.Context, outer *queue.TxContext) error {
			return gw.WithTransaction(ctx, func(_ context.Context, inner *queue.TxContext) error {
				assert.Same(t, outer, inner)
				return nil
			})
		})
		require.NoError(t, err)
		assert.Len(t, pool.begun, 1)
		assert.Equal(t, []queue.TxOutcome{queue.TxCommitted}, log.outcomes())
	})

	t.Run("panic rolls back and propagates", func(t *testing.T) {
		t.Parallel()
		gw, pool, log := newFakeGateway(t)

		assert.PanicsWithValue(t, "handler bug", func() {
			_ = gw.WithTransaction(context.Background(), func(context.Context, *queue.TxContext) error {
				panic("handler bug")
			})
		})
		assert.True(t, pool.begun[0].rolledBack)
		assert.Equal(t, []queue.TxOutcome{queue.TxRolledBack}, log.outcomes())
	})

	t.Run("commit failure reports rollback", func(t *testing.T) {
		t.Parallel()
		gw, pool, log := newFakeGateway(t)
		pool.commitErr = errors.New("connection reset")

		err := gw.WithTransaction(context.Background(), func(context.Context, *queue.TxContext) error {
			return nil
		})
		require.Error(t, err)
		assert.Equal(t, []queue.TxOutcome{queue.TxRolledBack}, log.outcomes())
	})

	t.Run("begin failure", func(t *testing.T) {
		t.Parallel()
		gw, pool, log := newFakeGateway(t)
		pool.beginErr = errors.New("pool closed")

		called := false
		err := gw.WithTransaction(context.Background(), func(context.Context, *queue.TxContext) error {
			called = true
			return nil
		})
		require.Error(t, err)
		assert.False(t, called)
		assert.Empty(t, log.outcomes())
	})
}

func TestGatewayRejectsInvalidTable(t *testing.T) {
	t.Parallel()
	gw, _, _ := newFakeGateway(t)

	_, err := gw.InsertEntry(context.Background(), &queue.Entry{}, "")
	assert.ErrorIs(t, err, pg.ErrInvalidTableName)

	_, err = gw.InsertEntry(context.Background(), nil, "bus_events")
	assert.ErrorIs(t, err, queue.ErrEntryNil)

	assert.NoError(t, gw.RemoveEntries(context.Background(), nil, "bus_events"))
}
