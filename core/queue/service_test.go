package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/dbqueue/core/queue"
)

type serviceTestPayload struct {
	Message string `json:"message"`
}

func newTestService(t *testing.T, gw *queue.MemoryGateway, cfg queue.Config, handlers ...queue.Handler) *queue.Service {
	t.Helper()
	svc, err := queue.NewService(gw, cfg, queue.WithHandlers(handlers...), queue.WithoutReaper())
	require.NoError(t, err)
	return svc
}

func historyState(gw *queue.MemoryGateway) func() []*queue.Entry {
	return func() []*queue.Entry { return gw.Entries("bus_events_history") }
}

func waitForHistory(t *testing.T, gw *queue.MemoryGateway, n int) []*queue.Entry {
	t.Helper()
	history := historyState(gw)
	require.Eventually(t, func() bool { return len(history()) >= n }, 5*time.Second, 5*time.Millisecond)
	return history()
}

func TestService_ProcessesEntries(t *testing.T) {
	t.Parallel()

	for _, mode := range []queue.Mode{queue.ModePolling, queue.ModeStickyPolling, queue.ModeStickyEvents} {
		t.Run(string(mode), func(t *testing.T) {
			t.Parallel()

			gw := queue.NewMemoryGateway()
			var received atomic.Int64
			svc := newTestService(t, gw, testConfig(mode),
				queue.NewTaskHandler(func(ctx context.Context, p serviceTestPayload) error {
					if p.Message == "hello" {
						received.Add(1)
					}
					return nil
				}))

			ctx := context.Background()
			require.NoError(t, svc.Start(ctx))
			defer svc.Stop()

			for range 3 {
				_, err := svc.Enqueue(ctx, serviceTestPayload{Message: "hello"})
				require.NoError(t, err)
			}

			history := waitForHistory(t, gw, 3)
			for _, e := range history {
				assert.Equal(t, queue.StateProcessed, e.State)
				assert.Zero(t, e.ErrorCount)
			}
			assert.Equal(t, int64(3), received.Load())
			assert.Equal(t, 0, gw.Len("bus_events"))
			assert.Equal(t, int64(3), svc.Stats().Processed)
		})
	}
}

func TestService_RetryThenSucceed(t *testing.T) {
	t.Parallel()

	gw := queue.NewMemoryGateway()
	cfg := testConfig(queue.ModePolling)
	cfg.RetryDelay = 0

	var attempts atomic.Int64
	svc := newTestService(t, gw, cfg, queue.NewTaskHandler(func(ctx context.Context, p serviceTestPayload) error {
		if attempts.Add(1) == 1 {
			return errors.New("temporary outage")
		}
		return nil
	}))

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	_, err := svc.Enqueue(ctx, serviceTestPayload{})
	require.NoError(t, err)

	history := waitForHistory(t, gw, 1)
	assert.Equal(t, queue.StateProcessed, history[0].State)
	assert.Equal(t, 1, history[0].ErrorCount)
	assert.Equal(t, int64(2), attempts.Load())
	assert.Equal(t, int64(1), svc.Stats().Retried)
}

func TestService_RetriesExhausted(t *testing.T) {
	t.Parallel()

	gw := queue.NewMemoryGateway()
	cfg := testConfig(queue.ModePolling)
	cfg.RetryDelay = 0
	cfg.MaxFailureRetries = 2

	var attempts atomic.Int64
	svc := newTestService(t, gw, cfg, queue.NewTaskHandler(func(ctx context.Context, p serviceTestPayload) error {
		attempts.Add(1)
		return errors.New("always failing")
	}))

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	_, err := svc.Enqueue(ctx, serviceTestPayload{})
	require.NoError(t, err)

	history := waitForHistory(t, gw, 1)
	assert.Equal(t, queue.StateFailed, history[0].State)
	assert.Equal(t, 3, history[0].ErrorCount)
	assert.Equal(t, int64(3), attempts.Load())
}

func TestService_FatalOutcomes(t *testing.T) {
	t.Parallel()

	t.Run("fatal handler error", func(t *testing.T) {
		t.Parallel()

		gw := queue.NewMemoryGateway()
		var attempts atomic.Int64
		svc := newTestService(t, gw, testConfig(queue.ModePolling), queue.NewTaskHandler(func(ctx context.Context, p serviceTestPayload) error {
			attempts.Add(1)
			return queue.Fatal(errors.New("malformed"))
		}))

		ctx := context.Background()
		require.NoError(t, svc.Start(ctx))
		defer svc.Stop()

		_, err := svc.Enqueue(ctx, serviceTestPayload{})
		require.NoError(t, err)

		history := waitForHistory(t, gw, 1)
		assert.Equal(t, queue.StateFailed, history[0].State)
		assert.Equal(t, 1, history[0].ErrorCount)
		assert.Equal(t, int64(1), attempts.Load())
	})

	t.Run("missing handler", func(t *testing.T) {
		t.Parallel()

		gw := queue.NewMemoryGateway()
		svc := newTestService(t, gw, testConfig(queue.ModePolling))

		ctx := context.Background()
		require.NoError(t, svc.Start(ctx))
		defer svc.Stop()

		_, err := svc.Enqueue(ctx, serviceTestPayload{}, queue.WithClassName("unknown.Event"))
		require.NoError(t, err)

		history := waitForHistory(t, gw, 1)
		assert.Equal(t, queue.StateFailed, history[0].State)
		assert.Equal(t, int64(1), svc.Stats().Failed)
	})

	t.Run("undecodable payload", func(t *testing.T) {
		t.Parallel()

		gw := queue.NewMemoryGateway()
		var called atomic.Bool
		handler := queue.NewTaskHandler(func(ctx context.Context, p serviceTestPayload) error {
			called.Store(true)
			return nil
		})
		svc := newTestService(t, gw, testConfig(queue.ModePolling), handler)

		ctx := context.Background()
		require.NoError(t, svc.Start(ctx))
		defer svc.Stop()

		_, err := svc.Enqueue(ctx, []int{1, 2}, queue.WithClassName(handler.Name()))
		require.NoError(t, err)

		history := waitForHistory(t, gw, 1)
		assert.Equal(t, queue.StateFailed, history[0].State)
		assert.False(t, called.Load())
	})
}

func TestService_PanicIsRetried(t *testing.T) {
	t.Parallel()

	gw := queue.NewMemoryGateway()
	cfg := testConfig(queue.ModePolling)
	cfg.RetryDelay = 0

	var attempts atomic.Int64
	svc := newTestService(t, gw, cfg, queue.NewEntryHandler("test.Panicky", func(ctx context.Context, e *queue.Entry) error {
		if attempts.Add(1) == 1 {
			panic("nil map write")
		}
		return nil
	}))

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	_, err := svc.Enqueue(ctx, serviceTestPayload{}, queue.WithClassName("test.Panicky"))
	require.NoError(t, err)

	history := waitForHistory(t, gw, 1)
	assert.Equal(t, queue.StateProcessed, history[0].State)
	assert.Equal(t, 1, history[0].ErrorCount)
	assert.True(t, svc.Dispatcher().IsRunning(), "handler panic does not kill the dispatcher")
}

func TestService_RolledBackEnqueueIsNeverProcessed(t *testing.T) {
	t.Parallel()

	gw := queue.NewMemoryGateway()
	var attempts atomic.Int64
	svc := newTestService(t, gw, testConfig(queue.ModeStickyEvents), queue.NewTaskHandler(func(ctx context.Context, p serviceTestPayload) error {
		attempts.Add(1)
		return nil
	}))

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	boom := errors.New("business rule violated")
	err := gw.WithTransaction(ctx, func(ctx context.Context, tx *queue.TxContext) error {
		if _, err := svc.EnqueueFromTx(ctx, tx, serviceTestPayload{Message: "ghost"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = gw.WithTransaction(ctx, func(ctx context.Context, tx *queue.TxContext) error {
		_, err := svc.EnqueueFromTx(ctx, tx, serviceTestPayload{Message: "real"})
		return err
	})
	require.NoError(t, err)

	waitForHistory(t, gw, 1)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(1), attempts.Load())
	assert.Len(t, gw.Entries("bus_events_history"), 1)
}

func TestService_Lifecycle(t *testing.T) {
	t.Parallel()

	gw := queue.NewMemoryGateway()
	svc := newTestService(t, gw, testConfig(queue.ModePolling))
	ctx := context.Background()

	assert.ErrorIs(t, svc.Healthcheck(ctx), queue.ErrHealthcheckFailed)
	assert.ErrorIs(t, svc.Stop(), queue.ErrNotStarted)

	require.NoError(t, svc.Start(ctx))
	assert.ErrorIs(t, svc.Start(ctx), queue.ErrAlreadyStarted)
	assert.NoError(t, svc.Healthcheck(ctx))

	require.NoError(t, svc.Stop())
	assert.ErrorIs(t, svc.Healthcheck(ctx), queue.ErrQueueNotRunning)
}

func TestService_Run(t *testing.T) {
	t.Parallel()

	gw := queue.NewMemoryGateway()
	svc, err := queue.NewService(gw, testConfig(queue.ModeStickyEvents),
		queue.WithHandlers(queue.NewTaskHandler(func(ctx context.Context, p serviceTestPayload) error { return nil })))
	require.NoError(t, err)
	require.NotNil(t, svc.Reaper())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, svc.Dispatcher().IsRunning, 2*time.Second, 5*time.Millisecond)
	_, err = svc.Enqueue(context.Background(), serviceTestPayload{})
	require.NoError(t, err)
	waitForHistory(t, gw, 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.False(t, svc.Dispatcher().IsRunning())
	assert.False(t, svc.Reaper().IsRunning())
}

func TestService_RegisterHandler(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, queue.NewMemoryGateway(), testConfig(queue.ModePolling))
	assert.ErrorIs(t, svc.RegisterHandler(nil), queue.ErrHandlerNil)
	assert.NoError(t, svc.RegisterHandlers(
		queue.NewEntryHandler("a", func(context.Context, *queue.Entry) error { return nil }),
		queue.NewEntryHandler("b", func(context.Context, *queue.Entry) error { return nil }),
	))
}

func TestService_SettlesEntriesClaimedBeforeClaimFailure(t *testing.T) {
	t.Parallel()

	gw := &failingClaimGateway{MemoryGateway: queue.NewMemoryGateway()}
	cfg := testConfig(queue.ModePolling)

	var received atomic.Int64
	svc, err := queue.NewService(gw, cfg, queue.WithoutReaper(),
		queue.WithHandlers(queue.NewTaskHandler(func(ctx context.Context, p serviceTestPayload) error {
			received.Add(1)
			return nil
		})))
	require.NoError(t, err)

	ctx := context.Background()
	var ids []int64
	for range 3 {
		id, err := svc.Enqueue(ctx, serviceTestPayload{Message: "hello"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	gw.failID = ids[1]

	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	history := waitForHistory(t, gw.MemoryGateway, 3)
	for _, e := range history {
		assert.Equal(t, queue.StateProcessed, e.State)
	}
	assert.True(t, gw.failed.Load())
	assert.Equal(t, int64(3), received.Load())
	assert.Equal(t, 0, gw.Len("bus_events"))
}
