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

func TestNewDispatcher_NilProcess(t *testing.T) {
	t.Parallel()

	_, err := queue.NewDispatcher("bus_events", nil)
	assert.ErrorIs(t, err, queue.ErrProcessFuncNil)
}

func TestDispatcher_ErrorsDoNotStopLoop(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	d, err := queue.NewDispatcher("bus_events", func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("transient")
	}, queue.WithPollingSleep(time.Millisecond))
	require.NoError(t, err)

	d.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, d.IsRunning())
	require.NoError(t, d.Stop())

	stats := d.Stats()
	assert.GreaterOrEqual(t, stats.Failures, int64(3))
	assert.False(t, stats.IsRunning)
}

func TestDispatcher_PanicEndsLoop(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	d, err := queue.NewDispatcher("bus_events", func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			panic("handler bug")
		}
		return nil
	}, queue.WithPollingSleep(time.Millisecond))
	require.NoError(t, err)

	d.Start(context.Background())
	assert.Eventually(t, func() bool { return !d.IsRunning() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())

	// The loop can be started again after an abnormal exit.
	d.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Stop())
}

func TestDispatcher_SingleLoop(t *testing.T) {
	t.Parallel()

	var active, maxActive atomic.Int64
	d, err := queue.NewDispatcher("bus_events", func(ctx context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		return nil
	}, queue.WithSkipSleep(true))
	require.NoError(t, err)

	require.NoError(t, d.Stop(), "stop before start is a no-op")
	d.Start(context.Background())
	d.Start(context.Background())

	assert.Eventually(t, func() bool { return d.Stats().Cycles >= 10 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
	assert.Equal(t, int64(1), maxActive.Load())
}

func TestDispatcher_PollingSleepPacesCycles(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	d, err := queue.NewDispatcher("bus_events", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, queue.WithPollingSleep(time.Hour))
	require.NoError(t, err)

	d.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())

	start := time.Now()
	require.NoError(t, d.Stop())
	assert.Less(t, time.Since(start), time.Second, "stop interrupts the sleep")
}

func TestDispatcher_SetDisabled(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	d, err := queue.NewDispatcher("bus_events", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, queue.WithPollingSleep(time.Millisecond), queue.WithIdleInterval(5*time.Millisecond))
	require.NoError(t, err)

	d.SetDisabled(true)
	d.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.True(t, d.IsRunning())
	assert.True(t, d.Stats().Disabled)

	d.SetDisabled(false)
	assert.Eventually(t, func() bool { return calls.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Stop())
}

func TestDispatcher_ShutdownTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	started := make(chan struct{}, 1)
	d, err := queue.NewDispatcher("bus_events", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, queue.WithDispatcherShutdownTimeout(20*time.Millisecond))
	require.NoError(t, err)

	d.Start(context.Background())
	<-started
	assert.ErrorIs(t, d.Stop(), queue.ErrShutdownTimeout)
}

func TestNewDispatcherFromConfig_StickyEventsSkipsSleep(t *testing.T) {
	t.Parallel()

	cfg := testConfig(queue.ModeStickyEvents)
	cfg.PollingSleep = time.Hour

	var calls atomic.Int64
	d, err := queue.NewDispatcherFromConfig(cfg, func(ctx context.Context) error {
		calls.Add(1)
		time.Sleep(time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	d.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() >= 5 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Stop())
}

func TestDispatcher_SkipSleepPacesFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	d, err := queue.NewDispatcher("bus_events", func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("gateway unavailable")
	}, queue.WithSkipSleep(true), queue.WithPollingSleep(time.Hour))
	require.NoError(t, err)

	d.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load(), "failed cycle waits for the polling sleep")
	assert.Equal(t, int64(1), d.Stats().Failures)
	require.NoError(t, d.Stop())
}
