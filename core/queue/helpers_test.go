package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/dbqueue/core/queue"
)

var testEpoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testEpoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig(mode queue.Mode) queue.Config {
	cfg := queue.DefaultConfig()
	cfg.Mode = mode
	cfg.Owner = "node-a"
	cfg.PollingSleep = time.Millisecond
	cfg.InflightPollTimeout = 10 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

func newTestEngine(t *testing.T, gw queue.Gateway, cfg queue.Config, opts ...queue.EngineOption) *queue.Engine {
	t.Helper()
	engine, err := queue.NewEngine(gw, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, engine.Initialize(context.Background()))
	t.Cleanup(engine.Close)
	return engine
}

func newEntry(className string) *queue.Entry {
	return &queue.Entry{
		ClassName: className,
		Payload:   []byte(`{}`),
	}
}

func insertEntries(t *testing.T, engine *queue.Engine, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for range n {
		e := newEntry("test.Event")
		require.NoError(t, engine.InsertEntry(context.Background(), e))
		ids = append(ids, e.RecordID)
	}
	return ids
}

func recordIDs(entries []*queue.Entry) []int64 {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.RecordID
	}
	return ids
}
