package logger_test

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/dbqueue/core/logger"
)

func TestGroup(t *testing.T) {
	t.Parallel()
	attr := logger.Group("entry", slog.String("class", "x"), slog.Int("n", 2))
	require.Equal(t, "entry", attr.Key)
	require.Equal(t, slog.KindGroup, attr.Value.Kind())
	g := attr.Value.Group()
	require.Len(t, g, 2)
	assert.Equal(t, "class", g[0].Key)
	assert.Equal(t, "n", g[1].Key)
}

// ============================================================================
// Error Handling Tests
// ============================================================================

func TestErrors(t *testing.T) {
	t.Parallel()
	err1 := errors.New("first")
	err2 := errors.New("second")

	attr := logger.Errors(err1, nil, err2)
	require.Equal(t, "errors", attr.Key)
	g := attr.Value.Group()
	require.Len(t, g, 2)
	assert.Equal(t, "0", g[0].Key)
	assert.Equal(t, "2", g[1].Key)
	assert.Equal(t, err2, g[1].Value.Any())

	assert.True(t, logger.Errors(nil).Equal(slog.Attr{}))
}

func TestError(t *testing.T) {
	t.Parallel()
	err := errors.New("boom")
	attr := logger.Error(err)
	require.Equal(t, "error", attr.Key)
	assert.Equal(t, err, attr.Value.Any())

	assert.True(t, logger.Error(nil).Equal(slog.Attr{}))
}

func TestPanic(t *testing.T) {
	t.Parallel()
	attr := logger.Panic("handler bug")
	require.Equal(t, "panic", attr.Key)
	assert.Equal(t, "handler bug", attr.Value.Any())

	assert.True(t, logger.Panic(nil).Equal(slog.Attr{}))
}

// ============================================================================
// Timing Tests
// ============================================================================

func TestElapsed(t *testing.T) {
	t.Parallel()
	attr := logger.Elapsed(time.Now().Add(-500 * time.Millisecond))
	require.Equal(t, "elapsed", attr.Key)
	assert.GreaterOrEqual(t, attr.Value.Duration(), 500*time.Millisecond)
}

func TestTime(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	attr := logger.Time("cutoff", ts)
	require.Equal(t, "cutoff", attr.Key)
	assert.Equal(t, ts, attr.Value.Time())

	assert.True(t, logger.Time("cutoff", time.Time{}).Equal(slog.Attr{}))
}

// ============================================================================
// Queue Tests
// ============================================================================

func TestQueueAttributes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "bus_events", logger.Queue("bus_events").Value.String())
	assert.True(t, logger.Queue("").Equal(slog.Attr{}))

	assert.Equal(t, "node-a", logger.Owner("node-a").Value.String())
	assert.True(t, logger.Owner("").Equal(slog.Attr{}))

	assert.Equal(t, int64(42), logger.RecordID(42).Value.Int64())

	ids := logger.RecordIDs([]int64{1, 2})
	require.Equal(t, "record_ids", ids.Key)
	assert.Equal(t, []int64{1, 2}, ids.Value.Any())
	assert.True(t, logger.RecordIDs(nil).Equal(slog.Attr{}))

	assert.Equal(t, "billing.InvoiceCreated", logger.ClassName("billing.InvoiceCreated").Value.String())
	assert.Equal(t, "REAPED", logger.State("REAPED").Value.String())
	assert.Equal(t, "STICKY_EVENTS", logger.Mode("STICKY_EVENTS").Value.String())
	assert.Equal(t, int64(3), logger.ErrorCount(3).Value.Int64())
}

// ============================================================================
// Generic Metadata Tests
// ============================================================================

func TestComponent(t *testing.T) {
	t.Parallel()
	attr := logger.Component("reaper")
	require.Equal(t, "component", attr.Key)
	assert.Equal(t, "reaper", attr.Value.String())
}

func TestKey(t *testing.T) {
	t.Parallel()
	attr := logger.Key("custom", "value")
	require.Equal(t, "custom", attr.Key)
	assert.Equal(t, "value", attr.Value.Any())

	assert.True(t, logger.Key("key", nil).Equal(slog.Attr{}))
}

// ============================================================================
// Debugging Tests
// ============================================================================

func TestStack(t *testing.T) {
	t.Parallel()
	attr := logger.Stack()
	require.Equal(t, "stack", attr.Key)
	assert.Contains(t, attr.Value.String(), "TestStack")
}

// ============================================================================
// Logger Construction Tests
// ============================================================================

func TestNew(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(
		logger.WithOutput(&buf),
		logger.WithJSONFormatter(),
		logger.WithLevel(slog.LevelWarn),
		logger.WithAttr(slog.String("service", "dbqueue")),
	)

	log.Info("dropped")
	log.Warn("kept", logger.Queue("bus_events"))

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"msg":"kept"`)
	assert.Contains(t, out, `"service":"dbqueue"`)
	assert.Contains(t, out, `"queue":"bus_events"`)
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, slog.LevelDebug, logger.ParseLevel("debug"))
	assert.Equal(t, slog.LevelError, logger.ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, logger.ParseLevel("verbose"))
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := logger.Discard()
	require.NotNil(t, log)
	assert.NotPanics(t, func() {
		log.Error("dropped", logger.Error(errors.New("boom")))
	})
}
