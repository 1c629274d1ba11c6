package queue

import "time"

// Metric names reported by the engine.
const (
	MetricGetEntries      = "get_entries"
	MetricInsertEntries   = "insert_entries"
	MetricClaimEntries    = "claim_entries"
	MetricDeleteEntries   = "delete_entries"
	MetricReapedEntries   = "reaped_entries"
	MetricRetriedEntries  = "retried_entries"
	MetricInflightDropped = "inflight_dropped"
	MetricGetTime         = "get_time"
	MetricInsertTime      = "insert_time"
	MetricClaimTime       = "claim_time"
	MetricDeleteTime      = "delete_time"
)

// Metrics is an observability sink. Implementations must not block and must not fail:
// the engine behaves identically with or without one.
type Metrics interface {
	IncCounter(queue, name string, delta int64)
	ObserveDuration(queue, name string, d time.Duration)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) IncCounter(string, string, int64)              {}
func (NopMetrics) ObserveDuration(string, string, time.Duration) {}

// EngineStats provides observability counters for monitoring and debugging.
type EngineStats struct {
	Mode                 Mode
	TotalFetched         int64 // Entries returned by GetReadyEntries
	InflightFetched      int64 // Of which surfaced through the inflight queue
	TotalInserted        int64 // Entries written to the live table
	InflightInserted     int64 // Of which handed to the inflight queue after commit
	TotalClaimed         int64
	TotalMovedToHistory  int64
	TotalReaped          int64
	TotalRetried         int64
	InflightDropped      int64 // Offers dropped while the inflight queue was full or closed
	InflightSize         int
	InflightOpenForRead  bool
	InflightOpenForWrite bool
}
