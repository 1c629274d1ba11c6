package redis

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/dbqueue/core/logger"
	"github.com/dmitrymomot/dbqueue/core/queue"
)

var _ queue.Metrics = (*MetricsSink)(nil)

// HashStore persists counter hashes.
type HashStore interface {
	// IncrementHashes adds every field delta to its hash in one round trip.
	IncrementHashes(ctx context.Context, increments map[string]map[string]int64) error
	// ReadHash returns the fields of key as integers.
	ReadHash(ctx context.Context, key string) (map[string]int64, error)
}

// ClientStore is a HashStore backed by a go-redis client using pipelined HINCRBY.
type ClientStore struct {
	client redis.UniversalClient
}

// NewClientStore wraps client.
func NewClientStore(client redis.UniversalClient) *ClientStore {
	return &ClientStore{client: client}
}

func (s *ClientStore) IncrementHashes(ctx context.Context, increments map[string]map[string]int64) error {
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, fields := range increments {
			for field, delta := range fields {
				pipe.HIncrBy(ctx, key, field, delta)
			}
		}
		return nil
	})
	return err
}

func (s *ClientStore) ReadHash(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s of %s is not an integer: %w", field, key, err)
		}
		out[field] = n
	}
	return out, nil
}

// MetricsSinkOption configures a MetricsSink.
type MetricsSinkOption func(*MetricsSink)

// WithKeyPrefix sets the prefix of every hash key. Default "dbqueue".
func WithKeyPrefix(prefix string) MetricsSinkOption {
	return func(s *MetricsSink) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithFlushInterval sets how often Run flushes. Default 10s.
func WithFlushInterval(d time.Duration) MetricsSinkOption {
	return func(s *MetricsSink) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMetricsLogger sets the logger used for flush failures.
func WithMetricsLogger(l *slog.Logger) MetricsSinkOption {
	return func(s *MetricsSink) {
		if l != nil {
			s.logger = l
		}
	}
}

// MetricsSink implements queue.Metrics by buffering increments in memory and
// flushing them to Redis hashes periodically:
//
//	<prefix>:<queue>:counters   field per counter name
//	<prefix>:<queue>:durations  <name>_count and <name>_us per duration name
//
// Recording never blocks on Redis. A failed flush keeps the increments for the next one.
type MetricsSink struct {
	store    HashStore
	prefix   string
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]map[string]int64
}

// NewMetricsSink creates a sink writing to store.
func NewMetricsSink(store HashStore, opts ...MetricsSinkOption) *MetricsSink {
	s := &MetricsSink{
		store:    store,
		prefix:   "dbqueue",
		interval: 10 * time.Second,
		logger:   logger.Discard(),
		pending:  make(map[string]map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("redis_metrics"))
	return s
}

// CountersKey returns the hash key holding counters of queueName.
func (s *MetricsSink) CountersKey(queueName string) string {
	return s.prefix + ":" + queueName + ":counters"
}

// DurationsKey returns the hash key holding duration totals of queueName.
func (s *MetricsSink) DurationsKey(queueName string) string {
	return s.prefix + ":" + queueName + ":durations"
}

func (s *MetricsSink) IncCounter(queueName, name string, delta int64) {
	if delta == 0 {
		return
	}
	s.add(s.CountersKey(queueName), name, delta)
}

func (s *MetricsSink) ObserveDuration(queueName, name string, d time.Duration) {
	key := s.DurationsKey(queueName)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(key, name+"_count", 1)
	s.addLocked(key, name+"_us", d.Microseconds())
}

func (s *MetricsSink) add(key, field string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(key, field, delta)
}

func (s *MetricsSink) addLocked(key, field string, delta int64) {
	fields, ok := s.pending[key]
	if !ok {
		fields = make(map[string]int64)
		s.pending[key] = fields
	}
	fields[field] += delta
}

// Flush writes buffered increments to the store.
func (s *MetricsSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	s.pending = make(map[string]map[string]int64)
	s.mu.Unlock()

	if err := s.store.IncrementHashes(ctx, batch); err != nil {
		s.mu.Lock()
		for key, fields := range batch {
			for field, delta := range fields {
				s.addLocked(key, field, delta)
			}
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to flush queue metrics: %w", err)
	}
	return nil
}

// Counters returns the flushed counters of queueName.
func (s *MetricsSink) Counters(ctx context.Context, queueName string) (map[string]int64, error) {
	return s.store.ReadHash(ctx, s.CountersKey(queueName))
}

// Durations returns the flushed duration totals of queueName.
func (s *MetricsSink) Durations(ctx context.Context, queueName string) (map[string]int64, error) {
	return s.store.ReadHash(ctx, s.DurationsKey(queueName))
}

// Pending returns a copy of the increments not yet flushed.
func (s *MetricsSink) Pending() map[string]map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]int64, len(s.pending))
	for key, fields := range s.pending {
		out[key] = maps.Clone(fields)
	}
	return out
}

// Run provides errgroup compatibility: it flushes every interval until ctx is
// cancelled, then flushes once more.
func (s *MetricsSink) Run(ctx context.Context) func() error {
	return func() error {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := s.Flush(flushCtx); err != nil {
					s.logger.Error("final metrics flush failed", logger.Error(err))
				}
				return nil
			case <-ticker.C:
				if err := s.Flush(ctx); err != nil {
					s.logger.WarnContext(ctx, "metrics flush failed", logger.Error(err))
				}
			}
		}
	}
}
