package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/dbqueue/core/logger"
)

// reapMargin is added to the claimed time when deriving the minimum safe reap threshold.
const reapMargin = 5 * time.Minute

// Reapable is a queue whose abandoned entries can be recovered.
type Reapable interface {
	Name() string
	// ReapEntries recovers IN_PROCESSING entries whose visibility deadline is at or
	// before cutoff and returns how many were reaped.
	ReapEntries(ctx context.Context, cutoff time.Time) (int, error)
}

// EffectiveReapThreshold returns the threshold the reaper actually uses.
// A threshold below claimedTime+5m would reap entries that are legitimately
// being processed, so it is raised; the second result reports the adjustment.
func EffectiveReapThreshold(claimedTime, reapThreshold time.Duration) (time.Duration, bool) {
	minimum := claimedTime + reapMargin
	if reapThreshold < minimum {
		return minimum, true
	}
	return reapThreshold, false
}

// ReaperStats provides observability metrics for monitoring and debugging.
type ReaperStats struct {
	Runs        int64 // Completed reap passes
	Failures    int64 // Passes that returned an error
	TotalReaped int64
	IsRunning   bool
}

// Reaper periodically recovers entries left behind by crashed or stuck claimants.
// Runs are spaced by a fixed delay measured from the end of the previous run.
type Reaper struct {
	queue           Reapable
	threshold       time.Duration
	schedule        time.Duration
	clock           Clock
	shutdownTimeout time.Duration
	logger          *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	runs     atomic.Int64
	failures atomic.Int64
	reaped   atomic.Int64
}

// NewReaper creates a reaper for queue. The threshold is corrected with
// EffectiveReapThreshold and a warning is logged when it had to be raised.
func NewReaper(queue Reapable, claimedTime, reapThreshold, schedule time.Duration, opts ...ReaperOption) (*Reaper, error) {
	if queue == nil {
		return nil, ErrReapableNil
	}
	if schedule <= 0 {
		return nil, fmt.Errorf("%w: reap schedule must be positive, got %s", ErrInvalidConfig, schedule)
	}

	options := &reaperOptions{
		clock:           SystemClock,
		shutdownTimeout: 30 * time.Second,
		logger:          logger.Discard(),
	}
	for _, opt := range opts {
		opt(options)
	}

	threshold, adjusted := EffectiveReapThreshold(claimedTime, reapThreshold)
	log := options.logger.With(logger.Component("reaper"), logger.Queue(queue.Name()))
	if adjusted {
		log.Warn("reap threshold too low for claimed time, raising it",
			slog.Duration("configured", reapThreshold),
			slog.Duration("claimed_time", claimedTime),
			slog.Duration("effective", threshold))
	}

	return &Reaper{
		queue:           queue,
		threshold:       threshold,
		schedule:        schedule,
		clock:           options.clock,
		shutdownTimeout: options.shutdownTimeout,
		logger:          log,
	}, nil
}

// NewReaperFromConfig creates a Reaper from queue configuration.
func NewReaperFromConfig(cfg Config, queue Reapable, opts ...ReaperOption) (*Reaper, error) {
	allOpts := append([]ReaperOption{
		WithReaperShutdownTimeout(cfg.ShutdownTimeout),
	}, opts...)
	return NewReaper(queue, cfg.ClaimedTime, cfg.ReapThreshold, cfg.ReapSchedule, allOpts...)
}

// Threshold returns the effective reap threshold.
func (r *Reaper) Threshold() time.Duration { return r.threshold }

// Start launches the periodic reap loop. Calling Start on a running reaper is a no-op.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running.Store(true)

	r.logger.InfoContext(ctx, "reaper started",
		slog.Duration("threshold", r.threshold),
		slog.Duration("schedule", r.schedule))

	go r.loop(ctx, r.done)
}

// Stop cancels the loop and waits for an in-progress run to finish.
// Calling Stop on a stopped reaper is a no-op.
func (r *Reaper) Stop() error {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	cancel()

	timer := time.NewTimer(r.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		r.logger.Info("reaper stopped cleanly")
		return nil
	case <-timer.C:
		r.logger.Warn("reaper shutdown timeout exceeded", slog.Duration("timeout", r.shutdownTimeout))
		return fmt.Errorf("%w: reaper after %s", ErrShutdownTimeout, r.shutdownTimeout)
	}
}

// Run provides errgroup compatibility: it starts the reaper and stops it
// when ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) func() error {
	return func() error {
		r.Start(ctx)
		<-ctx.Done()
		return r.Stop()
	}
}

// IsRunning reports whether the reap loop is active.
func (r *Reaper) IsRunning() bool { return r.running.Load() }

// ReapNow performs a single reap pass with cutoff now - threshold.
func (r *Reaper) ReapNow(ctx context.Context) (int, error) {
	start := time.Now()
	cutoff := r.clock.Now().Add(-r.threshold)

	n, err := r.queue.ReapEntries(ctx, cutoff)
	r.runs.Add(1)
	if err != nil {
		r.failures.Add(1)
		return 0, err
	}
	r.reaped.Add(int64(n))

	if n > 0 {
		r.logger.InfoContext(ctx, "reap pass completed",
			logger.Count("reaped", n),
			logger.Elapsed(start))
	}
	return n, nil
}

// Stats returns current reaper statistics.
func (r *Reaper) Stats() ReaperStats {
	return ReaperStats{
		Runs:        r.runs.Load(),
		Failures:    r.failures.Load(),
		TotalReaped: r.reaped.Load(),
		IsRunning:   r.running.Load(),
	}
}

func (r *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer r.running.Store(false)

	timer := time.NewTimer(r.schedule)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := r.ReapNow(ctx); err != nil {
				r.logger.ErrorContext(ctx, "reap pass failed", logger.Error(err))
			}
			timer.Reset(r.schedule)
		}
	}
}
