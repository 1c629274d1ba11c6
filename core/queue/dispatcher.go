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

// ProcessFunc performs one dispatch cycle: fetch ready entries and handle them.
type ProcessFunc func(ctx context.Context) error

// DispatcherStats provides observability metrics for monitoring and debugging.
type DispatcherStats struct {
	Cycles    int64 // Completed process calls
	Failures  int64 // Process calls that returned an error
	IsRunning bool
	Disabled  bool
}

// Dispatcher drives a ProcessFunc in a loop on a single goroutine.
//
// A cycle that returns an error is logged and the loop continues. A panic is
// logged as an abnormal exit and ends the loop; the dispatcher reports not running
// afterwards and can be started again.
type Dispatcher struct {
	name            string
	process         ProcessFunc
	pollingSleep    time.Duration
	skipSleep       bool
	idleInterval    time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	running  atomic.Bool
	disabled atomic.Bool

	cycles   atomic.Int64
	failures atomic.Int64
}

// NewDispatcher creates a dispatcher running process.
func NewDispatcher(name string, process ProcessFunc, opts ...DispatcherOption) (*Dispatcher, error) {
	if process == nil {
		return nil, ErrProcessFuncNil
	}

	options := &dispatcherOptions{
		pollingSleep:    3 * time.Second,
		idleInterval:    time.Second,
		shutdownTimeout: 30 * time.Second,
		logger:          logger.Discard(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Dispatcher{
		name:            name,
		process:         process,
		pollingSleep:    options.pollingSleep,
		skipSleep:       options.skipSleep,
		idleInterval:    options.idleInterval,
		shutdownTimeout: options.shutdownTimeout,
		logger:          options.logger.With(logger.Component("dispatcher"), logger.Queue(name)),
	}, nil
}

// NewDispatcherFromConfig creates a Dispatcher paced by queue configuration.
// STICKY_EVENTS skips the polling sleep: its fetch already blocks on the inflight queue.
func NewDispatcherFromConfig(cfg Config, process ProcessFunc, opts ...DispatcherOption) (*Dispatcher, error) {
	allOpts := append([]DispatcherOption{
		WithPollingSleep(cfg.PollingSleep),
		WithSkipSleep(cfg.Mode == ModeStickyEvents),
		WithDispatcherShutdownTimeout(cfg.ShutdownTimeout),
	}, opts...)
	return NewDispatcher(cfg.TableName, process, allOpts...)
}

// Start launches the dispatch loop and returns immediately.
// Calling Start on a running dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		if d.running.Load() {
			return
		}
		// Previous loop exited abnormally.
		d.cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running.Store(true)

	d.logger.InfoContext(ctx, "dispatcher started",
		slog.Duration("polling_sleep", d.pollingSleep),
		slog.Bool("skip_sleep", d.skipSleep))

	go d.loop(ctx, d.done)
}

// Stop cancels the loop and waits for the current cycle to finish.
// Calling Stop on a stopped dispatcher is a no-op.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if d.cancel == nil {
		d.mu.Unlock()
		return nil
	}
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	cancel()

	timer := time.NewTimer(d.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped cleanly")
		return nil
	case <-timer.C:
		d.logger.Warn("dispatcher shutdown timeout exceeded - current cycle abandoned",
			slog.Duration("timeout", d.shutdownTimeout))
		return fmt.Errorf("%w: dispatcher after %s", ErrShutdownTimeout, d.shutdownTimeout)
	}
}

// Run provides errgroup compatibility: it starts the dispatcher and stops it
// when ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) func() error {
	return func() error {
		d.Start(ctx)
		<-ctx.Done()
		return d.Stop()
	}
}

// SetDisabled pauses or resumes dispatching without stopping the loop.
func (d *Dispatcher) SetDisabled(disabled bool) {
	if d.disabled.Swap(disabled) != disabled {
		d.logger.Info("dispatcher toggled", slog.Bool("disabled", disabled))
	}
}

// IsRunning reports whether the loop goroutine is alive.
func (d *Dispatcher) IsRunning() bool { return d.running.Load() }

// Stats returns current dispatcher statistics.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Cycles:    d.cycles.Load(),
		Failures:  d.failures.Load(),
		IsRunning: d.running.Load(),
		Disabled:  d.disabled.Load(),
	}
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer d.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher exited abnormally",
				logger.Panic(r),
				logger.Stack())
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		if d.disabled.Load() {
			if !d.sleep(ctx, d.idleInterval) {
				return
			}
			continue
		}

		start := time.Now()
		err := d.process(ctx)
		d.cycles.Add(1)
		if err != nil && ctx.Err() == nil {
			d.failures.Add(1)
			d.logger.ErrorContext(ctx, "dispatch cycle failed", logger.Error(err))
		}

		// A failing cycle is paced even when sleep is skipped, so a persistent error
		// does not spin the loop.
		if d.skipSleep && err == nil {
			continue
		}
		if !d.sleep(ctx, d.pollingSleep-time.Since(start)) {
			return
		}
	}
}

// sleep waits for d or until ctx is done, and reports whether the loop should go on.
func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
