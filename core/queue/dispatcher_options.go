package queue

import (
	"log/slog"
	"time"
)

// DispatcherOption is a functional option for configuring a dispatcher.
type DispatcherOption func(*dispatcherOptions)

type dispatcherOptions struct {
	pollingSleep    time.Duration
	skipSleep       bool
	idleInterval    time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// WithPollingSleep sets the target cycle period. The loop sleeps for what remains
// of it after each cycle. Zero means no sleep.
func WithPollingSleep(d time.Duration) DispatcherOption {
	return func(o *dispatcherOptions) {
		if d >= 0 {
			o.pollingSleep = d
		}
	}
}

// WithSkipSleep disables the inter-cycle sleep after successful cycles, for process
// functions that block on their own. Failed cycles are still paced.
func WithSkipSleep(skip bool) DispatcherOption {
	return func(o *dispatcherOptions) {
		o.skipSleep = skip
	}
}

// WithIdleInterval sets how often a disabled dispatcher checks whether it was re-enabled.
func WithIdleInterval(d time.Duration) DispatcherOption {
	return func(o *dispatcherOptions) {
		if d > 0 {
			o.idleInterval = d
		}
	}
}

// WithDispatcherShutdownTimeout bounds how long Stop waits for the current cycle.
func WithDispatcherShutdownTimeout(d time.Duration) DispatcherOption {
	return func(o *dispatcherOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithDispatcherLogger configures structured logging for dispatcher operations.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(o *dispatcherOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
