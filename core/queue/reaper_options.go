package queue

import (
	"log/slog"
	"time"
)

// ReaperOption is a functional option for configuring a reaper.
type ReaperOption func(*reaperOptions)

type reaperOptions struct {
	clock           Clock
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// WithReaperClock overrides the time source used to compute the reap cutoff.
func WithReaperClock(clock Clock) ReaperOption {
	return func(o *reaperOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithReaperShutdownTimeout bounds how long Stop waits for an in-progress pass.
func WithReaperShutdownTimeout(d time.Duration) ReaperOption {
	return func(o *reaperOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithReaperLogger configures structured logging for reaper operations.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(o *reaperOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
