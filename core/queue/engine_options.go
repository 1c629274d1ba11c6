package queue

import "log/slog"

// EngineOption is a functional option for configuring an engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	clock   Clock
	metrics Metrics
	logger  *slog.Logger
	owner   string
}

// WithClock overrides the time source. Useful for deterministic tests.
func WithClock(clock Clock) EngineOption {
	return func(o *engineOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMetrics sets the observability sink.
func WithMetrics(m Metrics) EngineOption {
	return func(o *engineOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithEngineLogger configures structured logging for engine operations.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(o *engineOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOwner overrides the owner identity from Config.
func WithOwner(owner string) EngineOption {
	return func(o *engineOptions) {
		if owner != "" {
			o.owner = owner
		}
	}
}
