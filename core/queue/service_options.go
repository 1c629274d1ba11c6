package queue

import "log/slog"

// ServiceOption configures a Service instance.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	logger            *slog.Logger
	engineOptions     []EngineOption
	dispatcherOptions []DispatcherOption
	reaperOptions     []ReaperOption
	enqueuerOptions   []EnqueuerOption
	handlers          []Handler
	disableReaper     bool
}

// WithServiceLogger sets the logger for the service and, unless overridden by
// component options, for every component it creates.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEngineOptions applies options to the queue engine.
func WithEngineOptions(opts ...EngineOption) ServiceOption {
	return func(o *serviceOptions) {
		o.engineOptions = append(o.engineOptions, opts...)
	}
}

// WithDispatcherOptions applies options to the dispatcher.
func WithDispatcherOptions(opts ...DispatcherOption) ServiceOption {
	return func(o *serviceOptions) {
		o.dispatcherOptions = append(o.dispatcherOptions, opts...)
	}
}

// WithReaperOptions applies options to the reaper.
func WithReaperOptions(opts ...ReaperOption) ServiceOption {
	return func(o *serviceOptions) {
		o.reaperOptions = append(o.reaperOptions, opts...)
	}
}

// WithEnqueuerOptions applies options to the enqueuer.
func WithEnqueuerOptions(opts ...EnqueuerOption) ServiceOption {
	return func(o *serviceOptions) {
		o.enqueuerOptions = append(o.enqueuerOptions, opts...)
	}
}

// WithHandlers registers handlers during service creation.
func WithHandlers(handlers ...Handler) ServiceOption {
	return func(o *serviceOptions) {
		o.handlers = append(o.handlers, handlers...)
	}
}

// WithoutReaper disables the reaper, for deployments where another process reaps the queue.
func WithoutReaper() ServiceOption {
	return func(o *serviceOptions) {
		o.disableReaper = true
	}
}
