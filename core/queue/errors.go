package queue

import "errors"

var (
	// ErrGatewayNil is returned when a component is built without a persistence gateway.
	ErrGatewayNil = errors.New("persistence gateway is nil")

	// ErrReapableNil is returned when a reaper is built without a queue to reap.
	ErrReapableNil = errors.New("reapable queue is nil")

	// ErrProcessFuncNil is returned when a dispatcher is built without a process function.
	ErrProcessFuncNil = errors.New("process function is nil")

	// ErrInvalidConfig is returned when queue configuration fails validation.
	ErrInvalidConfig = errors.New("invalid queue configuration")

	// ErrInvalidMode is returned for an unknown queue mode.
	ErrInvalidMode = errors.New("invalid queue mode")

	// ErrEntryNil is returned when a nil entry is inserted.
	ErrEntryNil = errors.New("entry is nil")

	// ErrPayloadNil is returned when enqueueing a nil payload.
	ErrPayloadNil = errors.New("payload is nil")

	// ErrEntryNotFound is returned when an entry is not present in the live table.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrNoTransaction is returned when a transactional operation runs without a transaction.
	ErrNoTransaction = errors.New("no transaction in context")

	// ErrHandlerNil is returned when registering a nil handler.
	ErrHandlerNil = errors.New("handler is nil")

	// ErrNoHandler is returned when an entry has no handler registered for its class name.
	ErrNoHandler = errors.New("no handler registered for class name")

	// ErrFatal marks a handler error that must not be retried.
	ErrFatal = errors.New("fatal handler error")

	// ErrAlreadyStarted is returned when starting a running component.
	ErrAlreadyStarted = errors.New("already started")

	// ErrNotStarted is returned when stopping a component that is not running.
	ErrNotStarted = errors.New("not started")

	// ErrShutdownTimeout is returned when a component fails to stop within its shutdown timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrHealthcheckFailed is the base error for all queue health check failures.
	ErrHealthcheckFailed = errors.New("queue healthcheck failed")

	// ErrQueueNotRunning indicates the dispatch loop is not running.
	ErrQueueNotRunning = errors.New("queue dispatcher is not running")

	// ErrInflightNotReady indicates the inflight queue has not been seeded yet.
	ErrInflightNotReady = errors.New("inflight queue is not open for read")
)
