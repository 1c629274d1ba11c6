package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

type (
	// Handler processes entries of one class name.
	Handler interface {
		// Name returns the class name this handler is registered under.
		Name() string
		// Handle processes a claimed entry. Returning an error wrapped with Fatal
		// fails the entry without retry; any other error retries it.
		Handle(ctx context.Context, entry *Entry) error
	}

	// TaskHandlerFunc is a type-safe handler function.
	// The generic type T represents the expected payload structure.
	TaskHandlerFunc[T any] func(ctx context.Context, payload T) error

	// EntryHandlerFunc receives the raw entry.
	EntryHandlerFunc func(ctx context.Context, entry *Entry) error
)

// NewTaskHandler creates a type-safe handler. The class name is derived from the
// payload type (e.g. "billing.InvoiceCreated"); a payload that does not decode
// fails the entry without retry.
func NewTaskHandler[T any](handler TaskHandlerFunc[T]) Handler {
	var payload T
	return &taskHandler[T]{
		name:    qualifiedStructName(payload),
		handler: handler,
	}
}

// NewEntryHandler creates a handler for the given class name working on raw entries.
func NewEntryHandler(name string, handler EntryHandlerFunc) Handler {
	return &entryHandler{
		name:    name,
		handler: handler,
	}
}

type taskHandler[T any] struct {
	name    string
	handler TaskHandlerFunc[T]
}

func (h *taskHandler[T]) Name() string {
	return h.name
}

func (h *taskHandler[T]) Handle(ctx context.Context, entry *Entry) error {
	var t T
	if err := json.Unmarshal(entry.Payload, &t); err != nil {
		return Fatal(fmt.Errorf("failed to decode %s payload: %w", h.name, err))
	}
	return h.handler(ctx, t)
}

type entryHandler struct {
	name    string
	handler EntryHandlerFunc
}

func (h *entryHandler) Name() string {
	return h.name
}

func (h *entryHandler) Handle(ctx context.Context, entry *Entry) error {
	return h.handler(ctx, entry)
}
