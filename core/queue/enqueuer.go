package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntryInserter writes entries into a queue's live table.
type EntryInserter interface {
	InsertEntry(ctx context.Context, entry *Entry) error
	InsertEntryFromTx(ctx context.Context, tx *TxContext, entry *Entry) error
}

// Enqueuer turns typed payloads into queue entries.
type Enqueuer struct {
	queue EntryInserter
	clock Clock
}

// NewEnqueuer creates a new Enqueuer writing to queue.
func NewEnqueuer(queue EntryInserter, opts ...EnqueuerOption) (*Enqueuer, error) {
	if queue == nil {
		return nil, ErrGatewayNil
	}

	options := &enqueuerOptions{
		clock: SystemClock,
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Enqueuer{
		queue: queue,
		clock: options.clock,
	}, nil
}

// Enqueue adds a new entry with the given payload in its own transaction
// and returns its record id.
func (e *Enqueuer) Enqueue(ctx context.Context, payload any, opts ...EnqueueOption) (int64, error) {
	entry, err := e.buildEntry(payload, opts)
	if err != nil {
		return 0, err
	}
	if err := e.queue.InsertEntry(ctx, entry); err != nil {
		return 0, fmt.Errorf("failed to enqueue %q: %w", entry.ClassName, err)
	}
	return entry.RecordID, nil
}

// EnqueueFromTx adds a new entry as part of the caller's transaction. The entry
// becomes visible to dispatchers only if that transaction commits.
func (e *Enqueuer) EnqueueFromTx(ctx context.Context, tx *TxContext, payload any, opts ...EnqueueOption) (int64, error) {
	entry, err := e.buildEntry(payload, opts)
	if err != nil {
		return 0, err
	}
	if err := e.queue.InsertEntryFromTx(ctx, tx, entry); err != nil {
		return 0, fmt.Errorf("failed to enqueue %q: %w", entry.ClassName, err)
	}
	return entry.RecordID, nil
}

// buildEntry marshals payload to JSON and applies options.
func (e *Enqueuer) buildEntry(payload any, opts []EnqueueOption) (*Entry, error) {
	if payload == nil {
		return nil, ErrPayloadNil
	}

	options := &enqueueOptions{}
	for _, opt := range opts {
		opt(options)
	}

	var data []byte
	switch p := payload.(type) {
	case json.RawMessage:
		data = p
	default:
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload of type %T: %w", payload, err)
		}
	}

	className := options.className
	if className == "" {
		className = qualifiedStructName(payload)
	}

	now := e.clock.Now()
	availableAt := now
	if options.availableAt != nil {
		availableAt = *options.availableAt
	} else if options.delay > 0 {
		availableAt = now.Add(options.delay)
	}

	userToken := options.userToken
	if userToken == uuid.Nil {
		userToken = uuid.New()
	}

	return &Entry{
		ClassName:               className,
		Payload:                 data,
		CreatedDate:             now,
		ProcessingAvailableDate: availableAt,
		SearchKey1:              options.searchKey1,
		SearchKey2:              options.searchKey2,
		UserToken:               userToken,
	}, nil
}

// EnqueuerOption configures an Enqueuer.
type EnqueuerOption func(*enqueuerOptions)

type enqueuerOptions struct {
	clock Clock
}

// WithEnqueuerClock overrides the time source used for created and availability dates.
func WithEnqueuerClock(clock Clock) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// EnqueueOption configures a single enqueued entry.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	className   string
	searchKey1  int64
	searchKey2  int64
	userToken   uuid.UUID
	availableAt *time.Time
	delay       time.Duration
}

// WithClassName overrides the class name derived from the payload type.
func WithClassName(name string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.className = name
	}
}

// WithSearchKeys sets the two application-level search keys.
func WithSearchKeys(key1, key2 int64) EnqueueOption {
	return func(o *enqueueOptions) {
		o.searchKey1 = key1
		o.searchKey2 = key2
	}
}

// WithUserToken sets the correlation token. A random one is generated otherwise.
func WithUserToken(token uuid.UUID) EnqueueOption {
	return func(o *enqueueOptions) {
		o.userToken = token
	}
}

// WithAvailableAt sets the earliest time the entry may be dispatched.
func WithAvailableAt(at time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		o.availableAt = &at
	}
}

// WithDelay postpones dispatch by d from now. Ignored when WithAvailableAt is set.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}
