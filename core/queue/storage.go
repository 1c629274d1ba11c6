package queue

import (
	"context"
	"time"
)

// Gateway is the persistence boundary of the engine: row-level CRUD and claim
// operations over a live table and its history table, plus transaction scoping.
//
// Every operation runs inside the transaction carried by ctx when there is one
// (see WithTransaction) and on its own otherwise. Table names are passed on each
// call so one gateway can serve any number of queues.
type Gateway interface {
	// WithTransaction runs fn inside a transaction and commits when fn returns nil.
	// A transaction already present in ctx is joined instead of starting a new one;
	// only the outermost call commits and notifies listeners.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *TxContext) error) error

	// RegisterForNotification adds a listener invoked once per resolved transaction.
	RegisterForNotification(listener TxListener)

	// InsertEntry writes one row and returns its store-assigned record id.
	InsertEntry(ctx context.Context, entry *Entry, table string) (int64, error)

	// InsertEntries writes rows in one round trip. Rows with a non-zero record id keep it
	// (history inserts), the others get a new one which is written back to the entry.
	InsertEntries(ctx context.Context, entries []*Entry, table string) error

	RemoveEntry(ctx context.Context, id int64, table string) error
	RemoveEntries(ctx context.Context, ids []int64, table string) error

	// GetReadyEntries returns up to limit AVAILABLE rows due at now, ordered by record id.
	// A non-nil owner restricts the result to rows created by that owner.
	GetReadyEntries(ctx context.Context, now time.Time, limit int, owner *string, table string) ([]*Entry, error)

	// GetEntriesFromIDs returns the rows still present in table, ordered by record id.
	GetEntriesFromIDs(ctx context.Context, ids []int64, table string) ([]*Entry, error)

	// ClaimEntry moves one AVAILABLE row to IN_PROCESSING and returns the affected row count.
	ClaimEntry(ctx context.Context, id int64, now time.Time, owner string, nextAvailable time.Time, table string) (int64, error)

	// ClaimEntries claims every AVAILABLE row of ids in one update and returns the affected row count.
	ClaimEntries(ctx context.Context, ids []int64, now time.Time, owner string, nextAvailable time.Time, table string) (int64, error)

	// GetEntriesLeftBehind returns IN_PROCESSING rows whose visibility deadline is at or before
	// reapingDate and whose error count is below maxReDispatch.
	GetEntriesLeftBehind(ctx context.Context, maxReDispatch int, now, reapingDate time.Time, table string) ([]*Entry, error)

	// UpdateOnError returns a row to AVAILABLE with a new error count and availability date.
	UpdateOnError(ctx context.Context, id int64, nextAvailable time.Time, errorCount int, table string) error

	// GetNbReadyEntries counts AVAILABLE rows due at now, optionally restricted to an owner.
	GetNbReadyEntries(ctx context.Context, now time.Time, owner *string, table string) (int64, error)

	// GetAvailableEntryIDs pages over AVAILABLE record ids greater than afterID.
	GetAvailableEntryIDs(ctx context.Context, afterID int64, limit int, table string) ([]int64, error)
}

// Clock is the engine's time source.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock, truncated to microseconds to match database precision.
var SystemClock Clock = ClockFunc(func() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
})
