package queue

import (
	"time"

	"github.com/google/uuid"
)

// State tracks the lifecycle of an entry through the live and history tables.
type State string

const (
	StateAvailable    State = "AVAILABLE"
	StateInProcessing State = "IN_PROCESSING"
	StateProcessed    State = "PROCESSED"
	StateFailed       State = "FAILED"
	StateRemoved      State = "REMOVED"
	StateReaped       State = "REAPED"
)

// Terminal reports whether the state only ever appears in the history table.
func (s State) Terminal() bool {
	switch s {
	case StateProcessed, StateFailed, StateRemoved, StateReaped:
		return true
	}
	return false
}

func (s State) String() string {
	return string(s)
}

// Mode selects how a queue surfaces and claims ready entries.
type Mode string

const (
	// ModePolling claims entries one conditional update at a time.
	// Safe with any number of independent claimants.
	ModePolling Mode = "POLLING"
	// ModeStickyPolling claims the whole candidate batch with one update.
	// Assumes a single active claimant per owner.
	ModeStickyPolling Mode = "STICKY_POLLING"
	// ModeStickyEvents dispatches from an in-memory queue fed by commit notifications.
	ModeStickyEvents Mode = "STICKY_EVENTS"
)

// Valid checks if the mode is one of the supported modes.
func (m Mode) Valid() bool {
	switch m {
	case ModePolling, ModeStickyPolling, ModeStickyEvents:
		return true
	}
	return false
}

// Sticky reports whether the mode assumes a single claimant per owner.
func (m Mode) Sticky() bool {
	return m == ModeStickyPolling || m == ModeStickyEvents
}

// UnmarshalText lets env parsing validate modes.
func (m *Mode) UnmarshalText(text []byte) error {
	v := Mode(text)
	if !v.Valid() {
		return ErrInvalidMode
	}
	*m = v
	return nil
}

// Entry is a single row of a queue's live or history table.
type Entry struct {
	RecordID                int64     `json:"record_id"`
	ClassName               string    `json:"class_name"`
	Payload                 []byte    `json:"payload,omitempty"`
	CreatingOwner           string    `json:"creating_owner"`
	ProcessingOwner         *string   `json:"processing_owner,omitempty"`
	CreatedDate             time.Time `json:"created_date"`
	ProcessingAvailableDate time.Time `json:"processing_available_date"`
	State                   State     `json:"processing_state"`
	ErrorCount              int       `json:"error_count"`
	SearchKey1              int64     `json:"search_key1"`
	SearchKey2              int64     `json:"search_key2"`
	UserToken               uuid.UUID `json:"user_token"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	if e.ProcessingOwner != nil {
		owner := *e.ProcessingOwner
		c.ProcessingOwner = &owner
	}
	return &c
}

// OwnedBy reports whether the entry is currently claimed by owner.
func (e *Entry) OwnedBy(owner string) bool {
	return e.ProcessingOwner != nil && *e.ProcessingOwner == owner
}

func recordIDs(entries []*Entry) []int64 {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.RecordID
	}
	return ids
}
