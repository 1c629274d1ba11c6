package queue

import (
	"errors"
	"fmt"
)

// Outcome is how a handler invocation settles an entry.
type Outcome int

const (
	// OutcomeSuccess moves the entry to history as PROCESSED.
	OutcomeSuccess Outcome = iota
	// OutcomeRetry returns the entry to AVAILABLE, or to history as FAILED once retries are exhausted.
	OutcomeRetry
	// OutcomeFatal moves the entry to history as FAILED without retrying.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return "fatal: " + e.err.Error() }

func (e *fatalError) Unwrap() error { return e.err }

func (e *fatalError) Is(target error) bool { return target == ErrFatal }

// Fatal marks err as non-retryable. Fatal(nil) returns ErrFatal.
func Fatal(err error) error {
	if err == nil {
		return ErrFatal
	}
	return &fatalError{err: err}
}

// OutcomeOf classifies a handler error.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrFatal):
		return OutcomeFatal
	}
	return OutcomeRetry
}

// SettleState returns the state an entry moves to after a handler outcome.
// errorCount is the number of failures recorded before this attempt.
func SettleState(o Outcome, errorCount, maxFailureRetries int) State {
	switch o {
	case OutcomeSuccess:
		return StateProcessed
	case OutcomeFatal:
		return StateFailed
	}
	if errorCount >= maxFailureRetries {
		return StateFailed
	}
	return StateAvailable
}
