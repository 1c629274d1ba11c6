package s3

import (
	"log/slog"

	"github.com/dmitrymomot/dbqueue/core/queue"
)

// ArchiverOption is a functional option for configuring an archiver.
type ArchiverOption func(*archiverOptions)

type archiverOptions struct {
	clock  queue.Clock
	logger *slog.Logger
}

// WithArchiverClock overrides the time source used to compute the retention cutoff.
func WithArchiverClock(clock queue.Clock) ArchiverOption {
	return func(o *archiverOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithArchiverLogger configures structured logging for archive runs.
func WithArchiverLogger(logger *slog.Logger) ArchiverOption {
	return func(o *archiverOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
