package queue

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the configuration for one queue instance: its tables, claim mode,
// dispatch pacing and recovery settings.
// Designed for environment-based configuration; use a prefix per queue
// (e.g. BUS_ or NOTIFICATION_) when several queues share a process.
type Config struct {
	TableName        string `env:"QUEUE_TABLE_NAME" envDefault:"bus_events"`
	HistoryTableName string `env:"QUEUE_HISTORY_TABLE_NAME" envDefault:"bus_events_history"`
	Mode             Mode   `env:"QUEUE_MODE" envDefault:"POLLING"`
	// Owner identifies this process as creating and processing owner.
	// Hostname is used when empty.
	Owner string `env:"QUEUE_OWNER"`

	// Claiming
	MaxEntriesClaimed int           `env:"QUEUE_MAX_ENTRIES_CLAIMED" envDefault:"10"`
	ClaimedTime       time.Duration `env:"QUEUE_CLAIMED_TIME" envDefault:"5m"`
	PollingSleep      time.Duration `env:"QUEUE_POLLING_SLEEP" envDefault:"3s"`

	// Recovery
	ReapThreshold      time.Duration `env:"QUEUE_REAP_THRESHOLD" envDefault:"10m"`
	ReapSchedule       time.Duration `env:"QUEUE_REAP_SCHEDULE" envDefault:"3m"`
	MaxReDispatchCount int           `env:"QUEUE_MAX_REDISPATCH_COUNT" envDefault:"10"`

	// Handler failures
	MaxFailureRetries int           `env:"QUEUE_MAX_FAILURE_RETRIES" envDefault:"3"`
	RetryDelay        time.Duration `env:"QUEUE_RETRY_DELAY" envDefault:"30s"`

	// Inflight queue (STICKY_EVENTS only)
	InflightCapacity     int           `env:"QUEUE_INFLIGHT_CAPACITY" envDefault:"10000"`
	InflightLowWatermark int           `env:"QUEUE_INFLIGHT_LOW_WATERMARK" envDefault:"1000"`
	InflightPollTimeout  time.Duration `env:"QUEUE_INFLIGHT_POLL_TIMEOUT" envDefault:"100ms"`
	SeedBatchSize        int           `env:"QUEUE_SEED_BATCH_SIZE" envDefault:"1000"`

	ShutdownTimeout time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		TableName:            "bus_events",
		HistoryTableName:     "bus_events_history",
		Mode:                 ModePolling,
		MaxEntriesClaimed:    10,
		ClaimedTime:          5 * time.Minute,
		PollingSleep:         3 * time.Second,
		ReapThreshold:        10 * time.Minute,
		ReapSchedule:         3 * time.Minute,
		MaxReDispatchCount:   10,
		MaxFailureRetries:    3,
		RetryDelay:           30 * time.Second,
		InflightCapacity:     10000,
		InflightLowWatermark: 1000,
		InflightPollTimeout:  100 * time.Millisecond,
		SeedBatchSize:        1000,
		ShutdownTimeout:      30 * time.Second,
	}
}

// Validate checks the settings an engine cannot run without.
// A claimed time longer than the reap threshold is not an error: the reaper corrects it.
func (c Config) Validate() error {
	var errs []error

	if c.TableName == "" || c.HistoryTableName == "" {
		errs = append(errs, errors.New("table and history table names are required"))
	}
	if c.TableName != "" && c.TableName == c.HistoryTableName {
		errs = append(errs, errors.New("history table must differ from live table"))
	}
	if !c.Mode.Valid() {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode))
	}
	if c.MaxEntriesClaimed <= 0 {
		errs = append(errs, fmt.Errorf("max entries claimed must be positive, got %d", c.MaxEntriesClaimed))
	}
	if c.ClaimedTime <= 0 {
		errs = append(errs, fmt.Errorf("claimed time must be positive, got %s", c.ClaimedTime))
	}
	if c.PollingSleep < 0 {
		errs = append(errs, fmt.Errorf("polling sleep must not be negative, got %s", c.PollingSleep))
	}
	if c.ReapSchedule <= 0 {
		errs = append(errs, fmt.Errorf("reap schedule must be positive, got %s", c.ReapSchedule))
	}
	if c.MaxReDispatchCount < 0 || c.MaxFailureRetries < 0 {
		errs = append(errs, errors.New("retry and redispatch counts must not be negative"))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry delay must not be negative, got %s", c.RetryDelay))
	}
	if c.Mode == ModeStickyEvents {
		if c.InflightCapacity < c.MaxEntriesClaimed {
			errs = append(errs, fmt.Errorf("inflight capacity %d is smaller than max entries claimed %d",
				c.InflightCapacity, c.MaxEntriesClaimed))
		}
		if c.InflightLowWatermark < 0 || c.InflightLowWatermark >= c.InflightCapacity {
			errs = append(errs, fmt.Errorf("inflight low watermark must be in [0, %d), got %d",
				c.InflightCapacity, c.InflightLowWatermark))
		}
		if c.InflightPollTimeout <= 0 {
			errs = append(errs, fmt.Errorf("inflight poll timeout must be positive, got %s", c.InflightPollTimeout))
		}
		if c.SeedBatchSize <= 0 {
			errs = append(errs, fmt.Errorf("seed batch size must be positive, got %d", c.SeedBatchSize))
		}
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// retryAvailableDate computes when a failed entry becomes available again.
// Linear backoff: errorCount * RetryDelay.
func (c Config) retryAvailableDate(now time.Time, errorCount int) time.Time {
	return now.Add(time.Duration(errorCount) * c.RetryDelay)
}
