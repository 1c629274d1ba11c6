package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/robfig/cron/v3"

	"github.com/dmitrymomot/dbqueue/core/logger"
	"github.com/dmitrymomot/dbqueue/core/queue"
)

// HistorySource reads and purges history rows. queue.MemoryGateway and
// pg.Gateway satisfy it.
type HistorySource interface {
	GetEntriesCreatedBefore(ctx context.Context, before time.Time, limit int, table string) ([]*queue.Entry, error)
	RemoveEntries(ctx context.Context, ids []int64, table string) error
}

// ArchiveStats provides observability metrics for monitoring and debugging.
type ArchiveStats struct {
	Runs      int64
	Failures  int64
	Objects   int64 // Objects written
	Entries   int64 // Rows archived and purged
	LastRunAt time.Time
}

// Archiver moves settled history rows older than the retention window to S3
// as JSON Lines objects, one object per batch, and deletes them from the table.
//
// Each batch is uploaded before it is deleted. A batch whose delete fails is
// uploaded again under the same key on the next run.
type Archiver struct {
	client   Client
	source   HistorySource
	bucket   string
	cfg      ArchiveConfig
	schedule cron.Schedule
	clock    queue.Clock
	logger   *slog.Logger

	runMu sync.Mutex

	runs     atomic.Int64
	failures atomic.Int64
	objects  atomic.Int64
	entries  atomic.Int64
	lastRun  atomic.Int64 // unix nanos
}

// NewArchiver creates an archiver writing to bucket.
func NewArchiver(client Client, source HistorySource, bucket string, cfg ArchiveConfig, opts ...ArchiverOption) (*Archiver, error) {
	if client == nil || bucket == "" {
		return nil, ErrInvalidConfig
	}
	if source == nil {
		return nil, ErrHistorySourceNil
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	if cfg.Retention < 0 {
		cfg.Retention = 0
	}

	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidSchedule, cfg.Schedule, err)
	}

	options := &archiverOptions{
		clock:  queue.SystemClock,
		logger: logger.Discard(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Archiver{
		client:   client,
		source:   source,
		bucket:   bucket,
		cfg:      cfg,
		schedule: schedule,
		clock:    options.clock,
		logger:   options.logger.With(logger.Component("archiver")),
	}, nil
}

// Archive archives every row of table created before now - retention.
// It returns how many rows were archived.
func (a *Archiver) Archive(ctx context.Context, table string) (int, error) {
	cutoff := a.clock.Now().Add(-a.cfg.Retention)
	total := 0

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		rows, err := a.source.GetEntriesCreatedBefore(ctx, cutoff, a.cfg.BatchSize, table)
		if err != nil {
			return total, fmt.Errorf("failed to read %s: %w", table, err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		key := a.ObjectKey(table, rows)
		if err := a.upload(ctx, key, rows); err != nil {
			return total, err
		}

		ids := make([]int64, len(rows))
		for i, row := range rows {
			ids[i] = row.RecordID
		}
		if err := a.source.RemoveEntries(ctx, ids, table); err != nil {
			return total, fmt.Errorf("failed to purge %d archived rows from %s: %w", len(ids), table, err)
		}

		total += len(rows)
		a.objects.Add(1)
		a.entries.Add(int64(len(rows)))
		a.logger.InfoContext(ctx, "history batch archived",
			slog.String("table", table),
			slog.String("key", key),
			logger.Count("entries", len(rows)))

		if len(rows) < a.cfg.BatchSize {
			return total, nil
		}
	}
}

// ArchiveAll archives every configured table. Runs are serialized.
func (a *Archiver) ArchiveAll(ctx context.Context) (int, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	start := time.Now()
	a.runs.Add(1)
	a.lastRun.Store(a.clock.Now().UnixNano())

	total := 0
	for _, table := range a.cfg.Tables {
		n, err := a.Archive(ctx, table)
		total += n
		if err != nil {
			a.failures.Add(1)
			return total, err
		}
	}

	if total > 0 {
		a.logger.InfoContext(ctx, "archive run completed",
			logger.Count("entries", total),
			logger.Elapsed(start))
	}
	return total, nil
}

// ObjectKey returns <prefix>/<table>/<yyyy>/<mm>/<dd>/<first id>-<last id>.jsonl,
// dated by the creation date of the first row.
func (a *Archiver) ObjectKey(table string, rows []*queue.Entry) string {
	first, last := rows[0], rows[len(rows)-1]
	day := first.CreatedDate.UTC().Format("2006/01/02")
	name := fmt.Sprintf("%020d-%020d.jsonl", first.RecordID, last.RecordID)
	return path.Join(a.cfg.Prefix, table, day, name)
}

// Healthcheck verifies the bucket is reachable.
func (a *Archiver) Healthcheck(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3aws.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHealthcheckFailed, classifyError(err, "head bucket"))
	}
	return nil
}

// Next returns the next scheduled run after t.
func (a *Archiver) Next(t time.Time) time.Time {
	return a.schedule.Next(t.UTC())
}

// Run provides errgroup compatibility: it archives on the cron schedule until ctx
// is cancelled and waits for a running archive to finish. Overlapping runs are skipped.
func (a *Archiver) Run(ctx context.Context) func() error {
	return func() error {
		cl := cronLogger{log: a.logger}
		c := cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		)
		c.Schedule(a.schedule, cron.FuncJob(func() {
			if _, err := a.ArchiveAll(ctx); err != nil && ctx.Err() == nil {
				a.logger.ErrorContext(ctx, "archive run failed", logger.Error(err))
			}
		}))

		a.logger.InfoContext(ctx, "archiver started",
			slog.String("schedule", a.cfg.Schedule),
			slog.Duration("retention", a.cfg.Retention))
		c.Start()

		<-ctx.Done()
		<-c.Stop().Done()
		a.logger.Info("archiver stopped")
		return nil
	}
}

// Stats returns current archiver statistics.
func (a *Archiver) Stats() ArchiveStats {
	stats := ArchiveStats{
		Runs:     a.runs.Load(),
		Failures: a.failures.Load(),
		Objects:  a.objects.Load(),
		Entries:  a.entries.Load(),
	}
	if ns := a.lastRun.Load(); ns != 0 {
		stats.LastRunAt = time.Unix(0, ns).UTC()
	}
	return stats
}

func (a *Archiver) upload(ctx context.Context, key string, rows []*queue.Entry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to encode entry %d: %w", row.RecordID, err)
		}
	}

	_, err := a.client.PutObject(ctx, &s3aws.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
		ContentType:   aws.String("application/x-ndjson"),
	})
	return classifyError(err, "put object "+key)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append([]any{logger.Error(err)}, keysAndValues...)...)
}
