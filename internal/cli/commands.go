package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/dbqueue/core/config"
	"github.com/dmitrymomot/dbqueue/core/health"
	"github.com/dmitrymomot/dbqueue/core/logger"
	"github.com/dmitrymomot/dbqueue/core/queue"
	"github.com/dmitrymomot/dbqueue/integration/database/pg"
	"github.com/dmitrymomot/dbqueue/integration/database/redis"
	"github.com/dmitrymomot/dbqueue/integration/storage/s3"
)

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the queue tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, pgCfg, err := connectPostgres(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := pg.Migrate(ctx, pool, pgCfg, a.log); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "migrations applied")
			return nil
		},
	}
}

func newServeCommand(a *app) *cobra.Command {
	var (
		classes []string
		migrate bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run dispatchers and reapers for the selected queues",
		Long: "Run dispatchers and reapers for the selected queues until interrupted.\n" +
			"Entries of the classes given with --log-class are logged and acknowledged;\n" +
			"entries of any other class fail without retry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, pgCfg, err := connectPostgres(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if migrate {
				if err := pg.Migrate(ctx, pool, pgCfg, a.log); err != nil {
					return err
				}
			}

			gw := pg.NewGateway(pool, pg.WithGatewayLogger(a.log))
			g, ctx := errgroup.WithContext(ctx)

			var engineOpts []queue.EngineOption
			if a.cfg.RedisURL != "" {
				sink, closeSink, err := a.metricsSink(ctx)
				if err != nil {
					return err
				}
				defer closeSink()
				engineOpts = append(engineOpts, queue.WithMetrics(sink))
				g.Go(sink.Run(ctx))
			}

			handlers := make([]queue.Handler, 0, len(classes))
			for _, class := range classes {
				handlers = append(handlers, queue.NewEntryHandler(class, logEntry(a.log)))
			}

			for _, name := range a.queues {
				cfg, err := loadQueueConfig(name)
				if err != nil {
					return err
				}
				svc, err := queue.NewService(gw, cfg,
					queue.WithServiceLogger(a.log),
					queue.WithEngineOptions(engineOpts...),
					queue.WithHandlers(handlers...))
				if err != nil {
					return fmt.Errorf("queue %s: %w", name, err)
				}
				g.Go(func() error { return svc.Run(ctx) })
			}

			if a.cfg.ArchiveBucket != "" {
				archiver, err := a.archiver(ctx, gw)
				if err != nil {
					return err
				}
				g.Go(archiver.Run(ctx))
			}

			a.log.InfoContext(ctx, "serving queues", slog.Any("queues", a.queues))
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&classes, "log-class", nil, "class names acknowledged by logging them")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply migrations before serving")
	return cmd
}

func newEnqueueCommand(a *app) *cobra.Command {
	var (
		class      string
		payload    string
		delay      time.Duration
		searchKey1 int64
		searchKey2 int64
		token      string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert one entry into each selected queue",
		Long: "Insert one entry into each selected queue.\n" +
			"STICKY_EVENTS queues learn about new entries from commit notifications inside\n" +
			"their own process, so a running serve picks these entries up only after it\n" +
			"restarts or reseeds its inflight queue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload is not valid JSON: %s", payload)
			}
			opts := []queue.EnqueueOption{
				queue.WithClassName(class),
				queue.WithSearchKeys(searchKey1, searchKey2),
				queue.WithDelay(delay),
			}
			if token != "" {
				t, err := uuid.Parse(token)
				if err != nil {
					return fmt.Errorf("invalid user token: %w", err)
				}
				opts = append(opts, queue.WithUserToken(t))
			}

			ctx := cmd.Context()
			pool, _, err := connectPostgres(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			gw := pg.NewGateway(pool, pg.WithGatewayLogger(a.log))

			for _, name := range a.queues {
				cfg, err := loadQueueConfig(name)
				if err != nil {
					return err
				}
				engine, err := queue.NewEngine(gw, cfg, queue.WithEngineLogger(a.log))
				if err != nil {
					return err
				}
				enqueuer, err := queue.NewEnqueuer(engine)
				if err != nil {
					return err
				}
				id, err := enqueuer.Enqueue(ctx, json.RawMessage(payload), opts...)
				if err != nil {
					return fmt.Errorf("queue %s: %w", name, err)
				}
				fmt.Fprintf(a.out, "%s\t%d\n", cfg.TableName, id)
				if notice := crossProcessNotice(cfg); notice != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning:", notice)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&class, "class", "", "class name of the entry")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	cmd.Flags().DurationVar(&delay, "delay", 0, "postpone dispatch")
	cmd.Flags().Int64Var(&searchKey1, "search-key1", 0, "first search key")
	cmd.Flags().Int64Var(&searchKey2, "search-key2", 0, "second search key")
	cmd.Flags().StringVar(&token, "user-token", "", "correlation token (UUID), random when empty")
	_ = cmd.MarkFlagRequired("class")
	return cmd
}

func newReapCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run one reap pass over each selected queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, _, err := connectPostgres(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			gw := pg.NewGateway(pool, pg.WithGatewayLogger(a.log))

			for _, name := range a.queues {
				cfg, err := loadQueueConfig(name)
				if err != nil {
					return err
				}
				engine, err := queue.NewEngine(gw, cfg, queue.WithEngineLogger(a.log))
				if err != nil {
					return err
				}
				reaper, err := queue.NewReaperFromConfig(cfg, engine, queue.WithReaperLogger(a.log))
				if err != nil {
					return err
				}
				n, err := reaper.ReapNow(ctx)
				if err != nil {
					return fmt.Errorf("queue %s: %w", name, err)
				}
				fmt.Fprintf(a.out, "%s\treaped %d (threshold %s)\n", cfg.TableName, n, reaper.Threshold())
			}
			return nil
		},
	}
}

func newArchiveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Archive old history rows to S3 now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, _, err := connectPostgres(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			archiver, err := a.archiver(ctx, pg.NewGateway(pool, pg.WithGatewayLogger(a.log)))
			if err != nil {
				return err
			}
			n, err := archiver.ArchiveAll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "archived %d entries\n", n)
			return nil
		},
	}
}

func newStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ready entry counts and recorded metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, _, err := connectPostgres(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			gw := pg.NewGateway(pool, pg.WithGatewayLogger(a.log))

			var sink *redis.MetricsSink
			if a.cfg.RedisURL != "" {
				s, closeSink, err := a.metricsSink(ctx)
				if err != nil {
					return err
				}
				defer closeSink()
				sink = s
			}

			for _, name := range a.queues {
				cfg, err := loadQueueConfig(name)
				if err != nil {
					return err
				}
				engine, err := queue.NewEngine(gw, cfg, queue.WithEngineLogger(a.log))
				if err != nil {
					return err
				}
				ready, err := engine.ReadyCount(ctx)
				if err != nil {
					return fmt.Errorf("queue %s: %w", name, err)
				}
				fmt.Fprintf(a.out, "%s\tmode=%s\tready=%d\n", cfg.TableName, cfg.Mode, ready)

				if sink == nil {
					continue
				}
				counters, err := sink.Counters(ctx, cfg.TableName)
				if err != nil {
					return fmt.Errorf("queue %s metrics: %w", name, err)
				}
				for _, metric := range []string{
					queue.MetricInsertEntries,
					queue.MetricClaimEntries,
					queue.MetricDeleteEntries,
					queue.MetricRetriedEntries,
					queue.MetricReapedEntries,
					queue.MetricInflightDropped,
				} {
					fmt.Fprintf(a.out, "  %s=%d\n", metric, counters[metric])
				}
			}
			return nil
		},
	}
}

func newHealthCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that every dependency of the selected queues is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, _, err := connectPostgres(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			gw := pg.NewGateway(pool, pg.WithGatewayLogger(a.log))

			checks := []health.Check{health.Named("postgres", pg.Healthcheck(pool))}
			for _, name := range a.queues {
				cfg, err := loadQueueConfig(name)
				if err != nil {
					return err
				}
				engine, err := queue.NewEngine(gw, cfg, queue.WithEngineLogger(a.log))
				if err != nil {
					return err
				}
				checks = append(checks, health.Named(cfg.TableName, func(ctx context.Context) error {
					_, err := engine.ReadyCount(ctx)
					return err
				}))
			}

			if a.cfg.RedisURL != "" {
				client, err := a.redisClient(ctx)
				if err != nil {
					return err
				}
				defer client.Close()
				checks = append(checks, health.Named("redis", redis.Healthcheck(client)))
			}
			if a.cfg.ArchiveBucket != "" {
				archiver, err := a.archiver(ctx, gw)
				if err != nil {
					return err
				}
				checks = append(checks, health.Named("s3", archiver.Healthcheck))
			}

			failed := 0
			for _, r := range health.Report(ctx, checks...) {
				if r.OK() {
					fmt.Fprintf(a.out, "%s\tok\t%s\n", r.Name, r.Elapsed.Round(time.Millisecond))
					continue
				}
				failed++
				fmt.Fprintf(a.out, "%s\tfailed\t%v\n", r.Name, r.Err)
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d of %d checks failed", health.ErrNotReady, failed, len(checks))
			}
			return nil
		},
	}
}

func (a *app) redisClient(ctx context.Context) (*goredis.Client, error) {
	var cfg redis.Config
	if err := config.Load(&cfg); err != nil {
		return nil, err
	}
	return redis.Connect(ctx, cfg)
}

func (a *app) metricsSink(ctx context.Context) (*redis.MetricsSink, func(), error) {
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	sink := redis.NewMetricsSink(redis.NewClientStore(client), redis.WithMetricsLogger(a.log))
	return sink, func() { _ = client.Close() }, nil
}

func (a *app) archiver(ctx context.Context, source s3.HistorySource) (*s3.Archiver, error) {
	var (
		s3cfg      s3.Config
		archiveCfg s3.ArchiveConfig
	)
	if err := config.Load(&s3cfg); err != nil {
		return nil, err
	}
	if err := config.Load(&archiveCfg); err != nil {
		return nil, err
	}
	client, err := s3.NewClient(ctx, s3cfg)
	if err != nil {
		return nil, err
	}
	return s3.NewArchiver(client, source, s3cfg.Bucket, archiveCfg, s3.WithArchiverLogger(a.log))
}

// crossProcessNotice describes the delivery delay of entries enqueued from outside
// the serving process, or returns "" when the queue polls its table.
func crossProcessNotice(cfg queue.Config) string {
	if cfg.Mode != queue.ModeStickyEvents {
		return ""
	}
	return fmt.Sprintf("%s runs in %s mode: a serve process already running is not notified "+
		"of this entry and dispatches it after a restart or an inflight reseed", cfg.TableName, cfg.Mode)
}

// logEntry acknowledges entries by logging them.
func logEntry(log *slog.Logger) queue.EntryHandlerFunc {
	return func(ctx context.Context, entry *queue.Entry) error {
		log.InfoContext(ctx, "entry received",
			logger.ClassName(entry.ClassName),
			logger.RecordID(entry.RecordID),
			logger.ErrorCount(entry.ErrorCount),
			slog.String("payload", string(entry.Payload)))
		return nil
	}
}
