package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/dbqueue/core/config"
	"github.com/dmitrymomot/dbqueue/core/logger"
	"github.com/dmitrymomot/dbqueue/core/queue"
	"github.com/dmitrymomot/dbqueue/integration/database/pg"
)

// appConfig holds process-wide settings.
type appConfig struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	// RedisURL enables the Redis metrics sink when set.
	RedisURL string `env:"REDIS_URL"`
	// ArchiveBucket enables the history archiver in serve when set.
	ArchiveBucket string `env:"ARCHIVE_S3_BUCKET"`
}

// queueDefinition describes one of the queues created by the migrations.
type queueDefinition struct {
	name         string
	prefix       string
	table        string
	historyTable string
}

var knownQueues = []queueDefinition{
	{name: "bus", prefix: "BUS_", table: "bus_events", historyTable: "bus_events_history"},
	{name: "notifications", prefix: "NOTIFICATION_", table: "notifications", historyTable: "notifications_history"},
}

func queueNames() []string {
	names := make([]string, len(knownQueues))
	for i, q := range knownQueues {
		names[i] = q.name
	}
	return names
}

func findQueue(name string) (queueDefinition, error) {
	i := slices.IndexFunc(knownQueues, func(q queueDefinition) bool { return q.name == name })
	if i < 0 {
		return queueDefinition{}, fmt.Errorf("unknown queue %q, expected one of %s", name, strings.Join(queueNames(), ", "))
	}
	return knownQueues[i], nil
}

// loadQueueConfig reads <PREFIX>QUEUE_* variables. Table names default to the
// queue's own tables unless set explicitly.
func loadQueueConfig(name string) (queue.Config, error) {
	def, err := findQueue(name)
	if err != nil {
		return queue.Config{}, err
	}

	var cfg queue.Config
	if err := config.Load(&cfg, config.WithPrefix(def.prefix)); err != nil {
		return queue.Config{}, err
	}
	if _, ok := os.LookupEnv(def.prefix + "QUEUE_TABLE_NAME"); !ok {
		cfg.TableName = def.table
	}
	if _, ok := os.LookupEnv(def.prefix + "QUEUE_HISTORY_TABLE_NAME"); !ok {
		cfg.HistoryTableName = def.historyTable
	}
	return cfg, nil
}

func newLogger(cfg appConfig) *slog.Logger {
	opts := []logger.Option{
		logger.WithLevel(logger.ParseLevel(cfg.LogLevel)),
		logger.WithOutput(os.Stderr),
	}
	if cfg.LogFormat == "json" {
		opts = append(opts, logger.WithJSONFormatter())
	}
	return logger.New(opts...)
}

func connectPostgres(ctx context.Context) (*pgxpool.Pool, pg.Config, error) {
	var cfg pg.Config
	if err := config.Load(&cfg); err != nil {
		return nil, cfg, err
	}
	pool, err := pg.Connect(ctx, cfg)
	if err != nil {
		return nil, cfg, err
	}
	return pool, cfg, nil
}
