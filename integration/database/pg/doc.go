// Package pg provides PostgreSQL connection management, the queue schema
// migrations, and a queue.Gateway implementation on top of pgx.
//
// # Key Features
//
//   - Connect: Creates a connection pool with exponential backoff retry and a verifying ping
//   - Migrate: Applies the embedded queue schema using goose through the pgx stdlib adapter
//   - Healthcheck: Returns a health check function for monitoring connectivity
//   - Gateway: Durable queue storage with transaction notifications
//   - Error classification functions for common PostgreSQL error patterns
//
// # Configuration
//
// All configuration is handled through the Config struct with environment variable mapping:
//
//	type Config struct {
//		ConnectionString  string        `env:"PG_CONN_URL,required"`
//		MaxOpenConns      int32         `env:"PG_MAX_OPEN_CONNS" envDefault:"10"`
//		MaxIdleConns      int32         `env:"PG_MAX_IDLE_CONNS" envDefault:"5"`
//		HealthCheckPeriod time.Duration `env:"PG_HEALTHCHECK_PERIOD" envDefault:"1m"`
//		MaxConnIdleTime   time.Duration `env:"PG_MAX_CONN_IDLE_TIME" envDefault:"10m"`
//		MaxConnLifetime   time.Duration `env:"PG_MAX_CONN_LIFETIME" envDefault:"30m"`
//		RetryAttempts     int           `env:"PG_RETRY_ATTEMPTS" envDefault:"3"`
//		RetryInterval     time.Duration `env:"PG_RETRY_INTERVAL" envDefault:"5s"`
//		MigrationsTable   string        `env:"PG_MIGRATIONS_TABLE" envDefault:"schema_migrations"`
//	}
//
// # Usage Example
//
//	var cfg pg.Config
//	config.MustLoad(&cfg)
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, cfg, logger); err != nil {
//		log.Fatal(err)
//	}
//
//	svc, err := queue.NewService(pg.NewGateway(pool), queueCfg)
//
// # Schema
//
// Migrate creates two queues, bus_events and notifications, each with a live
// table and a history table (suffix _history). Live tables assign record ids
// from a sequence; history tables keep the id of the live row they came from.
// Other queues can use the same layout under any table name, optionally schema
// qualified ("queue.bus_events").
//
// # Transactions
//
// Gateway.WithTransaction begins a pgx transaction and stores it in the context
// with WithTx; every gateway call made with that context runs in it. Application
// writes can join the same transaction to enqueue atomically with domain changes:
//
//	err := gw.WithTransaction(ctx, func(ctx context.Context, txc *queue.TxContext) error {
//		tx, _ := pg.TxFromContext(ctx)
//		if _, err := tx.Exec(ctx, "UPDATE accounts SET balance = balance - $1 WHERE id = $2", amount, id); err != nil {
//			return err
//		}
//		_, err := svc.EnqueueFromTx(ctx, txc, AccountDebited{ID: id, Amount: amount})
//		return err
//	})
//
// Listeners registered with RegisterForNotification run after the commit or
// rollback, once per outermost transaction.
//
// # Error Handling
//
//	var (
//		ErrFailedToOpenDBConnection = errors.New("failed to open db connection")
//		ErrEmptyConnectionString    = errors.New("empty postgres connection string, use PG_CONN_URL env var")
//		ErrHealthcheckFailed        = errors.New("healthcheck failed, connection is not available")
//		ErrFailedToParseDBConfig    = errors.New("failed to parse db config")
//		ErrFailedToApplyMigrations  = errors.New("failed to apply migrations")
//		ErrInvalidTableName         = errors.New("invalid table name")
//	)
//
//	isNotFound := pg.IsNotFoundError(err)              // pgx.ErrNoRows
//	isDuplicate := pg.IsDuplicateKeyError(err)         // unique constraint violations
//	isFKViolation := pg.IsForeignKeyViolationError(err) // referential integrity violations
//	isRetryable := pg.IsSerializationFailure(err)      // serialization failures and deadlocks
//	isTxClosed := pg.IsTxClosedError(err)              // closed transaction usage
package pg
