// Package redis provides Redis client initialization, health checking and a
// Redis-backed queue.Metrics sink.
//
// # Key Features
//
//   - Connect: Creates a client with exponential retry and a verifying ping
//   - Healthcheck: Returns a health check function for monitoring Redis connectivity
//   - MetricsSink: Buffers queue engine counters and durations and flushes them
//     to Redis hashes with pipelined HINCRBY
//
// # Configuration
//
//	type Config struct {
//		ConnectionURL  string        `env:"REDIS_URL,required" envDefault:"redis://localhost:6379/0"`
//		RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
//		RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
//		ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`
//	}
//
// Both redis:// and rediss:// (TLS) URLs are accepted.
//
// # Queue Metrics
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	sink := redis.NewMetricsSink(redis.NewClientStore(client), redis.WithFlushInterval(10*time.Second))
//
//	svc, err := queue.NewService(gw, queueCfg,
//		queue.WithEngineOptions(queue.WithMetrics(sink)))
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(sink.Run(ctx))
//
// Counters land in <prefix>:<queue>:counters, durations in
// <prefix>:<queue>:durations as <name>_count and <name>_us totals.
// Recording only touches memory; a failed flush keeps the increments for the next one.
//
// # Error Handling
//
//   - ErrFailedToParseRedisConnString: the connection URL is malformed
//   - ErrRedisNotReady: Redis did not answer within the retry budget
//   - ErrEmptyConnectionURL: no connection URL was provided
//   - ErrHealthcheckFailed: the health check ping failed
package redis
