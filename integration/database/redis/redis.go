package redis

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// Connect parses cfg.ConnectionURL, creates a client and pings it until it
// answers or the retry budget is spent.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.ConnectionURL == "" {
		return nil, ErrEmptyConnectionURL
	}

	opts, err := redis.ParseURL(cfg.ConnectionURL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseRedisConnString, err)
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	client := redis.NewClient(opts)
	ping := func() error {
		return client.Ping(ctx).Err()
	}
	if err := backoff.Retry(ping, retryPolicy(ctx, cfg.RetryAttempts, cfg.RetryInterval)); err != nil {
		_ = client.Close()
		return nil, errors.Join(ErrRedisNotReady, err)
	}
	return client, nil
}

// Healthcheck returns a function that pings the client.
func Healthcheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}

func retryPolicy(ctx context.Context, attempts int, interval time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if interval > 0 {
		b.InitialInterval = interval
	}
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = b
	if attempts > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(attempts-1))
	}
	return backoff.WithContext(policy, ctx)
}
