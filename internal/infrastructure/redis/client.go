package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/turingfp/micropay/internal/infrastructure/config"
	"github.com/turingfp/micropay/pkg/retry"
)

// NewClient connects to redis, retrying the initial ping with linear
// backoff.
func NewClient(ctx context.Context, cfg *config.RedisConfig, logger zerolog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
		MaxRetries:   3,
	})

	attempts := cfg.ConnectRetries
	if attempts <= 0 {
		attempts = 5
	}
	delay := cfg.ConnectRetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	err := retry.Do(ctx, retry.Config{MaxAttempts: uint(attempts), InitialDelay: delay, Multiplier: 1},
		func() error { return client.Ping(ctx).Err() },
		retry.OnRetry(func(n uint, err error) {
			logger.Warn().Err(err).Uint("attempt", n+1).Str("addr", cfg.RedisAddr()).Msg("redis not reachable, retrying")
		}),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", attempts, err)
	}
	return client, nil
}

// Keyspace builds namespaced keys.
type Keyspace string

func (k Keyspace) key(parts ...string) string {
	out := string(k)
	for _, p := range parts {
		if out == "" {
			out = p
			continue
		}
		out += ":" + p
	}
	return out
}
