package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/turingfp/micropay/internal/infrastructure/config"
	"github.com/turingfp/micropay/pkg/retry"
)

const defaultApplicationName = "micropay"

// PoolConfig builds the pgx pool settings for cfg. Connections carry
// application_name, "micropay" unless configured.
func PoolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime
	if poolConfig.MaxConnIdleTime <= 0 {
		poolConfig.MaxConnIdleTime = 30 * time.Minute
	}
	poolConfig.HealthCheckPeriod = time.Minute

	name := cfg.ApplicationName
	if name == "" {
		name = defaultApplicationName
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = name
	return poolConfig, nil
}

// NewPool creates the connection pool, retrying the first ping with linear
// backoff.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig, logger zerolog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	attempts := cfg.ConnectRetries
	if attempts <= 0 {
		attempts = 5
	}
	delay := cfg.ConnectRetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	err = retry.Do(ctx, retry.Config{MaxAttempts: uint(attempts), InitialDelay: delay, Multiplier: 1},
		func() error { return pool.Ping(ctx) },
		retry.OnRetry(func(n uint, err error) {
			logger.Warn().Err(err).Uint("attempt", n+1).Str("host", cfg.Host).Msg("database not reachable, retrying")
		}),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database after %d attempts: %w", attempts, err)
	}
	return pool, nil
}
