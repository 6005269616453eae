package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyRepository stores replayable API responses keyed by the
// Idempotency-Key header.
type IdempotencyRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewIdempotencyRepository(pool *pgxpool.Pool) *IdempotencyRepository {
	return &IdempotencyRepository{pool: pool, now: time.Now}
}

func (r *IdempotencyRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// Lookup returns the stored response for key, if one has not expired.
func (r *IdempotencyRepository) Lookup(ctx context.Context, key string) (int, []byte, bool, error) {
	var (
		status int
		body   []byte
	)
	err := r.db(ctx).QueryRow(ctx,
		`SELECT response_status, response_body
		 FROM idempotency_keys WHERE key = $1 AND expires_at > NOW()`, key,
	).Scan(&status, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, fmt.Errorf("get idempotency key: %w", err)
	}
	return status, body, true, nil
}

func (r *IdempotencyRepository) Remember(ctx context.Context, key string, status int, body []byte, ttl time.Duration) error {
	now := r.now()
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO idempotency_keys (key, response_body, response_status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE SET response_body = EXCLUDED.response_body,
			response_status = EXCLUDED.response_status, expires_at = EXCLUDED.expires_at`,
		key, body, status, now, now.Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("set idempotency key: %w", err)
	}
	return nil
}

// Cleanup deletes expired keys and reports how many were removed.
func (r *IdempotencyRepository) Cleanup(ctx context.Context) (int64, error) {
	tag, err := r.db(ctx).Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
