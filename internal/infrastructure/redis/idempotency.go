package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore keeps replayable API responses in hashes under
// <prefix>:idem:<key>.
type IdempotencyStore struct {
	client redis.Cmdable
	ks     Keyspace
}

func NewIdempotencyStore(client redis.Cmdable, ks Keyspace) *IdempotencyStore {
	return &IdempotencyStore{client: client, ks: ks}
}

func (s *IdempotencyStore) Key(key string) string { return s.ks.key("idem", key) }

func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (int, []byte, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.Key(key)).Result()
	if err != nil {
		return 0, nil, false, fmt.Errorf("get idempotency key: %w", err)
	}
	raw, ok := vals["status"]
	if !ok {
		return 0, nil, false, nil
	}
	status, err := strconv.Atoi(raw)
	if err != nil {
		return 0, nil, false, fmt.Errorf("idempotency key %s: bad status %q", key, raw)
	}
	return status, []byte(vals["body"]), true, nil
}

func (s *IdempotencyStore) Remember(ctx context.Context, key string, status int, body []byte, ttl time.Duration) error {
	k := s.Key(key)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k, "status", status, "body", body)
		p.Expire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set idempotency key: %w", err)
	}
	return nil
}
