package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld is returned when extending or releasing a lock whose token
// no longer matches.
var ErrLockNotHeld = errors.New("lock not held")

var (
	// Only the token owner may release or extend.
	releaseLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)

	extendLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// DistributedLock is a single-instance redis lock guarding work that must
// run on one worker at a time, such as a reconciliation sweep.
type DistributedLock struct {
	client   redis.Cmdable
	key      string
	token    string
	ttl      time.Duration
	acquired bool
}

func NewDistributedLock(client redis.Cmdable, ks Keyspace, name string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    ks.key("lock", name),
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Key returns the redis key backing the lock.
func (l *DistributedLock) Key() string { return l.key }

// Acquire tries once to take the lock.
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	l.acquired = ok
	return ok, nil
}

// Extend pushes the expiry out by ttl.
func (l *DistributedLock) Extend(ctx context.Context, ttl time.Duration) error {
	if !l.acquired {
		return ErrLockNotHeld
	}
	res, err := extendLockScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", l.key, err)
	}
	if res == 0 {
		l.acquired = false
		return ErrLockNotHeld
	}
	return nil
}

// Release frees the lock. Releasing a lock that was never acquired is a
// no-op.
func (l *DistributedLock) Release(ctx context.Context) error {
	if !l.acquired {
		return nil
	}
	res, err := releaseLockScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	l.acquired = false
	if res == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *DistributedLock) IsAcquired() bool {
	return l.acquired
}

// RunLocked runs fn while holding the lock and reports whether it ran. It
// returns false without error when another holder has the lock.
func (l *DistributedLock) RunLocked(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		return false, err
	}
	defer l.Release(context.WithoutCancel(ctx))
	return true, fn(ctx)
}
