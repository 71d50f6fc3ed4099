package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/tokenpool"
)

// Locker is a Redis-backed image exclusivity lock. Leases expire through
// the key TTL, so a crashed holder never blocks a token past the timeout.
type Locker struct {
	client    goredis.Cmdable
	keyPrefix string
	timeout   time.Duration
}

var _ tokenpool.Locker = (*Locker)(nil)

// NewLocker creates a Locker whose leases last timeout.
// A non-positive timeout falls back to tokenpool.DefaultImageTimeout.
func NewLocker(client goredis.Cmdable, timeout time.Duration, opts ...Option) *Locker {
	s := New(client, opts...)
	if timeout <= 0 {
		timeout = tokenpool.DefaultImageTimeout
	}
	return &Locker{client: client, keyPrefix: s.keyPrefix, timeout: timeout}
}

func (l *Locker) key(id string) string { return l.keyPrefix + "lock:" + id }

// IsLocked reports whether a live lease exists for the token.
func (l *Locker) IsLocked(ctx context.Context, id string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("tokenpool/redis: is locked: %w", err)
	}
	return n > 0, nil
}

// Acquire takes the lease if no live lease exists.
func (l *Locker) Acquire(ctx context.Context, id string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(id), uuid.New().String(), l.timeout).Result()
	if err != nil {
		return false, fmt.Errorf("tokenpool/redis: acquire lock: %w", err)
	}
	return ok, nil
}

// Release drops the lease regardless of holder.
func (l *Locker) Release(ctx context.Context, id string) error {
	if err := l.client.Del(ctx, l.key(id)).Err(); err != nil {
		return fmt.Errorf("tokenpool/redis: release lock: %w", err)
	}
	return nil
}

// Holder returns the holder id of the live lease, "" if unlocked.
func (l *Locker) Holder(ctx context.Context, id string) (string, error) {
	v, err := l.client.Get(ctx, l.key(id)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("tokenpool/redis: lock holder: %w", err)
	}
	return v, nil
}
