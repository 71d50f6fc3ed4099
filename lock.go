package tokenpool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker serializes one workload per token with expiring leases.
type Locker interface {
	// IsLocked reports whether an unexpired lease exists for id.
	IsLocked(ctx context.Context, id string) (bool, error)

	// Acquire takes the lease for id. Returns false if another holder has it.
	Acquire(ctx context.Context, id string) (bool, error)

	// Release drops the lease for id, whoever holds it.
	Release(ctx context.Context, id string) error
}

// Lease is the record behind a held lock.
type Lease struct {
	TokenID    string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lease is free to be taken over at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// TokenLock is an in-memory Locker. A lease that outlives the timeout is
// treated as released, so a crashed holder blocks a token for one period at most.
type TokenLock struct {
	mu      sync.Mutex
	timeout time.Duration
	now     func() time.Time
	leases  map[string]Lease
}

var _ Locker = (*TokenLock)(nil)

// LockOption configures a TokenLock.
type LockOption func(*TokenLock)

// WithLockClock overrides the time source.
func WithLockClock(now func() time.Time) LockOption {
	return func(l *TokenLock) { l.now = now }
}

// NewTokenLock creates a TokenLock whose leases expire after timeout.
// A non-positive timeout falls back to DefaultImageTimeout.
func NewTokenLock(timeout time.Duration, opts ...LockOption) *TokenLock {
	if timeout <= 0 {
		timeout = DefaultImageTimeout
	}
	l := &TokenLock{
		timeout: timeout,
		now:     time.Now,
		leases:  make(map[string]Lease),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// IsLocked reports whether id has an unexpired lease.
func (l *TokenLock) IsLocked(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, held := l.liveLease(id)
	return held, nil
}

// Acquire takes the lease for id if it is free or expired.
func (l *TokenLock) Acquire(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.liveLease(id); held {
		return false, nil
	}

	now := l.now()
	l.leases[id] = Lease{
		TokenID:    id,
		Holder:     uuid.New().String(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(l.timeout),
	}
	return true, nil
}

// Release drops the lease for id. Releasing a free token is a no-op.
func (l *TokenLock) Release(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.leases, id)
	return nil
}

// Lease returns the current unexpired lease for id.
func (l *TokenLock) Lease(id string) (Lease, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.liveLease(id)
}

// liveLease returns the lease for id, reclaiming it if expired. Must be called with lock held.
func (l *TokenLock) liveLease(id string) (Lease, bool) {
	lease, ok := l.leases[id]
	if !ok {
		return Lease{}, false
	}
	if lease.Expired(l.now()) {
		delete(l.leases, id)
		return Lease{}, false
	}
	return lease, true
}
