package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/tokenpool"
)

// Registry wraps another registry and injects latency and failures.
type Registry struct {
	inner   tokenpool.Registry
	latency time.Duration

	mu          sync.RWMutex
	listErr     error
	modeErr     error
	incrErr     error
	renewErr    error
	getErrs     map[string]error
	refreshErrs map[string]error

	listCalls    atomic.Int64
	getCalls     atomic.Int64
	incrCalls    atomic.Int64
	refreshCalls atomic.Int64
	renewCalls   atomic.Int64
}

var _ tokenpool.Registry = (*Registry)(nil)

// Option configures a mock Registry.
type Option func(*Registry)

// WithLatency delays every call. A cancelled context ends the wait early.
func WithLatency(d time.Duration) Option {
	return func(r *Registry) { r.latency = d }
}

// WithListError makes ListLive and ListAll fail.
func WithListError(err error) Option {
	return func(r *Registry) { r.listErr = err }
}

// WithGetError makes Get fail for one token.
func WithGetError(id string, err error) Option {
	return func(r *Registry) { r.getErrs[id] = err }
}

// WithRefreshError makes RefreshQuotaIfCooldownExpired fail for one token.
func WithRefreshError(id string, err error) Option {
	return func(r *Registry) { r.refreshErrs[id] = err }
}

// WithIncrementError makes IncrementUsage fail.
func WithIncrementError(err error) Option {
	return func(r *Registry) { r.incrErr = err }
}

// WithRenewalError makes TriggerRenewal fail.
func WithRenewalError(err error) Option {
	return func(r *Registry) { r.renewErr = err }
}

// WithModeError makes SchedulingMode fail.
func WithModeError(err error) Option {
	return func(r *Registry) { r.modeErr = err }
}

// New wraps inner.
func New(inner tokenpool.Registry, opts ...Option) *Registry {
	r := &Registry{
		inner:       inner,
		getErrs:     make(map[string]error),
		refreshErrs: make(map[string]error),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetListError changes the ListLive/ListAll failure at runtime.
func (r *Registry) SetListError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listErr = err
}

// SetIncrementError changes the IncrementUsage failure at runtime.
func (r *Registry) SetIncrementError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incrErr = err
}

func (r *Registry) ListLive(ctx context.Context) ([]tokenpool.Token, error) {
	r.listCalls.Add(1)
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	if err := r.errFor(&r.listErr); err != nil {
		return nil, err
	}
	return r.inner.ListLive(ctx)
}

func (r *Registry) ListAll(ctx context.Context) ([]tokenpool.Token, error) {
	r.listCalls.Add(1)
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	if err := r.errFor(&r.listErr); err != nil {
		return nil, err
	}
	return r.inner.ListAll(ctx)
}

func (r *Registry) Get(ctx context.Context, id string) (tokenpool.Token, error) {
	r.getCalls.Add(1)
	if err := r.wait(ctx); err != nil {
		return tokenpool.Token{}, err
	}
	r.mu.RLock()
	err := r.getErrs[id]
	r.mu.RUnlock()
	if err != nil {
		return tokenpool.Token{}, err
	}
	return r.inner.Get(ctx, id)
}

func (r *Registry) IncrementUsage(ctx context.Context, id string) error {
	r.incrCalls.Add(1)
	if err := r.wait(ctx); err != nil {
		return err
	}
	if err := r.errFor(&r.incrErr); err != nil {
		return err
	}
	return r.inner.IncrementUsage(ctx, id)
}

func (r *Registry) RefreshQuotaIfCooldownExpired(ctx context.Context, id string) error {
	r.refreshCalls.Add(1)
	if err := r.wait(ctx); err != nil {
		return err
	}
	r.mu.RLock()
	err := r.refreshErrs[id]
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	return r.inner.RefreshQuotaIfCooldownExpired(ctx, id)
}

func (r *Registry) TriggerRenewal(ctx context.Context, id string) error {
	r.renewCalls.Add(1)
	if err := r.wait(ctx); err != nil {
		return err
	}
	if err := r.errFor(&r.renewErr); err != nil {
		return err
	}
	return r.inner.TriggerRenewal(ctx, id)
}

func (r *Registry) SchedulingMode(ctx context.Context) (tokenpool.SchedulingMode, error) {
	if err := r.errFor(&r.modeErr); err != nil {
		return "", err
	}
	return r.inner.SchedulingMode(ctx)
}

// ListCalls returns the number of ListLive and ListAll calls.
func (r *Registry) ListCalls() int64 { return r.listCalls.Load() }

// GetCalls returns the number of Get calls.
func (r *Registry) GetCalls() int64 { return r.getCalls.Load() }

// IncrementCalls returns the number of IncrementUsage calls.
func (r *Registry) IncrementCalls() int64 { return r.incrCalls.Load() }

// RefreshCalls returns the number of RefreshQuotaIfCooldownExpired calls.
func (r *Registry) RefreshCalls() int64 { return r.refreshCalls.Load() }

// RenewalCalls returns the number of TriggerRenewal calls.
func (r *Registry) RenewalCalls() int64 { return r.renewCalls.Load() }

func (r *Registry) errFor(field *error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *field
}

func (r *Registry) wait(ctx context.Context) error {
	if r.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
