// Package memory provides an in-memory tokenpool.Registry.
//
// Tokens are enumerated in insertion order, which keeps round-robin tie
// breaking stable. Suitable for tests, examples and single-process setups
// whose tokens come from configuration.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ineyio/tokenpool"
)

// Registry is an in-memory token registry.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	tokens   map[string]*tokenpool.Token
	mode     tokenpool.SchedulingMode
	renewals []string
	now      func() time.Time
	renew    func(tokenpool.Token) (tokenpool.Token, error)
}

var _ tokenpool.Registry = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithTokens seeds the registry.
func WithTokens(tokens ...tokenpool.Token) Option {
	return func(r *Registry) {
		for _, t := range tokens {
			r.put(t)
		}
	}
}

// WithSchedulingMode sets the initial scheduling mode (default random).
func WithSchedulingMode(m tokenpool.SchedulingMode) Option {
	return func(r *Registry) { r.mode = m }
}

// WithClock overrides the time source used for cooldown refreshes.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithRenewFunc sets how TriggerRenewal renews a token. The returned token
// replaces the stored one. Without it renewals are only recorded.
func WithRenewFunc(fn func(tokenpool.Token) (tokenpool.Token, error)) Option {
	return func(r *Registry) { r.renew = fn }
}

// New creates a Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		tokens: make(map[string]*tokenpool.Token),
		mode:   tokenpool.ModeRandom,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewFromConfig creates a Registry seeded from cfg.Tokens and using the
// configured scheduling mode.
func NewFromConfig(cfg tokenpool.Config, opts ...Option) *Registry {
	base := []Option{WithTokens(cfg.Tokens...)}
	if cfg.SchedulingMode != "" {
		base = append(base, WithSchedulingMode(cfg.SchedulingMode))
	}
	return New(append(base, opts...)...)
}

// ListLive returns active tokens in insertion order.
func (r *Registry) ListLive(ctx context.Context) ([]tokenpool.Token, error) {
	return r.list(ctx, true)
}

// ListAll returns every token in insertion order.
func (r *Registry) ListAll(ctx context.Context) ([]tokenpool.Token, error) {
	return r.list(ctx, false)
}

// Get returns a copy of one token.
func (r *Registry) Get(ctx context.Context, id string) (tokenpool.Token, error) {
	if err := ctx.Err(); err != nil {
		return tokenpool.Token{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tokens[id]
	if !ok {
		return tokenpool.Token{}, fmt.Errorf("%w: %s", tokenpool.ErrTokenNotFound, id)
	}
	return *t, nil
}

// IncrementUsage adds one to a token's usage count.
func (r *Registry) IncrementUsage(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[id]
	if !ok {
		return fmt.Errorf("%w: %s", tokenpool.ErrTokenNotFound, id)
	}
	t.UsageCount++
	return nil
}

// RefreshQuotaIfCooldownExpired clears a cooldown that is already past.
func (r *Registry) RefreshQuotaIfCooldownExpired(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[id]
	if !ok {
		return fmt.Errorf("%w: %s", tokenpool.ErrTokenNotFound, id)
	}
	if t.CooldownElapsed(r.now()) {
		t.CooldownUntil = time.Time{}
	}
	return nil
}

// TriggerRenewal records the renewal and applies the renew func, if any.
func (r *Registry) TriggerRenewal(_ context.Context, id string) error {
	r.mu.Lock()
	t, ok := r.tokens[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", tokenpool.ErrTokenNotFound, id)
	}
	r.renewals = append(r.renewals, id)
	current, renew := *t, r.renew
	r.mu.Unlock()

	if renew == nil {
		return nil
	}

	renewed, err := renew(current)
	if err != nil {
		return fmt.Errorf("tokenpool/memory: renew %s: %w", id, err)
	}
	renewed.ID = id

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[id]; ok {
		*t = renewed
	}
	return nil
}

// SchedulingMode returns the current scheduling mode.
func (r *Registry) SchedulingMode(context.Context) (tokenpool.SchedulingMode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode, nil
}

// Put inserts or replaces a token. Replaced tokens keep their position.
func (r *Registry) Put(t tokenpool.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(t)
}

// Update applies fn to a stored token.
func (r *Registry) Update(id string, fn func(*tokenpool.Token)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[id]
	if !ok {
		return fmt.Errorf("%w: %s", tokenpool.ErrTokenNotFound, id)
	}
	fn(t)
	t.ID = id
	return nil
}

// SetActive toggles a token's liveness.
func (r *Registry) SetActive(id string, active bool) error {
	return r.Update(id, func(t *tokenpool.Token) { t.Active = active })
}

// SetCooldown sets a token's cooldown deadline. Zero clears it.
func (r *Registry) SetCooldown(id string, until time.Time) error {
	return r.Update(id, func(t *tokenpool.Token) { t.CooldownUntil = until })
}

// SetSchedulingMode changes the scheduling mode. Takes effect on the next selection.
func (r *Registry) SetSchedulingMode(m tokenpool.SchedulingMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = m
}

// ResetUsage zeroes every usage count.
func (r *Registry) ResetUsage() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		t.UsageCount = 0
	}
}

// Renewals returns the ids passed to TriggerRenewal, in call order.
func (r *Registry) Renewals() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.renewals...)
}

func (r *Registry) list(ctx context.Context, liveOnly bool) ([]tokenpool.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]tokenpool.Token, 0, len(r.order))
	for _, id := range r.order {
		t := r.tokens[id]
		if liveOnly && !t.Active {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

// put must be called with lock held.
func (r *Registry) put(t tokenpool.Token) {
	if existing, ok := r.tokens[t.ID]; ok {
		*existing = t
		return
	}
	cp := t
	r.tokens[t.ID] = &cp
	r.order = append(r.order, t.ID)
}
