package tokenpool

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"
)

// Balancer selects one eligible token per request from a Registry.
type Balancer struct {
	reg       Registry
	cfg       Config
	usage     *UsageCache
	locker    Locker
	admission Admission
	meter     Meter
	logger    *slog.Logger
	now       func() time.Time

	renewals *ttlcache.Cache[string, time.Time]

	// bgMu keeps bg.Add from racing bg.Wait.
	bgMu sync.RWMutex
	bg   sync.WaitGroup
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithLocker sets the image exclusivity lock.
func WithLocker(l Locker) Option {
	return func(b *Balancer) { b.locker = l }
}

// WithAdmission sets the admission controller. Without one, no
// concurrency limits are checked.
func WithAdmission(a Admission) Option {
	return func(b *Balancer) { b.admission = a }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(b *Balancer) { b.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Balancer) { b.logger = l }
}

// WithClock overrides the time source used for expiry and cooldown checks.
func WithClock(now func() time.Time) Option {
	return func(b *Balancer) { b.now = now }
}

// WithUsageCache shares a usage cache between balancers.
func WithUsageCache(c *UsageCache) Option {
	return func(b *Balancer) { b.usage = c }
}

// NewBalancer creates a Balancer over reg.
// A TokenLock with the config's ImageTimeout is used unless overridden.
func NewBalancer(reg Registry, cfg Config, opts ...Option) (*Balancer, error) {
	if reg == nil {
		return nil, fmt.Errorf("tokenpool: registry is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	b := &Balancer{
		reg: reg,
		cfg: cfg,
		now: time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	// Apply defaults after options.
	if b.usage == nil {
		b.usage = NewUsageCache()
	}
	if b.locker == nil {
		b.locker = NewTokenLock(cfg.ImageTimeout)
	}
	if b.meter == nil {
		b.meter = &noopMeter{}
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.renewals = newRenewalCache(cfg.RenewalInterval)

	return b, nil
}

// Select returns one token satisfying req. When nothing is eligible the
// error matches ErrNoTokens; collaborator failures on single tokens only
// remove those tokens from consideration.
func (b *Balancer) Select(ctx context.Context, req Requirements) (Token, error) {
	start := time.Now()

	pool, err := b.reg.ListLive(ctx)
	if err != nil {
		b.logger.Warn("list live tokens failed", "error", err)
		return Token{}, b.exhausted(StagePool, req, err, start)
	}

	if b.cfg.AutoRefresh {
		b.renewExpiring(ctx, pool)
	}

	if len(pool) == 0 {
		return Token{}, b.exhausted(StagePool, req, nil, start)
	}

	if req.Elevated {
		pool = filter(pool, func(t Token) bool { return t.Plan.Elevated() })
		if len(pool) == 0 {
			return Token{}, b.exhausted(StagePlan, req, nil, start)
		}
	}

	if req.Video {
		pool = b.filterVideo(ctx, pool)
		if len(pool) == 0 {
			return Token{}, b.exhausted(StageVideo, req, nil, start)
		}
	}

	switch {
	case req.Image:
		pool = b.filterImage(ctx, pool)
		if len(pool) == 0 {
			return Token{}, b.exhausted(StageImage, req, nil, start)
		}
	case req.Video && b.admission != nil:
		pool = b.filterAdmission(ctx, pool, WorkloadVideo)
		if len(pool) == 0 {
			return Token{}, b.exhausted(StageAdmission, req, nil, start)
		}
	}

	mode := b.schedulingMode(ctx)

	var (
		selected Token
		count    int64
	)
	switch mode {
	case ModeRoundRobin:
		selected, count, _ = b.usage.SelectRoundRobin(pool)
		b.persistUsage(ctx, selected.ID)
	default:
		selected = pool[rand.IntN(len(pool))]
	}

	b.logger.Debug("token selected",
		"token", selected.ID,
		"email", selected.Email,
		"mode", string(mode),
		"candidates", len(pool),
		"usage_count", count,
	)
	b.meter.OnSelect(SelectEvent{
		TokenID:    selected.ID,
		Email:      selected.Email,
		Workload:   req.Workload(),
		Mode:       mode,
		Candidates: len(pool),
		UsageCount: count,
		Duration:   time.Since(start),
	})

	return selected, nil
}

// ResyncUsage reloads every fairness counter from the registry.
func (b *Balancer) ResyncUsage(ctx context.Context) error {
	n, err := b.usage.Resync(ctx, b.reg)
	if err != nil {
		b.logger.Error("usage resync failed", "error", err)
		return err
	}
	b.logger.Info("usage cache resynced", "tokens", n)
	return nil
}

// ResetUsage clears the fairness counters. They are reseeded from the
// registry as tokens are next considered.
func (b *Balancer) ResetUsage() {
	b.usage.Reset()
	b.logger.Info("usage cache reset")
}

// Usage returns the balancer's fairness counters.
func (b *Balancer) Usage() *UsageCache {
	return b.usage
}

// Wait blocks until background usage persistence and renewal triggers finish.
// Selections that need background work block until Wait returns.
func (b *Balancer) Wait() {
	b.bgMu.Lock()
	defer b.bgMu.Unlock()
	b.bg.Wait()
}

// filterVideo keeps video-capable tokens that are not in cooldown. Elapsed
// cooldowns are refreshed through the registry and the token re-read before
// it is judged.
func (b *Balancer) filterVideo(ctx context.Context, pool []Token) []Token {
	pool = filter(pool, func(t Token) bool { return t.VideoEnabled && t.VideoSupported })
	if len(pool) == 0 {
		return nil
	}

	now := b.now()
	kept := make([]bool, len(pool))

	var g errgroup.Group
	g.SetLimit(b.cfg.RefreshConcurrency)
	for i, t := range pool {
		if !t.CooldownElapsed(now) {
			kept[i] = !t.InCooldown(now)
			continue
		}
		g.Go(func() error {
			fresh, ok := b.refreshCooldown(ctx, t.ID)
			if ok {
				pool[i] = fresh
				kept[i] = fresh.Active && !fresh.InCooldown(b.now())
			}
			return nil
		})
	}
	_ = g.Wait()

	out := pool[:0]
	for i, t := range pool {
		if kept[i] {
			out = append(out, t)
		}
	}
	return out
}

func (b *Balancer) refreshCooldown(ctx context.Context, id string) (Token, bool) {
	if err := b.reg.RefreshQuotaIfCooldownExpired(ctx, id); err != nil {
		b.logger.Warn("cooldown refresh failed", "token", id, "error", err)
		return Token{}, false
	}
	t, err := b.reg.Get(ctx, id)
	if err != nil {
		b.logger.Warn("token reload failed", "token", id, "error", err)
		return Token{}, false
	}
	return t, true
}

// filterImage keeps image-capable tokens that hold no exclusivity lease
// and have an image slot free.
func (b *Balancer) filterImage(ctx context.Context, pool []Token) []Token {
	return filter(pool, func(t Token) bool {
		if !t.ImageEnabled {
			return false
		}
		locked, err := b.locker.IsLocked(ctx, t.ID)
		if err != nil {
			b.logger.Warn("lock check failed", "token", t.ID, "error", err)
			return false
		}
		if locked {
			return false
		}
		return b.admission == nil || b.canUse(ctx, t.ID, WorkloadImage)
	})
}

func (b *Balancer) filterAdmission(ctx context.Context, pool []Token, w Workload) []Token {
	return filter(pool, func(t Token) bool { return b.canUse(ctx, t.ID, w) })
}

func (b *Balancer) canUse(ctx context.Context, id string, w Workload) bool {
	ok, err := b.admission.CanUse(ctx, id, w)
	if err != nil {
		b.logger.Warn("admission check failed", "token", id, "workload", string(w), "error", err)
		return false
	}
	return ok
}

// schedulingMode reads the mode on every call; unknown values mean random.
func (b *Balancer) schedulingMode(ctx context.Context) SchedulingMode {
	mode, err := b.reg.SchedulingMode(ctx)
	if err != nil {
		b.logger.Warn("scheduling mode read failed", "fallback", string(b.cfg.SchedulingMode), "error", err)
		return b.cfg.SchedulingMode
	}
	if mode != ModeRoundRobin {
		return ModeRandom
	}
	return mode
}

// persistUsage mirrors a round-robin increment to the registry without
// blocking the selection. Failures are logged and dropped.
func (b *Balancer) persistUsage(ctx context.Context, id string) {
	b.detach(ctx, func(ctx context.Context) {
		if err := b.reg.IncrementUsage(ctx, id); err != nil {
			b.logger.Warn("usage persist failed", "token", id, "error", err)
		}
	})
}

func (b *Balancer) exhausted(stage Stage, req Requirements, cause error, start time.Time) error {
	b.meter.OnExhausted(ExhaustedEvent{
		Stage:        stage,
		Workload:     req.Workload(),
		Requirements: req,
		Err:          cause,
		Duration:     time.Since(start),
	})
	return &SelectError{Stage: stage, Requirements: req, Cause: cause}
}

func filter(tokens []Token, keep func(Token) bool) []Token {
	var out []Token
	for _, t := range tokens {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}
