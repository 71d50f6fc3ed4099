package tokenpool

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// renewExpiring triggers renewal for every token expiring within the horizon.
// Triggers run detached; a token is not re-triggered within RenewalInterval
// unless its previous trigger failed.
func (b *Balancer) renewExpiring(ctx context.Context, tokens []Token) {
	now := b.now()
	triggered := 0
	for _, t := range tokens {
		if !t.Active || !t.ExpiresWithin(now, b.cfg.RenewalHorizon) {
			continue
		}
		if item, found := b.renewals.GetOrSet(t.ID, now); found {
			if now.Sub(item.Value()) < b.cfg.RenewalInterval {
				continue
			}
			b.renewals.Set(t.ID, now, ttlcache.DefaultTTL)
		}
		triggered++
		b.logger.Info("token renewal triggered",
			"token", t.ID,
			"email", t.Email,
			"expires_in", t.ExpiresAt.Sub(now).Round(time.Second).String(),
		)
		b.detach(ctx, func(ctx context.Context) {
			if err := b.reg.TriggerRenewal(ctx, t.ID); err != nil {
				b.renewals.Delete(t.ID)
				b.logger.Warn("token renewal failed", "token", t.ID, "error", err)
			}
		})
	}
	if triggered > 0 {
		b.logger.Debug("renewal pass done", "checked", len(tokens), "triggered", triggered)
	}
}

// newRenewalCache holds the last trigger time per token, measured on the
// balancer clock. The TTL only evicts stale entries.
func newRenewalCache(interval time.Duration) *ttlcache.Cache[string, time.Time] {
	return ttlcache.New(
		ttlcache.WithTTL[string, time.Time](interval),
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	)
}

// detach runs fn in the background with a context that survives the caller's
// cancellation but is bounded by PersistTimeout.
func (b *Balancer) detach(parent context.Context, fn func(ctx context.Context)) {
	b.bgMu.RLock()
	b.bg.Add(1)
	b.bgMu.RUnlock()
	go func() {
		defer b.bg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), b.cfg.PersistTimeout)
		defer cancel()
		fn(ctx)
	}()
}
