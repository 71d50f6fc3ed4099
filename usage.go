package tokenpool

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

// UsageCache holds the in-process fairness counters used by round-robin
// selection. Once a token has an entry, the entry wins over the registry's
// usage count until the cache is resynced or reset.
type UsageCache struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewUsageCache creates an empty cache.
func NewUsageCache() *UsageCache {
	return &UsageCache{counts: make(map[string]int64)}
}

// GetOrInit returns the cached counter for id, seeding it with seed if absent.
func (c *UsageCache) GetOrInit(id string, seed int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getOrInit(id, seed)
}

// Count returns the cached counter for id without seeding.
func (c *UsageCache) Count(id string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[id]
	return n, ok
}

// SelectRoundRobin picks the candidate with the lowest counter and bumps its
// counter by one before returning. Ties go to the earliest candidate.
// Returns the selected token and its new counter; ok is false for no candidates.
func (c *UsageCache) SelectRoundRobin(candidates []Token) (selected Token, count int64, ok bool) {
	if len(candidates) == 0 {
		return Token{}, 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	best := -1
	var bestCount int64
	for i, t := range candidates {
		n := c.getOrInit(t.ID, t.UsageCount)
		if best < 0 || n < bestCount {
			best, bestCount = i, n
		}
	}

	selected = candidates[best]
	c.counts[selected.ID] = bestCount + 1
	return selected, bestCount + 1, true
}

// Resync replaces the cache with the registry's usage counts for every token.
// Returns the number of tokens loaded.
func (c *UsageCache) Resync(ctx context.Context, reg Registry) (int, error) {
	tokens, err := reg.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("tokenpool: resync usage: %w", err)
	}

	counts := make(map[string]int64, len(tokens))
	for _, t := range tokens {
		counts[t.ID] = t.UsageCount
	}

	c.mu.Lock()
	c.counts = counts
	c.mu.Unlock()
	return len(tokens), nil
}

// Reset clears the cache. Entries are reseeded from the registry on demand.
func (c *UsageCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.counts)
}

// Snapshot returns a copy of all cached counters.
func (c *UsageCache) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.counts)
}

// getOrInit must be called with lock held.
func (c *UsageCache) getOrInit(id string, seed int64) int64 {
	n, ok := c.counts[id]
	if !ok {
		c.counts[id] = seed
		n = seed
	}
	return n
}
