package tokenpool

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Admission answers whether a token may take one more unit of a workload.
// CanUse must not change admission state.
type Admission interface {
	CanUse(ctx context.Context, id string, w Workload) (bool, error)
}

// Limits caps in-flight work per token. Zero or negative means unlimited.
type Limits struct {
	Image int `yaml:"image"`
	Video int `yaml:"video"`
}

func (l Limits) max(w Workload) int {
	switch w {
	case WorkloadImage:
		return l.Image
	case WorkloadVideo:
		return l.Video
	default:
		return 0
	}
}

// Limits returns the default per-token limits from the config.
func (c Config) Limits() Limits {
	return Limits{Image: c.ImageConcurrency, Video: c.VideoConcurrency}
}

// Slot is one admitted unit of work. Release it exactly once when the work ends.
type Slot struct {
	ID       string
	TokenID  string
	Workload Workload
}

type slotKey struct {
	id string
	w  Workload
}

// ConcurrencyManager is an in-memory Admission that also owns the
// acquire/release lifecycle of admitted work. Safe for concurrent use.
type ConcurrencyManager struct {
	mu        sync.Mutex
	defaults  Limits
	overrides map[string]Limits
	inFlight  map[slotKey]int
	slots     map[string]Slot

	startRate  rate.Limit
	startBurst int
	limiters   map[slotKey]*rate.Limiter
}

var _ Admission = (*ConcurrencyManager)(nil)

// AdmissionOption configures a ConcurrencyManager.
type AdmissionOption func(*ConcurrencyManager)

// WithStartRate additionally limits how fast new work may start per token and
// workload. Burst defaults to 1.
func WithStartRate(r rate.Limit, burst int) AdmissionOption {
	return func(m *ConcurrencyManager) {
		if burst <= 0 {
			burst = 1
		}
		m.startRate = r
		m.startBurst = burst
	}
}

// NewConcurrencyManager creates a manager applying defaults to every token
// without an override.
func NewConcurrencyManager(defaults Limits, opts ...AdmissionOption) *ConcurrencyManager {
	m := &ConcurrencyManager{
		defaults:  defaults,
		overrides: make(map[string]Limits),
		inFlight:  make(map[slotKey]int),
		slots:     make(map[string]Slot),
		limiters:  make(map[slotKey]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetLimits overrides the limits for one token. In-flight counts are kept.
func (m *ConcurrencyManager) SetLimits(id string, l Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[id] = l
}

// ClearLimits drops a token's override so the defaults apply again.
func (m *ConcurrencyManager) ClearLimits(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.overrides, id)
}

// CanUse reports whether id could admit one more unit of w right now.
func (m *ConcurrencyManager) CanUse(_ context.Context, id string, w Workload) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := slotKey{id: id, w: w}
	if !m.underLimit(key) {
		return false, nil
	}
	if lim := m.limiters[key]; lim != nil && lim.Tokens() < 1 {
		return false, nil
	}
	return true, nil
}

// Acquire admits one unit of w on id if the limit allows it.
func (m *ConcurrencyManager) Acquire(id string, w Workload) (Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := slotKey{id: id, w: w}
	if !m.underLimit(key) {
		return Slot{}, false
	}
	if lim := m.limiter(key); lim != nil && !lim.Allow() {
		return Slot{}, false
	}

	m.inFlight[key]++
	slot := Slot{ID: uuid.New().String(), TokenID: id, Workload: w}
	m.slots[slot.ID] = slot
	return slot, true
}

// Release returns a slot. Returns false if the slot was unknown or already released.
func (m *ConcurrencyManager) Release(slot Slot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.slots[slot.ID]; !ok {
		return false
	}
	delete(m.slots, slot.ID)

	key := slotKey{id: slot.TokenID, w: slot.Workload}
	if m.inFlight[key] > 1 {
		m.inFlight[key]--
	} else {
		delete(m.inFlight, key)
	}
	return true
}

// InFlight returns the number of admitted, unreleased units of w on id.
func (m *ConcurrencyManager) InFlight(id string, w Workload) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight[slotKey{id: id, w: w}]
}

// underLimit must be called with lock held.
func (m *ConcurrencyManager) underLimit(key slotKey) bool {
	limits, ok := m.overrides[key.id]
	if !ok {
		limits = m.defaults
	}
	limit := limits.max(key.w)
	return limit <= 0 || m.inFlight[key] < limit
}

// limiter lazily creates the start-rate limiter. Must be called with lock held.
func (m *ConcurrencyManager) limiter(key slotKey) *rate.Limiter {
	if m.startRate <= 0 {
		return nil
	}
	lim, ok := m.limiters[key]
	if !ok {
		lim = rate.NewLimiter(m.startRate, m.startBurst)
		m.limiters[key] = lim
	}
	return lim
}
