package tokenpool_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	tp "github.com/ineyio/tokenpool"
	"github.com/ineyio/tokenpool/meter"
	"github.com/ineyio/tokenpool/registry/memory"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingMeter keeps every event it sees.
type recordingMeter struct {
	mu        sync.Mutex
	selected  []tp.SelectEvent
	exhausted []tp.ExhaustedEvent
}

func (m *recordingMeter) OnSelect(e tp.SelectEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selected = append(m.selected, e)
}

func (m *recordingMeter) OnExhausted(e tp.ExhaustedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exhausted = append(m.exhausted, e)
}

func (m *recordingMeter) lastExhausted() tp.ExhaustedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted[len(m.exhausted)-1]
}

func newTestBalancer(t *testing.T, reg tp.Registry, cfg tp.Config, opts ...tp.Option) *tp.Balancer {
	t.Helper()
	opts = append([]tp.Option{tp.WithMeter(&meter.NoopMeter{})}, opts...)
	b, err := tp.NewBalancer(reg, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(b.Wait)
	return b
}

func liveToken(id string) tp.Token {
	return tp.Token{
		ID:             id,
		Email:          id + "@example.com",
		Active:         true,
		Plan:           tp.PlanStandard,
		ImageEnabled:   true,
		VideoEnabled:   true,
		VideoSupported: true,
	}
}

func withUsage(t tp.Token, n int64) tp.Token {
	t.UsageCount = n
	return t
}

func roundRobinRegistry(tokens ...tp.Token) *memory.Registry {
	return memory.New(
		memory.WithTokens(tokens...),
		memory.WithSchedulingMode(tp.ModeRoundRobin),
	)
}
