package meter

import "github.com/ineyio/tokenpool"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ tokenpool.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnSelect(tokenpool.SelectEvent)       {}
func (m *NoopMeter) OnExhausted(tokenpool.ExhaustedEvent) {}
