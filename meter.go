package tokenpool

import "time"

// Meter observes selection outcomes for monitoring/logging.
type Meter interface {
	// OnSelect is called when a token was selected.
	OnSelect(event SelectEvent)

	// OnExhausted is called when no token survived selection.
	OnExhausted(event ExhaustedEvent)
}

// SelectEvent describes a successful selection.
type SelectEvent struct {
	TokenID    string
	Email      string
	Workload   Workload
	Mode       SchedulingMode
	Candidates int
	UsageCount int64 // counter after selection; zero in random mode
	Duration   time.Duration
}

// ExhaustedEvent describes a selection that found no token.
type ExhaustedEvent struct {
	Stage        Stage
	Workload     Workload
	Requirements Requirements
	Err          error
	Duration     time.Duration
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnSelect(SelectEvent)       {}
func (m *noopMeter) OnExhausted(ExhaustedEvent) {}
