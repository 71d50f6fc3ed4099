package meter

import (
	"log/slog"

	"github.com/ineyio/tokenpool"
)

// LogMeter logs selection events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ tokenpool.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnSelect(e tokenpool.SelectEvent) {
	m.Logger.Info("select",
		"token", e.TokenID,
		"email", e.Email,
		"workload", string(e.Workload),
		"mode", string(e.Mode),
		"candidates", e.Candidates,
		"usage_count", e.UsageCount,
		"duration_ms", e.Duration.Milliseconds(),
	)
}

func (m *LogMeter) OnExhausted(e tokenpool.ExhaustedEvent) {
	attrs := []any{
		"stage", string(e.Stage),
		"workload", string(e.Workload),
		"elevated", e.Requirements.Elevated,
		"duration_ms", e.Duration.Milliseconds(),
	}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err)
	}
	m.Logger.Warn("select_exhausted", attrs...)
}
