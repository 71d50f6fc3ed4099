// Package prom exports selection events as Prometheus metrics.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/tokenpool"
)

const subsystem = "tokenpool"

// Meter records selections and exhaustions as Prometheus metrics.
type Meter struct {
	selections *prometheus.CounterVec
	exhausted  *prometheus.CounterVec
	candidates *prometheus.HistogramVec
	latency    *prometheus.HistogramVec
}

var _ tokenpool.Meter = (*Meter)(nil)

// New creates a Meter and registers its collectors with reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func New(namespace string, reg prometheus.Registerer) (*Meter, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Meter{
		selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "selections_total",
				Help:      "Count of tokens selected, by token, workload and scheduling mode.",
			},
			[]string{"token", "workload", "mode"},
		),
		exhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "exhausted_total",
				Help:      "Count of selections that found no eligible token, by the stage that emptied the pool.",
			},
			[]string{"stage", "workload"},
		),
		candidates: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "candidates",
				Help:      "Number of tokens surviving filtering at selection time.",
				Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
			},
			[]string{"workload"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "select_duration_seconds",
				Help:      "Time spent selecting a token, including registry calls.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"outcome"},
		),
	}

	for _, c := range []prometheus.Collector{m.selections, m.exhausted, m.candidates, m.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Meter) OnSelect(e tokenpool.SelectEvent) {
	workload := workloadLabel(e.Workload)
	m.selections.WithLabelValues(e.TokenID, workload, string(e.Mode)).Inc()
	m.candidates.WithLabelValues(workload).Observe(float64(e.Candidates))
	m.latency.WithLabelValues("selected").Observe(e.Duration.Seconds())
}

func (m *Meter) OnExhausted(e tokenpool.ExhaustedEvent) {
	m.exhausted.WithLabelValues(string(e.Stage), workloadLabel(e.Workload)).Inc()
	m.latency.WithLabelValues("exhausted").Observe(e.Duration.Seconds())
}

func workloadLabel(w tokenpool.Workload) string {
	if w == "" {
		return "none"
	}
	return string(w)
}
