package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stage outcomes used as metric labels.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeAbandoned = "abandoned"
)

// Metrics records per-stage counts and durations. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	stages   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	runs     *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_stage_total",
			Help: "Stage executions by stage and outcome",
		}, []string{"stage", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Stage execution time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage", "outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Pipeline runs by outcome",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.stages, m.duration, m.runs)
	}
	return m
}

func (m *Metrics) observeStage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(stage, outcome).Inc()
	m.duration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

func (m *Metrics) observeRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case isAbandoned(err):
		return OutcomeAbandoned
	default:
		return OutcomeFailure
	}
}
