package reconcile

import (
	"time"

	"github.com/ChristopherHX/gh-runner-broker/core"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric interface
type Metric interface {
	prometheus.Collector
	ObserveCycle(result string, d time.Duration)
	IncTransition(from, to core.Status)
	IncViolation(source string)
}

var _ Metric = (*metric)(nil)

type metric struct {
	cycles      *prometheus.CounterVec
	duration    prometheus.Histogram
	transitions *prometheus.CounterVec
	violations  *prometheus.CounterVec
}

// NewMetric for default metric structure
func NewMetric() Metric {
	return &metric{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_broker_reconcile_cycles_total",
				Help: "Total number of reconciliation cycles by result",
			},
			[]string{"result"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "runner_broker_reconcile_cycle_duration_seconds",
				Help:    "Duration of reconciliation cycles",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_broker_runner_transitions_total",
				Help: "Total number of runner status transitions",
			},
			[]string{"from", "to"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_broker_verification_violations_total",
				Help: "Total number of label verification violations by detection source",
			},
			[]string{"source"},
		),
	}
}

func (m *metric) ObserveCycle(result string, d time.Duration) {
	m.cycles.WithLabelValues(result).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *metric) IncTransition(from, to core.Status) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *metric) IncViolation(source string) {
	m.violations.WithLabelValues(source).Inc()
}

func (m *metric) Describe(ch chan<- *prometheus.Desc) {
	m.cycles.Describe(ch)
	m.duration.Describe(ch)
	m.transitions.Describe(ch)
	m.violations.Describe(ch)
}

func (m *metric) Collect(ch chan<- prometheus.Metric) {
	m.cycles.Collect(ch)
	m.duration.Collect(ch)
	m.transitions.Collect(ch)
	m.violations.Collect(ch)
}
