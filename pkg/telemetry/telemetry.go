// Package telemetry exposes Prometheus metrics for admission and learning.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the steward collectors.
type Metrics struct {
	Admissions     *prometheus.CounterVec
	UsageRecorded  *prometheus.CounterVec
	UsageAmount    *prometheus.CounterVec
	PendingAmount  *prometheus.GaugeVec
	LearningRuns   *prometheus.CounterVec
	LearningEvents *prometheus.CounterVec
	RunDuration    prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which keeps tests free of global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_admissions_total",
			Help: "Admission decisions by resource, outcome and blocking window",
		}, []string{"resource_type", "decision", "window_kind"}),

		UsageRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_usage_events_total",
			Help: "Usage events by resource and whether they were new or duplicate",
		}, []string{"resource_type", "result"}),

		UsageAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_usage_amount_total",
			Help: "Recorded consumption amount by resource",
		}, []string{"resource_type"}),

		PendingAmount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "steward_reserved_amount",
			Help: "Admitted but not yet recorded amount by resource",
		}, []string{"resource_type"}),

		LearningRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_learning_runs_total",
			Help: "Auto-learning runs by outcome",
		}, []string{"outcome"}),

		LearningEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_learning_events_total",
			Help: "Audited parameter changes by reason",
		}, []string{"reason"}),

		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "steward_learning_run_duration_seconds",
			Help:    "Auto-learning run latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Admissions, m.UsageRecorded, m.UsageAmount, m.PendingAmount,
			m.LearningRuns, m.LearningEvents, m.RunDuration,
		)
	}
	return m
}

// Admission records one admission decision.
func (m *Metrics) Admission(resourceType, decision, window string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(resourceType, decision, window).Inc()
}

// Usage records one ledger append.
func (m *Metrics) Usage(resourceType string, amount int64, recorded bool) {
	if m == nil {
		return
	}
	result := "recorded"
	if !recorded {
		result = "duplicate"
	} else {
		m.UsageAmount.WithLabelValues(resourceType).Add(float64(amount))
	}
	m.UsageRecorded.WithLabelValues(resourceType, result).Inc()
}

// Pending adjusts the reserved amount gauge.
func (m *Metrics) Pending(resourceType string, delta int64) {
	if m == nil {
		return
	}
	m.PendingAmount.WithLabelValues(resourceType).Add(float64(delta))
}

// Run records one learning run outcome and its duration.
func (m *Metrics) Run(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.LearningRuns.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(seconds)
}

// Event counts one audited parameter change.
func (m *Metrics) Event(reason string) {
	if m == nil {
		return
	}
	m.LearningEvents.WithLabelValues(reason).Inc()
}
