// Package metrics exposes Prometheus collectors for the screening pipelines.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "phishguard"

// Metrics groups the pipeline collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// PipelineRuns counts finished runs.
	// Labels: pipeline (email, call), outcome (ok, error)
	PipelineRuns *prometheus.CounterVec

	// Escalations counts runs where the escalation gate fired.
	Escalations *prometheus.CounterVec

	// Verdicts counts verdicts by label.
	Verdicts *prometheus.CounterVec

	// DetectorDuration tracks detector invocation latency.
	// Labels: detector, tier
	DetectorDuration *prometheus.HistogramVec

	// DetectorFailures counts failed detector invocations.
	// Labels: detector, tier, kind (unavailable, invalid_input)
	DetectorFailures *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PipelineRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "runs_total",
				Help:      "Total number of pipeline runs by outcome",
			},
			[]string{"pipeline", "outcome"},
		),
		Escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "escalations_total",
				Help:      "Total number of runs escalated to the remote tier",
			},
			[]string{"pipeline"},
		),
		Verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "verdicts_total",
				Help:      "Total number of verdicts by risk label",
			},
			[]string{"pipeline", "label"},
		),
		DetectorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "detector",
				Name:      "duration_seconds",
				Help:      "Duration of detector invocations in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"detector", "tier"},
		),
		DetectorFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detector",
				Name:      "failures_total",
				Help:      "Total number of failed detector invocations",
			},
			[]string{"detector", "tier", "kind"},
		),
	}
	reg.MustRegister(m.PipelineRuns, m.Escalations, m.Verdicts, m.DetectorDuration, m.DetectorFailures)
	return m
}

// ObserveRun records the end of a pipeline run.
func (m *Metrics) ObserveRun(pipeline, label string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PipelineRuns.WithLabelValues(pipeline, "error").Inc()
		return
	}
	m.PipelineRuns.WithLabelValues(pipeline, "ok").Inc()
	m.Verdicts.WithLabelValues(pipeline, label).Inc()
}

// ObserveEscalation records that the escalation gate fired.
func (m *Metrics) ObserveEscalation(pipeline string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(pipeline).Inc()
}

// ObserveDetector records one detector invocation. failureKind is empty on success.
func (m *Metrics) ObserveDetector(detector, tier string, d time.Duration, failureKind string) {
	if m == nil {
		return
	}
	m.DetectorDuration.WithLabelValues(detector, tier).Observe(d.Seconds())
	if failureKind != "" {
		m.DetectorFailures.WithLabelValues(detector, tier, failureKind).Inc()
	}
}
