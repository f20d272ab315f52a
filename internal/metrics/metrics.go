// Package metrics provides Prometheus metrics definitions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tb_remediate"

var (
	// IncidentTransitions counts state transitions by destination state.
	IncidentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "transitions_total",
			Help:      "Incident state transitions by destination state",
		},
		[]string{"to"},
	)

	// IncidentsActive tracks incidents that have not reached a terminal state.
	IncidentsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "incidents_active",
			Help:      "Number of incidents still being processed",
		},
	)

	// ShadowEnvironments tracks live shadow environments.
	ShadowEnvironments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "shadow",
			Name:      "environments",
			Help:      "Number of live shadow environments",
		},
	)

	// ShadowProvisions counts provisioning attempts by result.
	ShadowProvisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shadow",
			Name:      "provisions_total",
			Help:      "Shadow environment provisioning attempts by result",
		},
		[]string{"result"},
	)

	// ShadowTeardownFailures counts environments that could not be destroyed.
	ShadowTeardownFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shadow",
			Name:      "teardown_failures_total",
			Help:      "Shadow environments whose teardown failed",
		},
	)

	// VerificationDuration tracks verification latency by recommendation.
	VerificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "duration_seconds",
			Help:      "Verification run duration in seconds",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 20, 30, 45, 60, 120},
		},
		[]string{"recommendation"},
	)

	// VerificationChecks counts check outcomes by check name and status.
	VerificationChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "checks_total",
			Help:      "Verification check outcomes",
		},
		[]string{"check", "status"},
	)

	// GateDecisions counts production apply attempts by outcome.
	GateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Apply gate decisions by outcome",
		},
		[]string{"outcome"},
	)

	// DetectSignals counts signals raised by analyzer.
	DetectSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detect",
			Name:      "signals_total",
			Help:      "Signals raised by detection analyzers",
		},
		[]string{"analyzer"},
	)

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route", "status_code"},
	)
)
