package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the pipeline hot path.
type Metrics struct {
	EventsIngested  prometheus.Counter
	EventsRejected  *prometheus.CounterVec
	AlertsCreated   *prometheus.CounterVec
	IncidentsOpened prometheus.Counter
	ActionsExecuted *prometheus.CounterVec
	RuleErrors      *prometheus.CounterVec
	IntelFailures   *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	QueueDepth      prometheus.Gauge
}

// NewMetrics creates and registers the pipeline collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentra", Name: "events_ingested_total",
			Help: "Events accepted into the pipeline queue.",
		}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentra", Name: "events_rejected_total",
			Help: "Events rejected at the ingestion boundary.",
		}, []string{"reason"}),
		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentra", Name: "alerts_created_total",
			Help: "Threat alerts created, by severity.",
		}, []string{"severity", "threat_type"}),
		IncidentsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentra", Name: "incidents_opened_total",
			Help: "Incidents opened by the correlation manager.",
		}),
		ActionsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentra", Name: "response_actions_total",
			Help: "Response action outcomes, by type and status.",
		}, []string{"action", "status"}),
		RuleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentra", Name: "rule_errors_total",
			Help: "Detection rules that errored or panicked (treated as non-matching).",
		}, []string{"rule"}),
		IntelFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentra", Name: "intel_failures_total",
			Help: "Intelligence source lookups that failed or timed out.",
		}, []string{"source"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sentra", Name: "stage_duration_seconds",
			Help:    "Per-event processing time by pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentra", Name: "queue_depth",
			Help: "Current depth of the bounded ingest queue.",
		}),
	}

	reg.MustRegister(
		m.EventsIngested, m.EventsRejected, m.AlertsCreated, m.IncidentsOpened,
		m.ActionsExecuted, m.RuleErrors, m.IntelFailures, m.StageDuration,
		m.QueueDepth,
	)
	return m
}

// NopMetrics returns collectors registered on a throwaway registry, for
// tests and callers that do not scrape.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
