// Package observability holds the Prometheus collectors exported by the
// advisor. All methods are safe on a nil *Metrics so tests and tools can skip
// registration entirely.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "security_advisor"

type Metrics struct {
	// FindingsIngested counts newly created findings.
	// Labels: category (SAST, SCA), severity
	FindingsIngested *prometheus.CounterVec

	// EntriesSkipped counts malformed analyzer entries dropped during
	// normalization. Labels: format (sarif, sbom)
	EntriesSkipped *prometheus.CounterVec

	// Recommendations counts generated recommendations by confidence level.
	Recommendations *prometheus.CounterVec

	GovernanceActions *prometheus.CounterVec

	EventsLogged *prometheus.CounterVec

	// SourceControlRetries counts retried collaborator calls by operation.
	SourceControlRetries *prometheus.CounterVec

	ExpiringAcceptances prometheus.Counter

	ThreadsResolved prometheus.Counter
}

// NewMetrics registers the collectors with reg. Pass prometheus.NewRegistry()
// in tests to avoid duplicate registration against the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FindingsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "findings_ingested_total",
			Help:      "Newly created findings by category and severity",
		}, []string{"category", "severity"}),
		EntriesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "analyzer_entries_skipped_total",
			Help:      "Malformed analyzer entries skipped during normalization",
		}, []string{"format"}),
		Recommendations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recommendations_total",
			Help:      "Generated recommendations by confidence level",
		}, []string{"confidence"}),
		GovernanceActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "governance_actions_total",
			Help:      "Governance store mutations by action",
		}, []string{"action"}),
		EventsLogged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "security_events_total",
			Help:      "Security events appended by type",
		}, []string{"event_type"}),
		SourceControlRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "source_control_retries_total",
			Help:      "Retried source-control calls by operation",
		}, []string{"operation"}),
		ExpiringAcceptances: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "risk_acceptances_expiring_total",
			Help:      "Risk acceptances flagged by the expiry monitor",
		}),
		ThreadsResolved: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pr_threads_resolved_total",
			Help:      "Pull-request threads resolved because their findings closed",
		}),
	}
}

func (m *Metrics) FindingIngested(category, severity string) {
	if m == nil {
		return
	}
	m.FindingsIngested.WithLabelValues(category, severity).Inc()
}

func (m *Metrics) EntrySkipped(format string) {
	if m == nil {
		return
	}
	m.EntriesSkipped.WithLabelValues(format).Inc()
}

func (m *Metrics) RecommendationGenerated(confidence string) {
	if m == nil {
		return
	}
	m.Recommendations.WithLabelValues(confidence).Inc()
}

func (m *Metrics) GovernanceAction(action string) {
	if m == nil {
		return
	}
	m.GovernanceActions.WithLabelValues(action).Inc()
}

func (m *Metrics) EventLogged(eventType string) {
	if m == nil {
		return
	}
	m.EventsLogged.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SourceControlRetry(operation string) {
	if m == nil {
		return
	}
	m.SourceControlRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) AcceptanceExpiring() {
	if m == nil {
		return
	}
	m.ExpiringAcceptances.Inc()
}

func (m *Metrics) ThreadResolved() {
	if m == nil {
		return
	}
	m.ThreadsResolved.Inc()
}
