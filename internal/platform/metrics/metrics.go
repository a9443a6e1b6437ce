// Package metrics registers the Prometheus instruments for the service and
// satisfies the per-service metrics interfaces.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument for the application.
type Metrics struct {
	EventsAppended     *prometheus.CounterVec
	AppendFailures     *prometheus.CounterVec
	VerifyDuration     prometheus.Histogram
	ChallengesIssued   prometheus.Counter
	AuthFailures       prometheus.Counter
	SignaturesCreated  *prometheus.CounterVec
	SigningFailures    *prometheus.CounterVec
	CeremoniesCreated  prometheus.Counter
	CeremoniesFinished *prometheus.CounterVec
}

// New creates and registers all instruments on the default registry.
func New() *Metrics {
	return &Metrics{
		EventsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "attest_audit_events_appended_total",
			Help: "Audit events appended to the ledger, by event type.",
		}, []string{"event_type"}),
		AppendFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "attest_audit_append_failures_total",
			Help: "Audit appends refused or failed, by reason.",
		}, []string{"reason"}),
		VerifyDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "attest_chain_verify_duration_seconds",
			Help:    "Wall time of chain verification runs.",
			Buckets: prometheus.DefBuckets,
		}),
		ChallengesIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "attest_reauth_challenges_issued_total",
			Help: "Re-authentication challenges issued.",
		}),
		AuthFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "attest_reauth_failures_total",
			Help: "Failed credential checks against issued challenges.",
		}),
		SignaturesCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "attest_signatures_created_total",
			Help: "Electronic signatures created, by meaning.",
		}, []string{"meaning"}),
		SigningFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "attest_signing_failures_total",
			Help: "Signing attempts that failed closed, by reason.",
		}, []string{"reason"}),
		CeremoniesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "attest_ceremonies_created_total",
			Help: "Signing ceremonies created.",
		}),
		CeremoniesFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "attest_ceremonies_finished_total",
			Help: "Signing ceremonies reaching a terminal status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) IncEventsAppended(eventType string) {
	m.EventsAppended.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncAppendFailures(reason string) {
	m.AppendFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveVerifyDuration(seconds float64) {
	m.VerifyDuration.Observe(seconds)
}

func (m *Metrics) IncChallengesIssued() { m.ChallengesIssued.Inc() }

func (m *Metrics) IncAuthFailures() { m.AuthFailures.Inc() }

func (m *Metrics) IncSignaturesCreated(meaning string) {
	m.SignaturesCreated.WithLabelValues(meaning).Inc()
}

func (m *Metrics) IncSigningFailures(reason string) {
	m.SigningFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncCeremoniesCreated() { m.CeremoniesCreated.Inc() }

func (m *Metrics) IncCeremoniesFinished(status string) {
	m.CeremoniesFinished.WithLabelValues(status).Inc()
}
