// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector groups the relay metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	AdmissionDecisions        *prometheus.CounterVec
	UpstreamDurations         *prometheus.HistogramVec
	DeferredOutcomes          *prometheus.CounterVec
	DeferredAttempts          prometheus.Counter
	CredentialDecryptFailures prometheus.Counter
	LedgerWriteFailures       prometheus.Counter
}

// NewCollector builds the collectors under the given namespace.
func NewCollector(namespace string) *Collector {
	return &Collector{
		AdmissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by strategy and outcome.",
		}, []string{"strategy", "decision"}),
		UpstreamDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "A histogram of upstream call durations.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"method", "status"}),
		DeferredOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_calls_total",
			Help:      "Deferred calls reaching a terminal state.",
		}, []string{"status"}),
		DeferredAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_call_attempts_total",
			Help:      "Execution attempts made by queue workers.",
		}),
		CredentialDecryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_decrypt_failures_total",
			Help:      "Upstream credentials that could not be decrypted.",
		}),
		LedgerWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_write_failures_total",
			Help:      "Request ledger entries that could not be persisted.",
		}),
	}
}

// MustRegister registers every collector with reg.
func (c *Collector) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.AdmissionDecisions,
		c.UpstreamDurations,
		c.DeferredOutcomes,
		c.DeferredAttempts,
		c.CredentialDecryptFailures,
		c.LedgerWriteFailures,
	)
}

// Decision counts one admission outcome.
func (c *Collector) Decision(strategy, decision string) {
	if c == nil {
		return
	}
	c.AdmissionDecisions.WithLabelValues(strategy, decision).Inc()
}

// UpstreamCall observes a forwarded call. status is "error" when the upstream was unreachable.
func (c *Collector) UpstreamCall(method, status string, start time.Time) {
	if c == nil {
		return
	}
	c.UpstreamDurations.WithLabelValues(method, status).Observe(time.Since(start).Seconds())
}

// DeferredOutcome counts a deferred call reaching status.
func (c *Collector) DeferredOutcome(status string) {
	if c == nil {
		return
	}
	c.DeferredOutcomes.WithLabelValues(status).Inc()
}

// DeferredAttempt counts one worker execution attempt.
func (c *Collector) DeferredAttempt() {
	if c == nil {
		return
	}
	c.DeferredAttempts.Inc()
}

// DecryptFailure counts a credential decrypt failure.
func (c *Collector) DecryptFailure() {
	if c == nil {
		return
	}
	c.CredentialDecryptFailures.Inc()
}

// LedgerFailure counts a dropped ledger entry.
func (c *Collector) LedgerFailure() {
	if c == nil {
		return
	}
	c.LedgerWriteFailures.Inc()
}
