// Package metrics holds the prometheus collectors for the lease engine,
// the notification dispatcher and the reconciliation scheduler.
package metrics

import (
	prom "github.com/prometheus/client_golang/prometheus"
)

const promNamespace = "gage_lease"

type Metrics struct {
	Transitions     *prom.CounterVec
	Reclaimed       prom.Counter
	PassFailures    *prom.CounterVec
	PassDuration    *prom.HistogramVec
	NotifySent      *prom.CounterVec
	NotifyFailed    *prom.CounterVec
	PassesSkipped   *prom.CounterVec
	ExpiringWarned  prom.Counter
	ExpiringDeduped prom.Counter
}

// New registers all collectors on reg. A nil reg leaves them unregistered,
// which is what most tests want.
func New(reg prom.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "engine",
			Name:      "transitions_total",
			Help:      "lease state transitions by target status",
		}, []string{"status"}),
		Reclaimed: prom.NewCounter(prom.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "scheduler",
			Name:      "reclaimed_total",
			Help:      "expired leases reclaimed to COMPLETED",
		}),
		PassFailures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "scheduler",
			Name:      "lease_failures_total",
			Help:      "per-lease failures inside a scheduler pass",
		}, []string{"pass"}),
		PassDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: promNamespace,
			Subsystem: "scheduler",
			Name:      "pass_seconds",
			Help:      "duration of scheduler passes",
			Buckets:   prom.DefBuckets,
		}, []string{"pass"}),
		PassesSkipped: prom.NewCounterVec(prom.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "scheduler",
			Name:      "passes_skipped_total",
			Help:      "passes skipped because another worker held the pass lock",
		}, []string{"pass"}),
		ExpiringWarned: prom.NewCounter(prom.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "scheduler",
			Name:      "expiring_warnings_total",
			Help:      "expiring-soon warnings dispatched",
		}),
		ExpiringDeduped: prom.NewCounter(prom.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "scheduler",
			Name:      "expiring_deduped_total",
			Help:      "expiring-soon warnings suppressed by the ledger",
		}),
		NotifySent: prom.NewCounterVec(prom.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "notifications delivered by event",
		}, []string{"event"}),
		NotifyFailed: prom.NewCounterVec(prom.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "notify",
			Name:      "failed_total",
			Help:      "notification deliveries that failed by event",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Transitions, m.Reclaimed, m.PassFailures, m.PassDuration, m.PassesSkipped,
			m.ExpiringWarned, m.ExpiringDeduped, m.NotifySent, m.NotifyFailed,
		)
	}
	return m
}

// OrNew returns m, or a fresh unregistered set when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New(nil)
	}
	return m
}
