package app

import "github.com/prometheus/client_golang/prometheus"

// Metrics covers the mediation hot paths: admission decisions, approval
// outcomes, and correlation lifecycle.
type Metrics struct {
	RequestsAdmitted    prometheus.Counter
	RequestsBlocked     prometheus.Counter
	SpamWarnings        prometheus.Counter
	ApprovalsResolved   prometheus.Counter
	ApprovalsRejected   prometheus.Counter
	CorrelationsExpired prometheus.Counter
	CorrelationsLive    prometheus.Gauge
	EventBacklog        prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediator_requests_admitted_total",
			Help: "Dapp requests that passed admission control.",
		}),
		RequestsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediator_requests_blocked_total",
			Help: "Dapp requests denied because the host was blocked or rate limited.",
		}),
		SpamWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediator_spam_warnings_total",
			Help: "Spam warnings surfaced to the user.",
		}),
		ApprovalsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediator_approvals_resolved_total",
			Help: "Approvals completed by explicit user confirmation.",
		}),
		ApprovalsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediator_approvals_rejected_total",
			Help: "Approvals rejected by the user or by window close.",
		}),
		CorrelationsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediator_correlations_expired_total",
			Help: "Pending correlations rejected by the TTL sweep.",
		}),
		CorrelationsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediator_correlations_live",
			Help: "Pending correlations currently awaiting completion.",
		}),
		EventBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediator_event_backlog",
			Help: "Notification events held for stream replay.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RequestsAdmitted,
			m.RequestsBlocked,
			m.SpamWarnings,
			m.ApprovalsResolved,
			m.ApprovalsRejected,
			m.CorrelationsExpired,
			m.CorrelationsLive,
			m.EventBacklog,
		)
	}
	return m
}
