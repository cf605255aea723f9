package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments the router updates as it runs.
type Metrics struct {
	ActiveSessions        prometheus.Gauge
	Registrations         prometheus.Counter
	RegistrationsRejected prometheus.Counter
	MessagesRouted        prometheus.Counter
	MessagesDelivered     prometheus.Counter
	MessagesDropped       prometheus.Counter
	DeliveryFaults        prometheus.Counter
	BadRequests           prometheus.Counter
	RateLimited           prometheus.Counter
}

// NewMetrics registers the router metrics with reg. Passing nil uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier",
			Subsystem: "router",
			Name:      "active_sessions",
			Help:      "Number of currently open sessions.",
		}),
		Registrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "router",
			Name:      "registrations_total",
			Help:      "Successful presence registrations.",
		}),
		RegistrationsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "router",
			Name:      "registrations_rejected_total",
			Help:      "Presence registrations refused because the name was taken.",
		}),
		MessagesRouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "router",
			Name:      "messages_routed_total",
			Help:      "Messages accepted into the pending queue.",
		}),
		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "router",
			Name:      "messages_delivered_total",
			Help:      "Messages written to their destination session.",
		}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "router",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped because the destination was not registered at delivery time.",
		}),
		DeliveryFaults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "router",
			Name:      "delivery_faults_total",
			Help:      "Deliveries that failed and tore the destination session down.",
		}),
		BadRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "router",
			Name:      "bad_requests_total",
			Help:      "Envelopes answered with a 400 response.",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "router",
			Name:      "rate_limited_total",
			Help:      "Envelopes discarded by the per-session rate limiter.",
		}),
	}
}
