package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors on an explicit registry,
// initialized at startup and injected where needed.
type Metrics struct {
	registry *prometheus.Registry

	OrdersCreated       prometheus.Counter
	OrderOutcomes       *prometheus.CounterVec
	StaleEventsDropped  prometheus.Counter
	VersionConflicts    prometheus.Counter
	ReservationTimeouts prometheus.Counter
	OutboxPublished     prometheus.Counter
	OutboxErrors        prometheus.Counter
}

// New creates and registers all collectors.
func New(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "orders_created_total",
			Help:        "Orders accepted for processing.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}),
		OrderOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "order_outcomes_total",
			Help:        "Orders reaching a terminal status.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}, []string{"status"}),
		StaleEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "saga_stale_events_dropped_total",
			Help:        "Events discarded because they no longer apply to the order's state.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "saga_version_conflicts_total",
			Help:        "Transitions dropped after losing the optimistic concurrency race.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}),
		ReservationTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "saga_reservation_timeouts_total",
			Help:        "Orders compensated because no reservation response arrived in time.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "outbox_published_total",
			Help:        "Outbox records published to the bus.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}),
		OutboxErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "outbox_publish_errors_total",
			Help:        "Failed outbox publish attempts.",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}),
	}

	registry.MustRegister(
		m.OrdersCreated,
		m.OrderOutcomes,
		m.StaleEventsDropped,
		m.VersionConflicts,
		m.ReservationTimeouts,
		m.OutboxPublished,
		m.OutboxErrors,
	)

	return m
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
