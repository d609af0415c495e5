// Package metrics defines the Prometheus collectors exported by the server.
// Collectors live here as package variables so any component can record to
// them; the server exposes them on /metrics via NewRegistry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "taskwire"

var (
	// AgentsConnected is a gauge of currently registered agent sessions.
	AgentsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_connected",
			Help:      "Number of currently connected agents",
		},
	)

	// MessagesTotal counts envelopes by type and direction (in, out).
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total envelopes processed by type and direction",
		},
		[]string{"type", "direction"},
	)

	// AuthFailuresTotal counts rejected agent handshakes by close code.
	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total failed agent authentications by close code",
		},
		[]string{"code"},
	)

	// TasksTotal counts task terminal outcomes.
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	// OfflineEnqueuedTotal counts messages persisted for later delivery.
	OfflineEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_enqueued_total",
			Help:      "Total messages enqueued for offline delivery",
		},
	)

	// OfflineDeliveredTotal counts queued messages successfully delivered.
	OfflineDeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_delivered_total",
			Help:      "Total queued messages delivered to agents",
		},
	)

	// OfflineExpiredTotal counts queued messages dropped past their TTL.
	OfflineExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_expired_total",
			Help:      "Total queued messages expired before delivery",
		},
	)

	// OfflineDeliveryFailuresTotal counts delivery attempts that failed.
	OfflineDeliveryFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_delivery_failures_total",
			Help:      "Total failed offline delivery attempts",
		},
	)

	// OfflineQueueDepth is a gauge of undelivered, unexpired queue entries.
	OfflineQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_queue_depth",
			Help:      "Undelivered messages currently in the offline queue",
		},
	)
)

// NewRegistry returns a registry with every collector above plus the
// standard Go and process collectors registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		AgentsConnected,
		MessagesTotal,
		AuthFailuresTotal,
		TasksTotal,
		OfflineEnqueuedTotal,
		OfflineDeliveredTotal,
		OfflineExpiredTotal,
		OfflineDeliveryFailuresTotal,
		OfflineQueueDepth,
	)
	return reg
}
