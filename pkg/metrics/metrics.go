// Package metrics declares the Prometheus collectors shared by the relay tiers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ImplantsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_implants_connected",
		Help: "Number of implants currently considered connected.",
	})

	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_heartbeats_total",
		Help: "Heartbeats answered by the transport tier.",
	})

	ImplantDisconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_implant_disconnects_total",
		Help: "Connected to disconnected transitions detected by the heartbeat sweep.",
	})

	OperationsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_operations_queued_total",
		Help: "Operations queued for delivery to an implant.",
	})

	BridgesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_bridges_active",
		Help: "Client bridges running on the manager tier.",
	})

	OperationsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_operations_forwarded_total",
		Help: "Operator operations forwarded to the transport tier.",
	})

	OperationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_operation_outcomes_total",
			Help: "Terminal outcomes of forwarded operations.",
		},
		[]string{"outcome"},
	)

	PluginInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_plugin_invocations_total",
			Help: "Plugin invocations by method and response kind.",
		},
		[]string{"method", "kind"},
	)

	PluginLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_plugin_latency_seconds",
			Help:    "Time from dispatch to terminal response of plugin invocations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"method"},
	)
)

// ObservePlugin records one finished plugin invocation.
func ObservePlugin(method, kind string, started time.Time) {
	PluginInvocations.WithLabelValues(method, kind).Inc()
	PluginLatency.WithLabelValues(method).Observe(time.Since(started).Seconds())
}
