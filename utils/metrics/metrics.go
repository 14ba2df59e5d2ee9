package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TrackedConnections: connections currently present in the registry
	TrackedConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "w_fd_tunnel_tracked_connections",
			Help: "Number of app descriptors currently substituted by a tunnel descriptor",
		},
	)

	// EventSpecifiers: interest records attached to live connections
	EventSpecifiers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "w_fd_tunnel_event_specifiers",
			Help: "Number of multiplexer interest records attached to tracked connections",
		},
	)

	// Substitutions: app fd -> tunnel fd swaps
	// Labels: call
	Substitutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "w_fd_tunnel_substitutions_total",
			Help: "Total number of descriptors substituted before delegating to the real call",
		},
		[]string{"call"},
	)

	// Passthroughs: calls on untracked descriptors
	// Labels: call
	Passthroughs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "w_fd_tunnel_passthroughs_total",
			Help: "Total number of calls delegated unchanged",
		},
		[]string{"call"},
	)

	// Anomalies: multiplexer fd disagreements and unknown records
	// Labels: kind
	Anomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "w_fd_tunnel_event_anomalies_total",
			Help: "Total number of event bookkeeping anomalies handled best-effort",
		},
		[]string{"kind"},
	)

	// Exhausted: calls refused because call-local bookkeeping could not be allocated
	// Labels: call
	Exhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "w_fd_tunnel_exhausted_total",
			Help: "Total number of calls failed with ENOMEM before substitution",
		},
		[]string{"call"},
	)
)
