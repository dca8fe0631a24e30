package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	DispatchDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_dispatch_decisions_total",
			Help: "Dispatch decisions taken by the engine",
		},
		[]string{"decision"}, // offload, local_low, local_medium
	)

	TasksExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_tasks_executed_total",
			Help: "Tasks executed, by where they ran and whether the task function succeeded",
		},
		[]string{"where", "success"}, // where: local, remote
	)

	DeliveryFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_delivery_failures_total",
			Help: "Offload attempts that fell back to local execution",
		},
		[]string{"reason"}, // no_peers, transport, status
	)

	TasksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_tasks_received_total",
			Help: "Tasks received from peers on /run",
		},
		[]string{"status"},
	)

	PeerEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_peer_events_total",
			Help: "Peer registry mutations",
		},
		[]string{"event", "source"}, // event: added, refreshed, removed, expired
	)

	RegistrySyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offload_registry_sync_total",
			Help: "Central registry synchronisation attempts",
		},
		[]string{"result"}, // ok, failed
	)

	// Gauges
	PeersKnown = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offload_peers_known",
			Help: "Peers currently in the local registry",
		},
		[]string{"locality"}, // lan, wan
	)

	CentralPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offload_central_peers",
			Help: "Live peers held by the central registry server",
		},
	)

	AverageCPU = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offload_average_cpu_fraction",
			Help: "Windowed average CPU fraction seen by the load monitor",
		},
	)

	// Histogram for task execution duration
	TaskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offload_task_duration_seconds",
			Help:    "Task execution duration in seconds, including delivery for remote tasks",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
		},
		[]string{"where"},
	)
)
