package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkflowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowforge_workflow_transitions_total",
			Help: "Workflow status transitions by resulting status",
		},
		[]string{"status"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowforge_step_duration_seconds",
			Help:    "Workflow step execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 15),
		},
		[]string{"outcome"},
	)

	ActiveWorkflowLoops = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowforge_active_workflow_loops",
			Help: "Number of workflow execution loops currently running",
		},
	)

	BusEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowforge_bus_events_published_total",
			Help: "Events published to the in-process bus by type",
		},
		[]string{"type"},
	)

	BusEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowforge_bus_events_dropped_total",
			Help: "Events dropped because no listener was registered or a listener buffer was full",
		},
		[]string{"reason"},
	)

	BusSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowforge_bus_subscribers",
			Help: "Number of live bus subscriptions",
		},
	)

	RelayOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowforge_relay_outcomes_total",
			Help: "Terminal outcomes of stream relays",
		},
		[]string{"outcome"},
	)

	RelayDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowforge_relay_duration_seconds",
			Help:    "Time from relay start to terminal event",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	GatewayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowforge_gateway_connections",
			Help: "Open streaming gateway connections",
		},
	)

	GatewayHeartbeats = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowforge_gateway_heartbeats_total",
			Help: "Heartbeat frames written to streaming connections",
		},
	)

	GatewayResyncs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowforge_gateway_resyncs_total",
			Help: "Snapshots re-read after a viewer missed events",
		},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowforge_outbox_events_total",
			Help: "Audit outbox events relayed by result",
		},
		[]string{"result"},
	)
)
