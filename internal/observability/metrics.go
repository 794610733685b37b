package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the engine's operational counters and gauges.
type Metrics struct {
	WorkflowExecutionsTotal *prometheus.CounterVec
	WorkflowDuration        *prometheus.HistogramVec
	NodeDispatchesTotal     *prometheus.CounterVec
	TaskCompletionsTotal    *prometheus.CounterVec
	AgentCallsTotal         *prometheus.CounterVec
	AgentCallDuration       prometheus.Histogram
	AgentQueueDepth         prometheus.Gauge
	ResidentContexts        prometheus.Gauge
	StallRecoveriesTotal    *prometheus.CounterVec
	SnapshotsTotal          prometheus.Counter
}

// NewMetrics registers the metric set with a registry; pass nil to use the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		WorkflowExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_workflow_executions_total",
				Help: "Total number of workflow executions by final status",
			},
			[]string{"status"},
		),
		WorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_workflow_duration_seconds",
				Help:    "Wall-clock duration of workflow executions",
				Buckets: []float64{1, 5, 30, 60, 300, 1800, 7200, 43200},
			},
			[]string{"status"},
		),
		NodeDispatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_node_dispatches_total",
				Help: "Total number of node dispatches",
			},
			[]string{"node_type"},
		),
		TaskCompletionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_task_completions_total",
				Help: "Total number of task completions by kind and status",
			},
			[]string{"kind", "status"},
		),
		AgentCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_agent_calls_total",
				Help: "Total number of agent endpoint calls",
			},
			[]string{"outcome"},
		),
		AgentCallDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "loom_agent_call_duration_seconds",
				Help:    "Duration of agent endpoint calls",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 120},
			},
		),
		AgentQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_agent_queue_depth",
				Help: "Tasks waiting in the agent dispatch queue",
			},
		),
		ResidentContexts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_resident_contexts",
				Help: "Execution contexts currently resident in memory",
			},
		),
		StallRecoveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_stall_recoveries_total",
				Help: "Stall monitor recovery attempts by outcome",
			},
			[]string{"outcome"},
		),
		SnapshotsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_context_snapshots_total",
				Help: "Context snapshots persisted",
			},
		),
	}
}
