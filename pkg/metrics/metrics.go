// Package metrics exposes Prometheus collectors for the runtime signals the
// Dashboard API's /metrics endpoint serves (spec.md §6): queue depth,
// agent concurrency, gate-evaluation latency, and the three-layer watchdog's
// escape counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Squadron collector, registered against a single
// prometheus.Registerer at construction time.
type Metrics struct {
	EventsEmitted   *prometheus.CounterVec
	EventQueueDepth *prometheus.GaugeVec

	PipelineRunsStarted  *prometheus.CounterVec
	PipelineRunsFinished *prometheus.CounterVec
	ActivePipelineRuns   prometheus.Gauge

	ActiveAgents   *prometheus.GaugeVec
	AgentsStarted  *prometheus.CounterVec
	AgentsFinished *prometheus.CounterVec

	GateEvaluations       *prometheus.CounterVec
	GateEvaluationSeconds *prometheus.HistogramVec

	WatchdogEscapes *prometheus.CounterVec

	ForgeRequests *prometheus.CounterVec
}

// New builds a Metrics instance registered against registerer. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the global
// default registry; production wiring passes prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "squadron",
				Name:      "events_emitted_total",
				Help:      "Total number of events accepted by the Event Router.",
			},
			[]string{"type"},
		),
		EventQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "squadron",
				Name:      "event_queue_depth",
				Help:      "Current number of buffered events per router shard.",
			},
			[]string{"shard"},
		),
		PipelineRunsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "squadron",
				Name:      "pipeline_runs_started_total",
				Help:      "Total number of pipeline runs started.",
			},
			[]string{"pipeline"},
		),
		PipelineRunsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "squadron",
				Name:      "pipeline_runs_finished_total",
				Help:      "Total number of pipeline runs reaching a terminal status.",
			},
			[]string{"pipeline", "status"},
		),
		ActivePipelineRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "squadron",
				Name:      "pipeline_runs_active",
				Help:      "Current number of non-terminal pipeline runs.",
			},
		),
		ActiveAgents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "squadron",
				Name:      "agents_active",
				Help:      "Current number of active or sleeping agents, by role.",
			},
			[]string{"role"},
		),
		AgentsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "squadron",
				Name:      "agents_started_total",
				Help:      "Total number of agent sessions started.",
			},
			[]string{"role"},
		),
		AgentsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "squadron",
				Name:      "agents_finished_total",
				Help:      "Total number of agent sessions reaching a terminal status.",
			},
			[]string{"role", "status"},
		),
		GateEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "squadron",
				Name:      "gate_evaluations_total",
				Help:      "Total number of gate check evaluations, by check and outcome.",
			},
			[]string{"check", "passed"},
		),
		GateEvaluationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "squadron",
				Name:      "gate_evaluation_seconds",
				Help:      "Gate check evaluation latency in seconds.",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"check"},
		),
		WatchdogEscapes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "squadron",
				Name:      "watchdog_escapes_total",
				Help:      "Total number of agents force-terminated past their primary watchdog, by layer.",
			},
			[]string{"layer"},
		),
		ForgeRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "squadron",
				Name:      "forge_requests_total",
				Help:      "Total number of forge API requests, by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.EventsEmitted,
			m.EventQueueDepth,
			m.PipelineRunsStarted,
			m.PipelineRunsFinished,
			m.ActivePipelineRuns,
			m.ActiveAgents,
			m.AgentsStarted,
			m.AgentsFinished,
			m.GateEvaluations,
			m.GateEvaluationSeconds,
			m.WatchdogEscapes,
			m.ForgeRequests,
		)
	}

	return m
}

// ObserveGateEvaluation records one gate check evaluation's outcome and
// latency.
func (m *Metrics) ObserveGateEvaluation(check string, passed bool, d time.Duration) {
	m.GateEvaluations.WithLabelValues(check, boolLabel(passed)).Inc()
	m.GateEvaluationSeconds.WithLabelValues(check).Observe(d.Seconds())
}

// RecordWatchdogEscape increments the escape counter for the layer that
// caught a wedged or overrun agent (spec.md §4.3.2): "watchdog", "backup",
// or "sweep".
func (m *Metrics) RecordWatchdogEscape(layer string) {
	m.WatchdogEscapes.WithLabelValues(layer).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
