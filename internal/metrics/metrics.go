// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkflowsStarted counts workflows opened by the ingress adapter.
	WorkflowsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remedy",
		Name:      "workflows_started_total",
		Help:      "Number of incident workflows opened.",
	})

	// WorkflowsFinished counts terminal workflows by outcome.
	WorkflowsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remedy",
		Name:      "workflows_finished_total",
		Help:      "Number of workflows that reached a terminal stage, by outcome.",
	}, []string{"outcome"})

	// ActiveWorkflows gauges the number of non-terminal workflows.
	ActiveWorkflows = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "remedy",
		Name:      "active_workflows",
		Help:      "Number of workflows currently in a non-terminal stage.",
	})

	// FallbacksApplied counts default-payload substitutions by capability.
	FallbacksApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remedy",
		Name:      "fallbacks_applied_total",
		Help:      "Number of collaborator calls substituted with default payloads.",
	}, []string{"capability"})

	// CollaboratorCallDuration observes outbound call latency by collaborator
	// and outcome.
	CollaboratorCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "remedy",
		Name:      "collaborator_call_duration_seconds",
		Help:      "Latency of collaborator calls.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"collaborator", "outcome"})

	// SignalsRejected counts webhook payloads refused before a workflow opened.
	SignalsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remedy",
		Name:      "signals_rejected_total",
		Help:      "Number of inbound failure signals rejected, by reason.",
	}, []string{"reason"})

	// WorkflowsTimedOut counts workflows failed by the supervisor sweep.
	WorkflowsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remedy",
		Name:      "workflows_timed_out_total",
		Help:      "Number of workflows failed for exceeding the activity deadline.",
	})
)
