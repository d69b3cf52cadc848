package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jotnar_tasks_enqueued_total",
		Help: "Tasks pushed to a queue.",
	}, []string{"queue"})

	tasksRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jotnar_tasks_retried_total",
		Help: "Tasks pushed back to the head of their queue after a failure.",
	}, []string{"queue"})

	tasksExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jotnar_tasks_exhausted_total",
		Help: "Tasks moved to the error list after exceeding max retries.",
	}, []string{"queue"})

	pipelineOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jotnar_pipeline_outcomes_total",
		Help: "Terminal pipeline outcomes by stage and resolution.",
	}, []string{"stage", "outcome"})

	agentIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jotnar_agent_iterations_total",
		Help: "Model iterations performed by the agent runner.",
	}, []string{"agent"})

	agentLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jotnar_agent_run_seconds",
		Help:    "Wall-clock duration of agent runner invocations.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"agent"})

	buildAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jotnar_build_attempts_total",
		Help: "Package build attempts, successful or not.",
	})
)

// TrackEnqueue records a task pushed to a queue.
func TrackEnqueue(queue string) { tasksEnqueued.WithLabelValues(queue).Inc() }

// TrackRetry records a task retried on the same queue.
func TrackRetry(queue string) { tasksRetried.WithLabelValues(queue).Inc() }

// TrackExhausted records a task that ran out of retries.
func TrackExhausted(queue string) { tasksExhausted.WithLabelValues(queue).Inc() }

// TrackOutcome records a terminal pipeline outcome.
func TrackOutcome(stage, outcome string) {
	pipelineOutcomes.WithLabelValues(stage, outcome).Inc()
}

// TrackAgentIteration records one model iteration for the named agent.
func TrackAgentIteration(agent string) { agentIterations.WithLabelValues(agent).Inc() }

// ObserveAgentLatency records the duration of an agent run in seconds.
func ObserveAgentLatency(agent string, seconds float64) {
	agentLatency.WithLabelValues(agent).Observe(seconds)
}

// TrackBuildAttempt records a build submission.
func TrackBuildAttempt() { buildAttempts.Inc() }

// StartMetricsServer starts a HTTP server exposing Prometheus metrics.
func StartMetricsServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
