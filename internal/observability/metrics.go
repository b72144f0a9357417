package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	workerDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	retryDelayBuckets     = []float64{0.1, 0.5, 1, 5, 15, 60, 300}
)

// Metrics holds all Prometheus metric instruments for the orchestrator.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Transition metrics
	TransitionsTotal        *prometheus.CounterVec
	TransitionDuration      *prometheus.HistogramVec
	TransitionRetriesTotal  *prometheus.CounterVec
	TransitionRetryDelay    *prometheus.HistogramVec
	VersionConflictsTotal   *prometheus.CounterVec
	WorkflowStartsTotal     *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowTimeoutsTotal   *prometheus.CounterVec
	WorkflowActiveInstances *prometheus.GaugeVec

	// Routing metrics
	RoutingDecisionsTotal *prometheus.CounterVec
	RoutingMemoHitsTotal  prometheus.Counter
	RoutingFallbacksTotal *prometheus.CounterVec
	UnroutableEventsTotal *prometheus.CounterVec

	// Worker metrics
	WorkerInvocationsTotal *prometheus.CounterVec
	WorkerInvokeDuration   *prometheus.HistogramVec
	WorkerBreakerState     *prometheus.GaugeVec
	WorkerHealthState      *prometheus.GaugeVec

	// Pattern metrics
	PatternStartsTotal      *prometheus.CounterVec
	PatternStepsTotal       *prometheus.CounterVec
	PatternCompletionsTotal *prometheus.CounterVec
	PatternQueueDepth       *prometheus.GaugeVec

	// System metrics
	DefinitionsLoaded prometheus.Gauge
	SweepRunsTotal    *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Transitions
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_transitions_total",
			Help: "Total number of transition executions.",
		}, []string{"workflow_id", "transition", "status"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_transition_duration_seconds",
			Help:    "Transition execution duration in seconds.",
			Buckets: workerDurationBuckets,
		}, []string{"workflow_id", "transition"}),
		TransitionRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_transition_retries_total",
			Help: "Total number of transition retries.",
		}, []string{"workflow_id", "transition"}),
		TransitionRetryDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_transition_retry_delay_seconds",
			Help:    "Computed retry delay in seconds.",
			Buckets: retryDelayBuckets,
		}, []string{"workflow_id"}),
		VersionConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_version_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts.",
		}, []string{"workflow_id"}),
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_workflow_starts_total",
			Help: "Total number of workflow starts.",
		}, []string{"workflow_id"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_workflow_completions_total",
			Help: "Total number of workflow completions.",
		}, []string{"workflow_id", "final_status"}),
		WorkflowTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_workflow_timeouts_total",
			Help: "Total number of workflow timeouts.",
		}, []string{"workflow_id"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conductor_workflow_active_instances",
			Help: "Number of active workflow instances.",
		}, []string{"workflow_id"}),

		// Routing
		RoutingDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_routing_decisions_total",
			Help: "Total routing decisions by resolution stage.",
		}, []string{"stage"}),
		RoutingMemoHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_routing_memo_hits_total",
			Help: "Total memoized routing decisions served.",
		}),
		RoutingFallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_routing_fallbacks_total",
			Help: "Total fallback worker invocations.",
		}, []string{"from_worker", "to_worker"}),
		UnroutableEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_unroutable_events_total",
			Help: "Total events no worker could handle.",
		}, []string{"event_type"}),

		// Workers
		WorkerInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_worker_invocations_total",
			Help: "Total worker invocations.",
		}, []string{"worker", "status"}),
		WorkerInvokeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_worker_invoke_duration_seconds",
			Help:    "Worker invocation duration in seconds.",
			Buckets: workerDurationBuckets,
		}, []string{"worker"}),
		WorkerBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conductor_worker_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"worker"}),
		WorkerHealthState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conductor_worker_health_state",
			Help: "Worker health (0=healthy, 1=degraded, 2=unhealthy).",
		}, []string{"worker"}),

		// Patterns
		PatternStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_pattern_starts_total",
			Help: "Total coordination pattern starts.",
		}, []string{"pattern"}),
		PatternStepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_pattern_steps_total",
			Help: "Total coordination pattern step executions.",
		}, []string{"pattern", "status"}),
		PatternCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_pattern_completions_total",
			Help: "Total coordination pattern completions.",
		}, []string{"pattern", "final_status"}),
		PatternQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conductor_pattern_queue_depth",
			Help: "Pending continuations queued per instance.",
		}, []string{"pattern"}),

		// System
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_definitions_loaded",
			Help: "Number of loaded workflow definitions.",
		}),
		SweepRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_timeout_sweep_runs_total",
			Help: "Total timeout sweep runs.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		// Transitions
		m.TransitionsTotal,
		m.TransitionDuration,
		m.TransitionRetriesTotal,
		m.TransitionRetryDelay,
		m.VersionConflictsTotal,
		m.WorkflowStartsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowTimeoutsTotal,
		m.WorkflowActiveInstances,
		// Routing
		m.RoutingDecisionsTotal,
		m.RoutingMemoHitsTotal,
		m.RoutingFallbacksTotal,
		m.UnroutableEventsTotal,
		// Workers
		m.WorkerInvocationsTotal,
		m.WorkerInvokeDuration,
		m.WorkerBreakerState,
		m.WorkerHealthState,
		// Patterns
		m.PatternStartsTotal,
		m.PatternStepsTotal,
		m.PatternCompletionsTotal,
		m.PatternQueueDepth,
		// System
		m.DefinitionsLoaded,
		m.SweepRunsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordTransition records a transition execution.
func (m *Metrics) RecordTransition(workflowID, transition, status string, duration time.Duration) {
	m.TransitionsTotal.WithLabelValues(workflowID, transition, status).Inc()
	m.TransitionDuration.WithLabelValues(workflowID, transition).Observe(duration.Seconds())
}

// RecordTransitionRetry records a scheduled retry and its delay.
func (m *Metrics) RecordTransitionRetry(workflowID, transition string, delay time.Duration) {
	m.TransitionRetriesTotal.WithLabelValues(workflowID, transition).Inc()
	m.TransitionRetryDelay.WithLabelValues(workflowID).Observe(delay.Seconds())
}

// RecordVersionConflict records an optimistic concurrency conflict.
func (m *Metrics) RecordVersionConflict(workflowID string) {
	m.VersionConflictsTotal.WithLabelValues(workflowID).Inc()
}

// RecordWorkflowStart records a workflow start.
func (m *Metrics) RecordWorkflowStart(workflowID string) {
	m.WorkflowStartsTotal.WithLabelValues(workflowID).Inc()
	m.WorkflowActiveInstances.WithLabelValues(workflowID).Inc()
}

// RecordWorkflowCompletion records a workflow reaching a terminal status.
func (m *Metrics) RecordWorkflowCompletion(workflowID, finalStatus string) {
	m.WorkflowCompletionsTotal.WithLabelValues(workflowID, finalStatus).Inc()
	m.WorkflowActiveInstances.WithLabelValues(workflowID).Dec()
}

// RecordWorkflowTimeout records a workflow timeout.
func (m *Metrics) RecordWorkflowTimeout(workflowID string) {
	m.WorkflowTimeoutsTotal.WithLabelValues(workflowID).Inc()
}

// RecordRoutingDecision records which stage resolved an event.
func (m *Metrics) RecordRoutingDecision(stage string, memoized bool) {
	m.RoutingDecisionsTotal.WithLabelValues(stage).Inc()
	if memoized {
		m.RoutingMemoHitsTotal.Inc()
	}
}

// RecordRoutingFallback records a fallback invocation.
func (m *Metrics) RecordRoutingFallback(fromWorker, toWorker string) {
	m.RoutingFallbacksTotal.WithLabelValues(fromWorker, toWorker).Inc()
}

// RecordUnroutableEvent records an event no worker could handle.
func (m *Metrics) RecordUnroutableEvent(eventType string) {
	m.UnroutableEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordWorkerInvocation records a worker invocation.
func (m *Metrics) RecordWorkerInvocation(worker, status string, duration time.Duration) {
	m.WorkerInvocationsTotal.WithLabelValues(worker, status).Inc()
	m.WorkerInvokeDuration.WithLabelValues(worker).Observe(duration.Seconds())
}

// SetWorkerBreakerState sets the breaker gauge for a worker.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetWorkerBreakerState(worker string, state float64) {
	m.WorkerBreakerState.WithLabelValues(worker).Set(state)
}

// SetWorkerHealthState sets the health gauge for a worker.
// State: 0=healthy, 1=degraded, 2=unhealthy.
func (m *Metrics) SetWorkerHealthState(worker string, state float64) {
	m.WorkerHealthState.WithLabelValues(worker).Set(state)
}

// RecordPatternStart records a pattern start.
func (m *Metrics) RecordPatternStart(pattern string) {
	m.PatternStartsTotal.WithLabelValues(pattern).Inc()
}

// RecordPatternStep records a pattern step outcome.
func (m *Metrics) RecordPatternStep(pattern, status string) {
	m.PatternStepsTotal.WithLabelValues(pattern, status).Inc()
}

// RecordPatternCompletion records a pattern reaching a final status.
func (m *Metrics) RecordPatternCompletion(pattern, finalStatus string) {
	m.PatternCompletionsTotal.WithLabelValues(pattern, finalStatus).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// RecordSweepRun records a timeout sweep run.
func (m *Metrics) RecordSweepRun(status string) {
	m.SweepRunsTotal.WithLabelValues(status).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, pathPattern, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, pathPattern).Observe(duration.Seconds())
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
