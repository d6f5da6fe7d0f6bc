package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Invocation metrics
	InvocationsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "djinn_invocations_started_total",
			Help: "Total number of council invocations started",
		},
		[]string{"mode"},
	)

	InvocationsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "djinn_invocations_completed_total",
			Help: "Total number of council invocations completed",
		},
		[]string{"mode", "status"},
	)

	InvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "djinn_invocation_duration_seconds",
			Help:    "Council invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Agent metrics
	AgentExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "djinn_agent_executions_total",
			Help: "Total number of agent executions",
		},
		[]string{"role", "status"},
	)

	AgentExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "djinn_agent_execution_duration_ms",
			Help:    "Agent execution duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"role"},
	)

	AgentTokensProduced = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "djinn_agent_tokens_produced",
			Help:    "Approximate token count per agent response",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000},
		},
	)

	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "djinn_workers_active",
			Help: "Number of running agent workers",
		},
	)

	// Consensus metrics
	ConsensusByMode = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "djinn_consensus_total",
			Help: "Total consensus resolutions by mode",
		},
		[]string{"mode"},
	)

	ConsensusDivergence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "djinn_consensus_divergence",
			Help:    "Divergence score across agent responses per session",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	DeliberationRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "djinn_deliberation_rounds",
			Help:    "Rounds taken by deliberative-loop consensus",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	StabilizationEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "djinn_stabilization_events_total",
			Help: "Sessions that entered the stabilizing state",
		},
	)

	// Integrity metrics
	RecursionRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "djinn_recursion_rejections_total",
			Help: "Invocations rejected by the recursion guard",
		},
	)

	InjectionDetections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "djinn_injection_detections_total",
			Help: "Prompt injection patterns detected in queries",
		},
		[]string{"pattern"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "djinn_sessions_active",
			Help: "Number of sessions currently deliberating",
		},
	)

	// Ledger metrics
	LedgerAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "djinn_ledger_appends_total",
			Help: "Total ledger append attempts",
		},
		[]string{"status"},
	)

	// Memory metrics
	MemoryTurnsRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "djinn_memory_turns_recorded_total",
			Help: "Conversation turns recorded to memory",
		},
	)

	MemoryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "djinn_memory_cache_hits_total",
			Help: "Memory reads served from the local cache",
		},
	)

	MemoryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "djinn_memory_cache_misses_total",
			Help: "Memory reads that missed the local cache",
		},
	)

	// Generation backend metrics
	GenerationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "djinn_generation_requests_total",
			Help: "Requests to the generation backend",
		},
		[]string{"model", "status"},
	)

	GenerationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "djinn_generation_latency_seconds",
			Help:    "Generation backend latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"model"},
	)

	// HTTP API metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "djinn_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"path", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "djinn_http_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)
)

// RecordInvocationMetrics records metrics for a completed council invocation.
func RecordInvocationMetrics(mode, status string, durationSeconds, divergence float64) {
	InvocationsCompleted.WithLabelValues(mode, status).Inc()
	InvocationDuration.WithLabelValues(mode).Observe(durationSeconds)
	ConsensusDivergence.Observe(divergence)
}

// RecordAgentMetrics records metrics for a single agent execution.
func RecordAgentMetrics(role, status string, durationMs float64, tokens int) {
	AgentExecutions.WithLabelValues(role, status).Inc()
	AgentExecutionDuration.WithLabelValues(role).Observe(durationMs)
	if tokens > 0 {
		AgentTokensProduced.Observe(float64(tokens))
	}
}

// RecordGenerationMetrics records a generation backend round trip.
func RecordGenerationMetrics(model, status string, durationSeconds float64) {
	GenerationRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		GenerationLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordHTTPMetrics records an API request.
func RecordHTTPMetrics(path, method, status string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(path, method, status).Inc()
	HTTPRequestDuration.WithLabelValues(path, method).Observe(durationSeconds)
}
