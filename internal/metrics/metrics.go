package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	PipelinesStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_pipelines_started_total",
			Help: "Total number of query pipelines started",
		},
	)

	PipelinesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_pipelines_completed_total",
			Help: "Total number of query pipelines completed",
		},
		[]string{"strategy", "status"},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_pipeline_duration_seconds",
			Help:    "End-to-end pipeline duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	// Stage metrics
	StageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_stage_latency_seconds",
			Help:    "Reasoning stage latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	StageSoftFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_stage_soft_failures_total",
			Help: "Total number of stage soft failures (fallback value substituted)",
		},
		[]string{"stage"},
	)

	// Source execution metrics
	SourceExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_source_executions_total",
			Help: "Total number of per-source executions",
		},
		[]string{"kind", "status"},
	)

	SourceExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_source_execution_duration_ms",
			Help:    "Per-source execution duration in milliseconds",
			Buckets: []float64{50, 100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"kind"},
	)

	// Reasoning service metrics
	ReasoningRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_reasoning_requests_total",
			Help: "Total number of reasoning-service completions",
		},
		[]string{"stage", "status"},
	)

	ReasoningLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_reasoning_latency_seconds",
			Help:    "Reasoning-service completion latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	QueryTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_query_tokens_used",
			Help:    "Number of tokens used per query",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000},
		},
	)

	// Usage accounting metrics
	UsageRecordErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_usage_record_errors_total",
			Help: "Total number of failed usage-accounting handoffs",
		},
	)

	// Streaming metrics
	StreamSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_stream_sessions_active",
			Help: "Number of streaming sessions currently registered",
		},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_stream_subscribers",
			Help: "Number of live stream subscriber handles",
		},
	)

	StreamEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_stream_events_published_total",
			Help: "Total number of streaming events published",
		},
		[]string{"type"},
	)

	StreamDeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_stream_delivery_failures_total",
			Help: "Total number of subscriber deliveries that failed and forced an unsubscribe",
		},
	)

	// Worker pool metrics
	WorkerPoolDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_worker_pool_queue_depth",
			Help: "Number of pipeline jobs waiting in the worker pool queue",
		},
	)

	WorkerPoolPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_worker_pool_panics_total",
			Help: "Total number of pipeline jobs that panicked and were recovered",
		},
	)

	// Conversation session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_sessions_created_total",
			Help: "Total number of conversation sessions created",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_session_cache_hits_total",
			Help: "Total number of conversation session cache hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_session_cache_misses_total",
			Help: "Total number of conversation session cache misses",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_session_cache_size",
			Help: "Current number of conversation sessions in local cache",
		},
	)
)

// RecordPipelineMetrics records metrics for a completed pipeline run.
func RecordPipelineMetrics(strategy, status string, durationSeconds float64, tokensUsed int) {
	PipelinesCompleted.WithLabelValues(strategy, status).Inc()
	PipelineDuration.WithLabelValues(strategy).Observe(durationSeconds)
	if tokensUsed > 0 {
		QueryTokensUsed.Observe(float64(tokensUsed))
	}
}

// RecordSourceExecution records metrics for one coordinator run.
func RecordSourceExecution(kind, status string, durationMs float64) {
	SourceExecutions.WithLabelValues(kind, status).Inc()
	SourceExecutionDuration.WithLabelValues(kind).Observe(durationMs)
}

// RecordReasoningCall records metrics for one reasoning-service call.
func RecordReasoningCall(stage, status string, durationSeconds float64) {
	ReasoningRequests.WithLabelValues(stage, status).Inc()
	if durationSeconds > 0 {
		ReasoningLatency.WithLabelValues(stage).Observe(durationSeconds)
	}
}
