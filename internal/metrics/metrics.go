package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchd_sessions_started_total",
			Help: "Total number of research sessions started",
		},
		[]string{"mode"},
	)

	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchd_sessions_completed_total",
			Help: "Total number of research sessions reaching a terminal status",
		},
		[]string{"mode", "status"},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "researchd_session_duration_seconds",
			Help:    "Research session duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"mode"},
	)

	SessionIterations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "researchd_session_iterations",
			Help:    "Planner iterations per session",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8},
		},
		[]string{"mode"},
	)

	// Retrieval metrics
	RetrievalCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchd_retrieval_calls_total",
			Help: "Retrieval service calls by outcome",
		},
		[]string{"status"},
	)

	RetrievalLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "researchd_retrieval_latency_seconds",
			Help:    "Retrieval call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PassagesRetrieved = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "researchd_passages_retrieved",
			Help:    "Passages returned per retrieval call",
			Buckets: []float64{0, 1, 2, 5, 10, 20},
		},
	)

	// Generation metrics
	GenerationCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchd_generation_calls_total",
			Help: "Generation service calls by purpose and outcome",
		},
		[]string{"purpose", "status"},
	)

	GenerationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "researchd_generation_latency_seconds",
			Help:    "Generation call latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"purpose"},
	)

	// Reliability metrics
	BackoffRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchd_backoff_retries_total",
			Help: "Retries performed by the backoff executor",
		},
		[]string{"call"},
	)

	CitationValidationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "researchd_citation_validation_failures_total",
			Help: "Synthesized answers rejected for unresolvable citations",
		},
	)

	// Streaming metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchd_events_published_total",
			Help: "Progress events published to the stream manager",
		},
		[]string{"type"},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "researchd_stream_subscribers",
			Help: "Currently connected stream subscribers",
		},
	)

	// Transcript store metrics
	TranscriptsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchd_transcripts_persisted_total",
			Help: "Terminal transcripts persisted by outcome",
		},
		[]string{"status"},
	)

	TranscriptCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "researchd_transcript_cache_size",
			Help: "Transcripts held in the local cache",
		},
	)
)
