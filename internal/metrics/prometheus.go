package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DocumentsUploaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clauselens_documents_uploaded_total",
			Help: "Total documents accepted for processing",
		},
	)

	DocumentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clauselens_documents_processed_total",
			Help: "Total pipeline runs by terminal status",
		},
		[]string{"status"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clauselens_processing_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	StageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clauselens_processing_stage_failures_total",
			Help: "Total pipeline failures by stage",
		},
		[]string{"stage"},
	)

	ChunksIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clauselens_chunks_indexed_total",
			Help: "Total chunks written to the vector index",
		},
	)

	ChatDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clauselens_chat_duration_seconds",
			Help:    "Chat turn processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		},
	)

	ChatTurns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clauselens_chat_turns_total",
			Help: "Total chat turns by outcome",
		},
		[]string{"outcome"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clauselens_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clauselens_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clauselens_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	UserSatisfaction = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clauselens_satisfaction_score",
			Help: "User feedback counts by helpfulness",
		},
		[]string{"helpful"},
	)
)

func Init() {
	prometheus.MustRegister(DocumentsUploaded)
	prometheus.MustRegister(DocumentsProcessed)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(StageFailures)
	prometheus.MustRegister(ChunksIndexed)
	prometheus.MustRegister(ChatDuration)
	prometheus.MustRegister(ChatTurns)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(UserSatisfaction)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
