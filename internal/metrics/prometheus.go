package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dialogue_turn_duration_seconds",
			Help:    "End-to-end turn processing duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 60},
		},
		[]string{"outcome"},
	)

	TurnTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialogue_turn_total",
			Help: "Total dialogue turns processed",
		},
		[]string{"outcome", "failure_kind"},
	)

	RetrievalRounds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dialogue_retrieval_rounds",
			Help:    "Retrieval rounds used per turn",
			Buckets: []float64{1, 2, 3, 4},
		},
	)

	RetrievalResults = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dialogue_retrieval_results",
			Help:    "Passages retrieved per round after dedupe",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
		},
	)

	CitationsEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dialogue_citations_emitted_total",
			Help: "Validated citations attached to finalized turns",
		},
	)

	CitationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dialogue_citations_dropped_total",
			Help: "Evidence markers rejected by verbatim validation",
		},
	)

	SessionConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dialogue_session_conflicts_total",
			Help: "Turn submissions rejected because a stream was open",
		},
	)

	StreamDeltas = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dialogue_stream_deltas_total",
			Help: "Text deltas sent to clients",
		},
	)

	DraftsDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dialogue_drafts_discarded_total",
			Help: "Streamed drafts superseded by a later iteration",
		},
	)

	EmbeddingCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialogue_embedding_cache_total",
			Help: "Embedding cache lookups",
		},
		[]string{"result"},
	)

	PassagesIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dialogue_passages_ingested_total",
			Help: "Passages embedded and indexed",
		},
	)
)

func Init() {
	prometheus.MustRegister(TurnDuration)
	prometheus.MustRegister(TurnTotal)
	prometheus.MustRegister(RetrievalRounds)
	prometheus.MustRegister(RetrievalResults)
	prometheus.MustRegister(CitationsEmitted)
	prometheus.MustRegister(CitationsDropped)
	prometheus.MustRegister(SessionConflicts)
	prometheus.MustRegister(StreamDeltas)
	prometheus.MustRegister(DraftsDiscarded)
	prometheus.MustRegister(EmbeddingCacheHits)
	prometheus.MustRegister(PassagesIngested)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
