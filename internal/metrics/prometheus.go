package metrics

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docqa_query_duration_seconds",
			Help:    "End-to-end pipeline duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"approach"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"status"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docqa_stage_duration_seconds",
			Help:    "Duration of each pipeline stage in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"stage"},
	)

	StageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_stage_errors_total",
			Help: "Pipeline runs aborted, by failing stage",
		},
		[]string{"stage"},
	)

	RouteTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_route_total",
			Help: "Queries by chosen retrieval route",
		},
		[]string{"route"},
	)

	ChunksRetrieved = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docqa_chunks_retrieved",
			Help:    "Chunks collected per query by match kind",
			Buckets: []float64{0, 1, 2, 5, 10, 15, 20},
		},
		[]string{"kind"},
	)

	MaxLocalScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docqa_max_local_score",
			Help:    "Best similarity score within the target document",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	GlobalFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docqa_global_fallback_total",
			Help: "Queries that widened similarity search to all documents",
		},
	)

	LastResortTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docqa_last_resort_total",
			Help: "Queries that fell back to searching with the original query",
		},
	)

	RerankTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_rerank_total",
			Help: "Rerank stage outcomes",
		},
		[]string{"outcome"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			QueryDuration,
			QueryTotal,
			StageDuration,
			StageErrors,
			RouteTotal,
			ChunksRetrieved,
			MaxLocalScore,
			GlobalFallbackTotal,
			LastResortTotal,
			RerankTotal,
			CacheHits,
			CacheMisses,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

// Recorder feeds pipeline events into the collectors above.
type Recorder struct{}

func (Recorder) ObserveStage(stage string, d time.Duration, err error) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		StageErrors.WithLabelValues(stage).Inc()
	}
}

func (Recorder) ObserveRoute(route string) {
	RouteTotal.WithLabelValues(route).Inc()
}

func (Recorder) ObserveRetrieval(kindCounts map[string]int, maxLocalScore float64, vectorRan, globalFallback, lastResort bool) {
	for kind, n := range kindCounts {
		ChunksRetrieved.WithLabelValues(kind).Observe(float64(n))
	}
	if vectorRan {
		MaxLocalScore.Observe(maxLocalScore)
	}
	if globalFallback {
		GlobalFallbackTotal.Inc()
	}
	if lastResort {
		LastResortTotal.Inc()
	}
}

func (Recorder) ObserveRerank(reranked bool) {
	if reranked {
		RerankTotal.WithLabelValues("reranked").Inc()
		return
	}
	RerankTotal.WithLabelValues("skipped").Inc()
}

func (Recorder) ObserveQuery(approach string, d time.Duration, err error) {
	if err != nil {
		QueryTotal.WithLabelValues("error").Inc()
		return
	}
	QueryTotal.WithLabelValues("success").Inc()
	QueryDuration.WithLabelValues(approach).Observe(d.Seconds())
}

func (Recorder) RecordEmbeddingCache(hit bool) {
	if hit {
		CacheHits.WithLabelValues("embedding").Inc()
		return
	}
	CacheMisses.WithLabelValues("embedding").Inc()
}
