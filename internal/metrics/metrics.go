// Package metrics registers the pipeline's prometheus collectors.
// Everything is registered once at init through promauto; callers
// import the exported collectors directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "roastwatch"

var (
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Jobs completed, by type and terminal state.",
	}, []string{"type", "state"})

	ProductsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "products_processed_total",
		Help:      "Products processed, by processing status.",
	}, []string{"status"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Wall time of one listing or product fetch.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})

	FetchPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_pages_total",
		Help:      "Listing pages fetched, by source.",
	}, []string{"source"})

	NotModified = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_not_modified_total",
		Help:      "Conditional fetches answered with 304.",
	})

	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_calls_total",
		Help:      "LLM provider calls, by field and outcome.",
	}, []string{"field", "outcome"})

	LLMCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_cache_hits_total",
		Help:      "LLM cache lookups that avoided a provider call.",
	}, []string{"field"})

	LLMTokens = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_tokens_total",
		Help:      "Tokens consumed across all LLM calls.",
	})

	ImageUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "image_uploads_total",
		Help:      "Image pipeline outcomes.",
	}, []string{"outcome"})

	WriteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "write_procedure_calls_total",
		Help:      "Write-path procedure calls, by procedure and outcome.",
	}, []string{"procedure", "outcome"})

	PriceSpikes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "price_spikes_total",
		Help:      "Variant price changes at or above the alert threshold.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Jobs currently queued.",
	})

	BackpressureCooldowns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backpressure_cooldowns_total",
		Help:      "Cooldowns armed or extended by write-path rate limiting.",
	})
)
