// Package metrics wires the process-wide prometheus counters/histograms:
// per-origin request/retry/rate-limit counts, per-run enrichment stats, and
// collection-cache/EPG sync outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediacatalog_requests_total",
		Help: "Outbound HTTP requests, by origin and error kind.",
	}, []string{"origin", "kind"})

	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediacatalog_retry_total",
		Help: "Outbound HTTP retries, by origin.",
	}, []string{"origin"})

	RetryByKind = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediacatalog_retry_by_kind_total",
		Help: "Outbound HTTP retries, by origin and error kind.",
	}, []string{"origin", "kind"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediacatalog_rate_limited_total",
		Help: "Requests that received a 429, by origin.",
	}, []string{"origin"})

	EnrichProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediacatalog_enrich_processed_total",
		Help: "Enrichment items processed, by outcome (synced|missing|failed).",
	}, []string{"outcome"})

	EnrichItemDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mediacatalog_enrich_item_duration_seconds",
		Help:    "Wall time to resolve and hydrate one enrichment item.",
		Buckets: prometheus.DefBuckets,
	})

	TmdbErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediacatalog_tmdb_errors_total",
		Help: "Collection cache refreshes that failed to reach the metadata API.",
	})

	CollectionCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediacatalog_collection_cache_total",
		Help: "Collection cache lookups, by state (fresh|stale|miss).",
	}, []string{"state"})

	EpgSyncErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediacatalog_epg_sync_errors_total",
		Help: "EPG source sync failures, by source id.",
	}, []string{"source_id"})

	EpgMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediacatalog_epg_matched_total",
		Help: "LiveStreams bound to an EPG channel by auto-match, by outcome (matched|unmatched).",
	}, []string{"outcome"})
)
