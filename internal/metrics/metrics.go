// Package metrics exposes prometheus collectors for the feed caches.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "squibs_cache_hits_total",
		Help: "Focus events served from a fresh cache",
	}, []string{"feed"})
	CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "squibs_cache_misses_total",
		Help: "Focus events that needed a network refresh",
	}, []string{"feed"})
	StaleCompletionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "squibs_stale_completions_total",
		Help: "Fetch completions discarded because a newer request was issued",
	}, []string{"feed", "op"})
	FetchErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "squibs_fetch_errors_total",
		Help: "Failed page fetches",
	}, []string{"feed", "op"})
	DroppedItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "squibs_dropped_items_total",
		Help: "Malformed items dropped during normalization",
	}, []string{"feed"})
	FetchDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "squibs_fetch_duration_ms",
		Help:    "Page fetch duration in milliseconds",
		Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000},
	}, []string{"feed", "op"})
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call twice.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(CacheHitsTotal)
		prometheus.MustRegister(CacheMissesTotal)
		prometheus.MustRegister(StaleCompletionsTotal)
		prometheus.MustRegister(FetchErrorsTotal)
		prometheus.MustRegister(DroppedItemsTotal)
		prometheus.MustRegister(FetchDurationMs)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
