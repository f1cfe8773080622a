// Package metrics defines the Prometheus metric collectors used by the index
// engine and the services, and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the platform.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	ChunksAppendedTotal  *prometheus.CounterVec
	ChunkBytesTotal      *prometheus.CounterVec
	BlocksCreatedTotal   *prometheus.CounterVec
	CacheFlushesTotal    *prometheus.CounterVec
	CacheBytes           *prometheus.GaugeVec
	CacheDiscardsTotal   *prometheus.CounterVec
	BlockReadsTotal      *prometheus.CounterVec
	MergesTotal          *prometheus.CounterVec
	ListsMergedTotal     prometheus.Counter
	MergeDuration        prometheus.Histogram
	IndexerEventsTotal   *prometheus.CounterVec
	CircuitState         *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. A nil reg uses the
// global default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being served.",
			},
		),
		ChunksAppendedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plist_chunks_appended_total",
				Help: "Chunks appended to posting lists, by collection.",
			},
			[]string{"collection"},
		),
		ChunkBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plist_chunk_bytes_total",
				Help: "Posting bytes appended to posting lists, by collection.",
			},
			[]string{"collection"},
		),
		BlocksCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plist_blocks_created_total",
				Help: "Blocks created by appends, by collection.",
			},
			[]string{"collection"},
		),
		CacheFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plist_cache_flushes_total",
				Help: "Block cache flushes by collection and status.",
			},
			[]string{"collection", "status"},
		),
		CacheBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plist_cache_bytes",
				Help: "Chunk bytes buffered in the block cache since the last flush.",
			},
			[]string{"collection"},
		),
		CacheDiscardsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plist_cache_discarded_bytes_total",
				Help: "Unflushed bytes dropped when the cache switched lists or was cleared.",
			},
			[]string{"collection"},
		),
		BlockReadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plist_block_reads_total",
				Help: "Block reads by collection and source (cache, store, miss).",
			},
			[]string{"collection", "source"},
		),
		MergesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plist_merges_total",
				Help: "Index merges by status.",
			},
			[]string{"status"},
		),
		ListsMergedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plist_lists_merged_total",
				Help: "Posting lists folded from a delta index into a main index.",
			},
		),
		MergeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "plist_merge_duration_seconds",
				Help:    "Duration of a full index merge.",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),
		IndexerEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_events_total",
				Help: "Indexing events consumed, by type and result.",
			},
			[]string{"type", "result"},
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ChunksAppendedTotal,
		m.ChunkBytesTotal,
		m.BlocksCreatedTotal,
		m.CacheFlushesTotal,
		m.CacheBytes,
		m.CacheDiscardsTotal,
		m.BlockReadsTotal,
		m.MergesTotal,
		m.ListsMergedTotal,
		m.MergeDuration,
		m.IndexerEventsTotal,
		m.CircuitState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
