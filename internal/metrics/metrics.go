package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 60, 300},
	}, []string{"method", "path"})

	UpstreamRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "upstream_requests_total",
		Help:      "Total requests to the upstream catalog by operation and result status.",
	}, []string{"operation", "status"})

	UpstreamRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "upstream_request_duration_seconds",
		Help:      "Upstream catalog request duration in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"operation"})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "stream_cache_hits_total",
		Help:      "Total number of stream cache hits.",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "stream_cache_misses_total",
		Help:      "Total number of stream cache misses.",
	})

	CacheStoresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "stream_cache_stores_total",
		Help:      "Total number of resolved stream links written to the cache.",
	})

	ActiveTranscoders = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "active_transcoders",
		Help:      "Number of transcoder processes currently running.",
	})

	RelayedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "relayed_bytes_total",
		Help:      "Total MP3 bytes relayed to clients.",
	})

	AccessLogEntriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "access_log_entries_total",
		Help:      "Total access log entries by action.",
	}, []string{"action"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		UpstreamRequestsTotal,
		UpstreamRequestDuration,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheStoresTotal,
		ActiveTranscoders,
		RelayedBytesTotal,
		AccessLogEntriesTotal,
	)
}
