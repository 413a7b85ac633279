// Package metrics defines the Prometheus collectors Yatagarasu exposes at
// /metrics.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// microsecondBuckets are exponential buckets (microseconds) for the
// latency histograms the spec calls out as microsecond-resolution.
var microsecondBuckets = []float64{
	50, 100, 250, 500, 1000, 2500, 5000, 10000, 25000, 50000, 100000, 250000, 500000, 1000000,
}

// Counters.
var (
	RequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "yatagarasu_requests_total",
		Help: "Total client requests accepted by the pipeline.",
	})

	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yatagarasu_errors_total",
		Help: "Total requests that ended in an error, by error kind.",
	}, []string{"kind"})

	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yatagarasu_cache_hits_total",
		Help: "Cache hits by tier.",
	}, []string{"layer"})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "yatagarasu_cache_misses_total",
		Help: "Cache misses that required a full-miss origin fetch.",
	})

	CacheEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yatagarasu_cache_evictions_total",
		Help: "Cache evictions by tier.",
	}, []string{"layer"})

	S3OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yatagarasu_s3_operations_total",
		Help: "Origin operations issued, by operation.",
	}, []string{"op"})

	S3ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yatagarasu_s3_errors_total",
		Help: "Origin operation failures, by error kind.",
	}, []string{"kind"})

	S3RetryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yatagarasu_s3_retry_attempts_total",
		Help: "Retry attempts issued against an origin, by bucket.",
	}, []string{"bucket"})

	S3RetryExhaustedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yatagarasu_s3_retry_exhausted_total",
		Help: "Requests whose retry budget was exhausted, by bucket.",
	}, []string{"bucket"})

	CircuitBreakerOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yatagarasu_circuit_breaker_opened_total",
		Help: "Times a bucket's circuit breaker transitioned to open.",
	}, []string{"bucket"})

	ConfigReloadSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "yatagarasu_config_reload_success_total",
		Help: "Successful configuration reloads.",
	})

	ConfigReloadFailureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "yatagarasu_config_reload_failure_total",
		Help: "Configuration reloads rejected by validation.",
	})

	ConcurrencyLimitRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "yatagarasu_concurrency_limit_rejections_total",
		Help: "Requests rejected because the concurrency admission semaphore was full.",
	})

	SystemRouteRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "yatagarasu_system_route_requests_total",
		Help: "Requests other than /metrics scrapes, by normalized path (system routes by name, proxied paths by prefix) and status.",
	}, []string{"path", "status"})
)

// Gauges.
var (
	CacheSizeBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "yatagarasu_cache_size_bytes",
		Help: "Current bytes stored, by tier.",
	}, []string{"layer"})

	CacheItemsCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "yatagarasu_cache_items_count",
		Help: "Current item count, by tier.",
	}, []string{"layer"})

	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "yatagarasu_circuit_breaker_state",
		Help: "Circuit breaker state by bucket (0=closed, 1=half_open, 2=open).",
	}, []string{"bucket"})

	FileDescriptorsUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "yatagarasu_file_descriptors_used",
		Help: "Open file descriptors held by this process.",
	})

	ConfigGeneration = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "yatagarasu_config_generation",
		Help: "Active configuration generation counter.",
	})
)

// Histograms, all in microseconds per the latency budget this proxy is
// held to (the teacher's own HTTP histograms are in seconds; these use an
// explicit microsecond bucket set instead).
var (
	RequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "yatagarasu_request_duration_microseconds",
		Help:    "End-to-end request duration in microseconds.",
		Buckets: microsecondBuckets,
	})

	CacheGetDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "yatagarasu_cache_get_duration_microseconds",
		Help:    "Tiered cache Get duration in microseconds.",
		Buckets: microsecondBuckets,
	})

	CacheSetDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "yatagarasu_cache_set_duration_microseconds",
		Help:    "Tiered cache Put duration in microseconds.",
		Buckets: microsecondBuckets,
	})

	S3Latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "yatagarasu_s3_latency_microseconds",
		Help:    "Origin call latency in microseconds, across all attempts.",
		Buckets: microsecondBuckets,
	})
)

// Register registers every collector with the default registry. Must be
// called explicitly from main so registration stays conditional on
// configuration; safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal,
			ErrorsTotal,
			CacheHitsTotal,
			CacheMissesTotal,
			CacheEvictionsTotal,
			S3OperationsTotal,
			S3ErrorsTotal,
			S3RetryAttemptsTotal,
			S3RetryExhaustedTotal,
			CircuitBreakerOpenedTotal,
			ConfigReloadSuccessTotal,
			ConfigReloadFailureTotal,
			ConcurrencyLimitRejectionsTotal,
			SystemRouteRequestsTotal,
			CacheSizeBytes,
			CacheItemsCount,
			CircuitBreakerState,
			FileDescriptorsUsed,
			ConfigGeneration,
			RequestDuration,
			CacheGetDuration,
			CacheSetDuration,
			S3Latency,
		)
	})
}

// NormalizePath maps an actual request path to a normalized template
// label, so per-request paths never explode Prometheus label cardinality.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/metrics", "/admin/reload", "/docs", "/docs/", "/openapi.json":
		return path
	case "/", "":
		return "/"
	}

	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "/"
	}

	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return "/{prefix}"
	}
	if trimmed[idx+1:] == "" {
		return "/{prefix}"
	}
	return "/{prefix}/{key}"
}
