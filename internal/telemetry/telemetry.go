// Package telemetry exposes Prometheus collectors for the fetch engine.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchResultsTotal       *prometheus.CounterVec
	fetchAttemptsTotal      *prometheus.CounterVec
	fetchBytesTotal         *prometheus.CounterVec
	fetchDurationSeconds    *prometheus.HistogramVec
	cacheHitsTotal          prometheus.Counter
	cacheMissesTotal        prometheus.Counter
	cacheEvictionsTotal     prometheus.Counter
	cacheErrorsTotal        prometheus.Counter
	cacheSizeBytes          prometheus.Gauge
	cacheEntries            prometheus.Gauge
	proxyFailuresTotal      *prometheus.CounterVec
	proxyPoolState          *prometheus.GaugeVec
	rateLimitDelaysSeconds  *prometheus.HistogramVec
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDurationSecs *prometheus.HistogramVec
	fetchQueueDepth         prometheus.Gauge
	fetchActiveWorkers      prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_results_total",
				Help: "Terminal fetch outcomes, labeled by domain and outcome.",
			},
			[]string{"domain", "outcome"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_attempts_total",
				Help: "Individual network attempts, labeled by domain and status class.",
			},
			[]string{"domain", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_bytes_total",
				Help: "Total payload bytes fetched over the network, labeled by domain.",
			},
			[]string{"domain"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_duration_seconds",
				Help:    "Histogram of whole-fetch latencies, labeled by domain and outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain", "outcome"},
		)

		cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "fetch_cache_hits_total",
			Help: "Cache lookups answered without a network fetch.",
		})

		cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "fetch_cache_misses_total",
			Help: "Cache lookups that fell through to the network.",
		})

		cacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "fetch_cache_evictions_total",
			Help: "Entries evicted to stay under the cache size budget.",
		})

		cacheErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "fetch_cache_errors_total",
			Help: "Storage-layer faults absorbed as cache misses.",
		})

		cacheSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fetch_cache_size_bytes",
			Help: "Tracked size of all cached payloads.",
		})

		cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fetch_cache_entries",
			Help: "Number of entries currently cached.",
		})

		proxyFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_proxy_failures_total",
				Help: "Proxy-attributed failures, labeled by proxy address.",
			},
			[]string{"proxy"},
		)

		proxyPoolState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fetch_proxy_pool",
				Help: "Proxy pool composition, labeled by state.",
			},
			[]string{"state"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_rate_limit_delays_seconds",
				Help:    "Histogram of token bucket wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total admin API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of admin API latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		fetchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fetch_queue_depth",
			Help: "Requests waiting in the async fetch queue.",
		})

		fetchActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fetch_active_workers",
			Help: "Pool workers currently executing a fetch.",
		})
	})
}

// SanitizeDomain extracts a lowercase hostname for use as a metric label.
// It returns "unknown" if the input cannot be parsed.
func SanitizeDomain(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records a terminal fetch outcome with its total latency.
func ObserveFetch(domain, outcome string, bytesFetched int, duration time.Duration) {
	d := SanitizeDomain(domain)
	fetchResultsTotal.WithLabelValues(d, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(d, outcome).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(d).Add(float64(bytesFetched))
	}
}

// ObserveAttempt records a single network attempt by HTTP status class.
func ObserveAttempt(domain, status string) {
	fetchAttemptsTotal.WithLabelValues(SanitizeDomain(domain), status).Inc()
}

// ObserveCacheHit increments the cache hit counter.
func ObserveCacheHit() { cacheHitsTotal.Inc() }

// ObserveCacheMiss increments the cache miss counter.
func ObserveCacheMiss() { cacheMissesTotal.Inc() }

// ObserveCacheEvictions adds n to the eviction counter.
func ObserveCacheEvictions(n int) {
	if n > 0 {
		cacheEvictionsTotal.Add(float64(n))
	}
}

// ObserveCacheError increments the absorbed storage fault counter.
func ObserveCacheError() { cacheErrorsTotal.Inc() }

// SetCacheSize publishes the tracked cache size and entry count.
func SetCacheSize(sizeBytes int64, entries int) {
	cacheSizeBytes.Set(float64(sizeBytes))
	cacheEntries.Set(float64(entries))
}

// ObserveProxyFailure increments the failure counter for one proxy.
func ObserveProxyFailure(proxy string) {
	proxyFailuresTotal.WithLabelValues(proxy).Inc()
}

// SetProxyPool publishes the pool composition by state.
func SetProxyPool(active, open, removed int) {
	proxyPoolState.WithLabelValues("active").Set(float64(active))
	proxyPoolState.WithLabelValues("circuit_open").Set(float64(open))
	proxyPoolState.WithLabelValues("removed").Set(float64(removed))
}

// ObserveRateLimitDelay records the duration of a token bucket wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(SanitizeDomain(domain)).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the admin API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecs.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetQueueDepth publishes the async queue backlog.
func SetQueueDepth(n int) { fetchQueueDepth.Set(float64(n)) }

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() { fetchActiveWorkers.Inc() }

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() { fetchActiveWorkers.Dec() }
