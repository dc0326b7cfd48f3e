package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nyimbi/fetchkit/internal/events"
)

// PrometheusSink exports request-lifecycle metrics via Prometheus. It owns all
// collectors for fetches started/completed/in-flight plus retry, cache-hit,
// and proxy-failure counters derived from the event stream.
type PrometheusSink struct {
	fetchesStarted   prometheus.Counter
	fetchesCompleted *prometheus.CounterVec
	fetchesInFlight  prometheus.Gauge
	fetchRuntime     *prometheus.HistogramVec

	retries       prometheus.Counter
	cacheHits     prometheus.Counter
	proxyFailures prometheus.Counter
	rateWaits     prometheus.Histogram

	tracker *requestTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		fetchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetch_lifecycle_started_total",
			Help: "Total fetch requests that have started.",
		}),
		fetchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_lifecycle_completed_total",
			Help: "Total fetch requests completed partitioned by result.",
		}, []string{"result"}),
		fetchesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fetch_lifecycle_in_flight",
			Help: "Current number of in-flight fetch requests.",
		}),
		fetchRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fetch_lifecycle_runtime_seconds",
			Help:    "Wall time per completed fetch request.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetch_lifecycle_retries_total",
			Help: "Total retry attempts across all fetch requests.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetch_lifecycle_cache_hits_total",
			Help: "Fetch requests answered from the cache.",
		}),
		proxyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetch_lifecycle_proxy_failures_total",
			Help: "Proxy failures observed during fetch attempts.",
		}),
		rateWaits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fetch_lifecycle_rate_wait_seconds",
			Help:    "Time spent waiting on per-domain rate limits.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		}),
		tracker: newRequestTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.fetchesStarted,
		s.fetchesCompleted,
		s.fetchesInFlight,
		s.fetchRuntime,
		s.retries,
		s.cacheHits,
		s.proxyFailures,
		s.rateWaits,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Kind {
	case events.KindFetchStart:
		s.fetchesStarted.Inc()
		if s.tracker.start(evt.RequestID) {
			s.fetchesInFlight.Inc()
		}
	case events.KindFetchDone:
		s.complete(evt, "success")
	case events.KindFetchError:
		s.complete(evt, "error")
	case events.KindCacheHit:
		s.cacheHits.Inc()
	case events.KindRetry:
		s.retries.Inc()
	case events.KindProxyFailure:
		s.proxyFailures.Inc()
	case events.KindRateWait:
		if evt.Dur > 0 {
			s.rateWaits.Observe(evt.Dur.Seconds())
		}
	}
}

func (s *PrometheusSink) complete(evt events.Event, result string) {
	s.fetchesCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.fetchRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RequestID) {
		s.fetchesInFlight.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type requestTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRequestTracker() *requestTracker {
	return &requestTracker{running: make(map[string]struct{})}
}

func (t *requestTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *requestTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
