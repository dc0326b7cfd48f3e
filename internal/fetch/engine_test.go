package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nyimbi/fetchkit/internal/cache"
	"github.com/nyimbi/fetchkit/internal/cache/memory"
	"github.com/nyimbi/fetchkit/internal/clock/system"
	"github.com/nyimbi/fetchkit/internal/events"
	"github.com/nyimbi/fetchkit/internal/hash/sha256"
	"github.com/nyimbi/fetchkit/internal/id/uuid"
	"github.com/nyimbi/fetchkit/internal/proxy"
	"github.com/nyimbi/fetchkit/internal/ratelimit"
	"github.com/nyimbi/fetchkit/internal/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

// MockLimiter is a mock implementation of the Limiter interface.
type MockLimiter struct {
	mock.Mock
}

func (m *MockLimiter) Acquire(ctx context.Context, domain string) error {
	args := m.Called(ctx, domain)
	return args.Error(0)
}

func (m *MockLimiter) Snapshot() []ratelimit.DomainStats {
	args := m.Called()
	stats, _ := args.Get(0).([]ratelimit.DomainStats)
	return stats
}

// MockProxyPool is a mock implementation of the ProxyPool interface.
type MockProxyPool struct {
	mock.Mock
}

func (m *MockProxyPool) Next(req *proxy.Requirements) (*proxy.Proxy, error) {
	args := m.Called(req)
	p, _ := args.Get(0).(*proxy.Proxy)
	return p, args.Error(1)
}

func (m *MockProxyPool) MarkSuccess(p *proxy.Proxy, latency time.Duration) {
	m.Called(p, latency)
}

func (m *MockProxyPool) MarkFailed(p *proxy.Proxy, cause error) {
	m.Called(p, cause)
}

func (m *MockProxyPool) Snapshot() proxy.PoolStats {
	args := m.Called()
	stats, _ := args.Get(0).(proxy.PoolStats)
	return stats
}

// MockValidator is a mock implementation of the Validator interface.
type MockValidator struct {
	mock.Mock
}

func (m *MockValidator) Validate(ctx context.Context, payload []byte, url string) error {
	args := m.Called(ctx, payload, url)
	return args.Error(0)
}

// MockArchiver is a mock implementation of the Archiver interface.
type MockArchiver struct {
	mock.Mock
}

func (m *MockArchiver) Save(ctx context.Context, key string, data []byte) (string, error) {
	args := m.Called(ctx, key, data)
	return args.String(0), args.Error(1)
}

// recordingEmitter collects every emitted event for later inspection.
type recordingEmitter struct {
	mu   sync.Mutex
	evts []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evts = append(r.evts, evt)
}

func (r *recordingEmitter) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]events.Kind, 0, len(r.evts))
	for _, evt := range r.evts {
		kinds = append(kinds, evt.Kind)
	}
	return kinds
}

func (r *recordingEmitter) count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.evts {
		if evt.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recordingEmitter) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evts...)
}

func allowAllLimiter() *MockLimiter {
	l := new(MockLimiter)
	l.On("Acquire", mock.Anything, mock.Anything).Return(nil)
	return l
}

func fastConfig() Config {
	return Config{
		Timeout:        5 * time.Second,
		MaxRetries:     2,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, cfg Config, deps Dependencies) *Engine {
	t.Helper()
	if deps.Limiter == nil {
		deps.Limiter = allowAllLimiter()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	engine, err := NewEngine(cfg, deps)
	require.NoError(t, err)
	return engine
}

func newTestCache(t *testing.T) *cache.Manager {
	t.Helper()
	mgr, err := cache.NewManager(context.Background(), memory.NewStore(),
		cache.Options{MaxSize: 1 << 20}, system.New(), sha256.New(), zap.NewNop())
	require.NoError(t, err)
	return mgr
}

func TestNewEngineValidation(t *testing.T) {
	clk := system.New()
	hasher := sha256.New()
	ids := uuid.New()

	_, err := NewEngine(Config{}, Dependencies{Clock: clk, Hasher: hasher, IDs: ids})
	require.Error(t, err)

	_, err = NewEngine(Config{}, Dependencies{Limiter: allowAllLimiter(), Hasher: hasher, IDs: ids})
	require.Error(t, err)

	_, err = NewEngine(Config{}, Dependencies{Limiter: allowAllLimiter(), Clock: clk, IDs: ids})
	require.Error(t, err)

	_, err = NewEngine(Config{}, Dependencies{Limiter: allowAllLimiter(), Clock: clk, Hasher: hasher})
	require.Error(t, err)

	engine, err := NewEngine(Config{}, Dependencies{Limiter: allowAllLimiter(), Clock: clk, Hasher: hasher, IDs: ids})
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, engine.cfg.Timeout)
	assert.Equal(t, 2, engine.cfg.MaxRetries)
	assert.Equal(t, int64(5<<20), engine.cfg.MaxBodyBytes)
	assert.Equal(t, "fetchkit/1.0", engine.cfg.UserAgent)
}

func TestEngineFetchSuccess(t *testing.T) {
	body := "<html><body>quarterly figures</body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "fetchkit/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	limiter := allowAllLimiter()
	validator := new(MockValidator)
	validator.On("Validate", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	saved := make(chan string, 1)
	archiver := new(MockArchiver)
	archiver.On("Save", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { saved <- args.String(1) }).
		Return("mem://archive/pages", nil)
	emitter := new(recordingEmitter)

	engine := newTestEngine(t, fastConfig(), Dependencies{
		Limiter:   limiter,
		Cache:     newTestCache(t),
		Validator: validator,
		Archiver:  archiver,
		Emitter:   emitter,
	})

	res, err := engine.Fetch(context.Background(), Request{URL: srv.URL + "/page"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, body, string(res.Body))
	assert.Equal(t, sha256.New().Hash(res.Body), res.Hash)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.FromCache)
	assert.Equal(t, "text/html; charset=utf-8", res.ContentType)
	assert.Equal(t, srv.URL+"/page", res.FinalURL)
	assert.NotEmpty(t, res.RequestID)

	select {
	case key := <-saved:
		assert.Equal(t, res.Hash[:2]+"/"+res.Hash, key)
	case <-time.After(2 * time.Second):
		t.Fatal("archive write never happened")
	}

	kinds := emitter.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, events.KindFetchStart, kinds[0])
	assert.Equal(t, events.KindFetchDone, kinds[len(kinds)-1])
	validator.AssertCalled(t, "Validate", mock.Anything, []byte(body), mock.Anything)
	limiter.AssertNumberOfCalls(t, "Acquire", 1)
}

func TestEngineRetriesUntilAttemptsSpent(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	limiter := allowAllLimiter()
	emitter := new(recordingEmitter)
	engine := newTestEngine(t, fastConfig(), Dependencies{Limiter: limiter, Emitter: emitter})

	_, err := engine.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, 3, netErr.Attempts)
	assert.Equal(t, http.StatusInternalServerError, netErr.Status)
	assert.EqualValues(t, 3, hits.Load())
	limiter.AssertNumberOfCalls(t, "Acquire", 3)
	assert.Equal(t, 3, emitter.count(events.KindProxyFailure))
	assert.Equal(t, 2, emitter.count(events.KindRetry))
	assert.Equal(t, 1, emitter.count(events.KindFetchError))
}

func TestEngineRecoversAfterTransientFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("finally"))
	}))
	defer srv.Close()

	engine := newTestEngine(t, fastConfig(), Dependencies{Limiter: allowAllLimiter()})

	res, err := engine.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "finally", string(res.Body))
}

func TestEngineCacheHitSkipsNetwork(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("cached body"))
	}))
	defer srv.Close()

	emitter := new(recordingEmitter)
	engine := newTestEngine(t, fastConfig(), Dependencies{
		Limiter: allowAllLimiter(),
		Cache:   newTestCache(t),
		Emitter: emitter,
	})

	first, err := engine.Fetch(context.Background(), Request{URL: srv.URL + "/doc?b=2&a=1"})
	require.NoError(t, err)
	require.False(t, first.FromCache)

	// Equivalent spelling of the same URL must hit the same cache key.
	second, err := engine.Fetch(context.Background(), Request{URL: srv.URL + "/doc?a=1&b=2"})
	require.NoError(t, err)

	assert.EqualValues(t, 1, hits.Load())
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, 1, emitter.count(events.KindCacheHit))
	assert.Equal(t, 2, emitter.count(events.KindFetchDone))
}

func TestEngineBypassCacheRefetches(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	engine := newTestEngine(t, fastConfig(), Dependencies{
		Limiter: allowAllLimiter(),
		Cache:   newTestCache(t),
	})

	_, err := engine.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)

	res, err := engine.Fetch(context.Background(), Request{URL: srv.URL, BypassCache: true})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.EqualValues(t, 2, hits.Load())

	// The bypassed fetch still refreshed the cache.
	third, err := engine.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.True(t, third.FromCache)
	assert.EqualValues(t, 2, hits.Load())
}

func TestEngineProxyExhaustedTerminal(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	pool := new(MockProxyPool)
	pool.On("Next", mock.Anything).Return(nil, proxy.ErrExhausted)
	limiter := allowAllLimiter()
	engine := newTestEngine(t, fastConfig(), Dependencies{Limiter: limiter, Proxies: pool})

	_, err := engine.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.ErrorIs(t, err, proxy.ErrExhausted)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.EqualValues(t, 0, hits.Load())
	pool.AssertNumberOfCalls(t, "Next", 1)
	limiter.AssertNumberOfCalls(t, "Acquire", 1)
}

func TestEngineRoutesThroughProxy(t *testing.T) {
	var proxied atomic.Int64
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied.Add(1)
		assert.Equal(t, "upstream.test", r.Host)
		_, _ = w.Write([]byte("via proxy"))
	}))
	defer proxySrv.Close()

	manager, err := proxy.New(proxy.Config{Proxies: []string{proxySrv.URL}}, nil, zap.NewNop())
	require.NoError(t, err)

	engine := newTestEngine(t, fastConfig(), Dependencies{Limiter: allowAllLimiter(), Proxies: manager})

	res, err := engine.Fetch(context.Background(), Request{URL: "http://upstream.test/data"})
	require.NoError(t, err)
	assert.Equal(t, "via proxy", string(res.Body))
	assert.EqualValues(t, 1, proxied.Load())
	assert.Equal(t, proxySrv.URL, res.Proxy)

	snap := manager.Snapshot()
	require.Len(t, snap.Proxies, 1)
	assert.EqualValues(t, 1, snap.Proxies[0].Successes)
}

func TestEngineOpensProxyCircuitAfterRepeatedFailures(t *testing.T) {
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer proxySrv.Close()

	manager, err := proxy.New(proxy.Config{Proxies: []string{proxySrv.URL}, MaxFailures: 3}, nil, zap.NewNop())
	require.NoError(t, err)

	emitter := new(recordingEmitter)
	engine := newTestEngine(t, fastConfig(), Dependencies{
		Limiter: allowAllLimiter(),
		Proxies: manager,
		Emitter: emitter,
	})

	_, err = engine.Fetch(context.Background(), Request{URL: "http://upstream.test/data"})
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusInternalServerError, netErr.Status)
	assert.Equal(t, 3, emitter.count(events.KindProxyFailure))

	snap := manager.Snapshot()
	assert.Equal(t, 1, snap.Open)
	assert.Equal(t, 0, snap.Active)

	// With the only proxy circuit-open the pool is exhausted.
	_, err = engine.Fetch(context.Background(), Request{URL: "http://upstream.test/data"})
	assert.ErrorIs(t, err, proxy.ErrExhausted)
}

func TestEngineValidatorRejectionNotCached(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("<html>placeholder page</html>"))
	}))
	defer srv.Close()

	validator := new(MockValidator)
	validator.On("Validate", mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("no price table found"))
	cacheMgr := newTestCache(t)
	engine := newTestEngine(t, fastConfig(), Dependencies{
		Limiter:   allowAllLimiter(),
		Cache:     cacheMgr,
		Validator: validator,
	})

	_, err := engine.Fetch(context.Background(), Request{URL: srv.URL})
	var rejected *ContentRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "no price table")
	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, 0, cacheMgr.Stats().Entries)

	// Rejected payloads are not cached, so the next fetch goes out again.
	_, err = engine.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestEngineOversizedBodyRejected(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxBodyBytes = 16
	engine := newTestEngine(t, cfg, Dependencies{Limiter: allowAllLimiter()})

	_, err := engine.Fetch(context.Background(), Request{URL: srv.URL})
	var rejected *ContentRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "exceeds 16 bytes")
	assert.EqualValues(t, 1, hits.Load())
}

func TestEngineLimiterDeniedPropagates(t *testing.T) {
	limiter := new(MockLimiter)
	limiter.On("Acquire", mock.Anything, mock.Anything).Return(context.Canceled)
	engine := newTestEngine(t, fastConfig(), Dependencies{Limiter: limiter})

	_, err := engine.Fetch(context.Background(), Request{URL: "http://example.com/"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngineCancelDuringBackoff(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.BackoffInitial = 2 * time.Second
	cfg.BackoffMax = 4 * time.Second
	engine := newTestEngine(t, cfg, Dependencies{Limiter: allowAllLimiter()})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := engine.Fetch(ctx, Request{URL: srv.URL})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, hits.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestEngineRequestIDPreserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	emitter := new(recordingEmitter)
	engine := newTestEngine(t, fastConfig(), Dependencies{Limiter: allowAllLimiter(), Emitter: emitter})

	res, err := engine.Fetch(context.Background(), Request{ID: "req-42", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "req-42", res.RequestID)
	for _, evt := range emitter.snapshot() {
		assert.Equal(t, "req-42", evt.RequestID)
	}
}

func TestEngineInvalidURL(t *testing.T) {
	engine := newTestEngine(t, fastConfig(), Dependencies{Limiter: allowAllLimiter()})

	for _, raw := range []string{"ftp://example.com/x", "http://", "not-a-url"} {
		_, err := engine.Fetch(context.Background(), Request{URL: raw})
		assert.Error(t, err, raw)
	}
}

func TestEngineStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("stats"))
	}))
	defer srv.Close()

	limiter := ratelimit.New(ratelimit.Config{PerSecond: 50})
	cacheMgr := newTestCache(t)
	engine := newTestEngine(t, fastConfig(), Dependencies{Limiter: limiter, Cache: cacheMgr})

	_, err := engine.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)

	cs := engine.CacheStats()
	assert.Equal(t, 1, cs.Entries)
	assert.EqualValues(t, 1, cs.Misses)

	rs := engine.RateStats()
	require.Len(t, rs, 1)
	assert.Equal(t, "127.0.0.1", rs[0].Domain)

	assert.Equal(t, proxy.PoolStats{}, engine.ProxyStats())

	bare := newTestEngine(t, fastConfig(), Dependencies{Limiter: allowAllLimiter()})
	assert.Equal(t, cache.Stats{}, bare.CacheStats())

	pool := new(MockProxyPool)
	pool.On("Snapshot").Return(proxy.PoolStats{Size: 2, Active: 1, Open: 1})
	withPool := newTestEngine(t, fastConfig(), Dependencies{Limiter: limiter, Proxies: pool})
	assert.Equal(t, 2, withPool.ProxyStats().Size)
}

func TestNetworkErrorFormat(t *testing.T) {
	err := &NetworkError{URL: "http://example.com/", Attempts: 3, Status: 502}
	assert.Equal(t, "fetch http://example.com/: failed after 3 attempts, last status 502", err.Error())

	cause := errors.New("connection refused")
	err = &NetworkError{URL: "http://example.com/", Attempts: 2, cause: cause}
	assert.Equal(t, "fetch http://example.com/: failed after 2 attempts: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)

	rejected := &ContentRejectedError{URL: "http://example.com/", Reason: "empty body"}
	assert.Equal(t, "content rejected for http://example.com/: empty body", rejected.Error())
}
