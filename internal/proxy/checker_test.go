package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// proxyRecorder plays the role of a forward proxy: it receives the
// absolute-form request the transport sends and records it.
type proxyRecorder struct {
	mu        sync.Mutex
	requests  []string
	userAgent string
	status    int
	delay     time.Duration
}

func (p *proxyRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.requests = append(p.requests, r.RequestURI)
	p.userAgent = r.Header.Get("User-Agent")
	p.mu.Unlock()

	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	status := p.status
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func newCheckerFixture(t *testing.T, rec *proxyRecorder) *Proxy {
	t.Helper()
	ts := httptest.NewServer(rec)
	t.Cleanup(ts.Close)

	p, err := newProxy(ts.URL)
	require.NoError(t, err)
	return p
}

func TestHTTPCheckerSuccess(t *testing.T) {
	t.Parallel()

	rec := &proxyRecorder{}
	p := newCheckerFixture(t, rec)

	checker := NewHTTPChecker("http://origin.invalid/health", "fetchkit-test/1.0")
	latency, err := checker.Check(context.Background(), p)
	require.NoError(t, err)
	require.Greater(t, latency, time.Duration(0))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.requests, 1)
	require.Equal(t, "http://origin.invalid/health", rec.requests[0],
		"probe must be routed through the proxy in absolute form")
	require.Equal(t, "fetchkit-test/1.0", rec.userAgent)
}

func TestHTTPCheckerBadStatus(t *testing.T) {
	t.Parallel()

	rec := &proxyRecorder{status: http.StatusBadGateway}
	p := newCheckerFixture(t, rec)

	checker := NewHTTPChecker("http://origin.invalid/health", "")
	_, err := checker.Check(context.Background(), p)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected status 502")
}

func TestHTTPCheckerTimeout(t *testing.T) {
	t.Parallel()

	rec := &proxyRecorder{delay: 300 * time.Millisecond}
	p := newCheckerFixture(t, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	checker := NewHTTPChecker("http://origin.invalid/health", "")
	_, err := checker.Check(ctx, p)
	require.Error(t, err)
}
