package fetch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/nyimbi/fetchkit/internal/cache"
	"github.com/nyimbi/fetchkit/internal/proxy"
	"github.com/nyimbi/fetchkit/internal/ratelimit"
)

// Request describes one fetch to perform.
type Request struct {
	// ID correlates events and results; one is generated when empty.
	ID string `json:"id,omitempty"`
	// URL is the absolute http(s) target.
	URL string `json:"url"`
	// TTL overrides the cache default for the stored result; zero keeps it.
	TTL time.Duration `json:"ttl,omitempty"`
	// BypassCache skips the cache read. The result is still written back.
	BypassCache bool `json:"bypass_cache,omitempty"`
	// Requirements optionally constrains proxy selection.
	Requirements *proxy.Requirements `json:"requirements,omitempty"`
	// Header carries extra request headers.
	Header http.Header `json:"header,omitempty"`
}

// Result is the outcome of a completed fetch.
type Result struct {
	RequestID   string        `json:"request_id"`
	URL         string        `json:"url"`
	FinalURL    string        `json:"final_url"`
	StatusCode  int           `json:"status_code"`
	Headers     http.Header   `json:"headers,omitempty"`
	Body        []byte        `json:"-"`
	Hash        string        `json:"hash"`
	ContentType string        `json:"content_type,omitempty"`
	Attempts    int           `json:"attempts"`
	Elapsed     time.Duration `json:"elapsed"`
	FetchedAt   time.Time     `json:"fetched_at"`
	FromCache   bool          `json:"from_cache"`
	Proxy       string        `json:"proxy,omitempty"`
}

// Limiter gates requests per domain.
type Limiter interface {
	Acquire(ctx context.Context, domain string) error
	Snapshot() []ratelimit.DomainStats
}

// ProxyPool hands out proxies and records their outcomes.
type ProxyPool interface {
	Next(req *proxy.Requirements) (*proxy.Proxy, error)
	MarkSuccess(p *proxy.Proxy, latency time.Duration)
	MarkFailed(p *proxy.Proxy, cause error)
	Snapshot() proxy.PoolStats
}

// Cache stores validated payloads keyed by normalized URL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration)
	Stats() cache.Stats
}

// Validator inspects fetched payloads before they are cached. A nil error
// accepts the payload; any error rejects it.
type Validator interface {
	Validate(ctx context.Context, payload []byte, url string) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, payload []byte, url string) error

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, payload []byte, url string) error {
	return f(ctx, payload, url)
}

// Archiver persists payloads to blob storage, returning a location.
type Archiver interface {
	Save(ctx context.Context, key string, data []byte) (string, error)
}

// Hasher computes digests for deduplication and integrity.
type Hasher interface {
	Hash(data []byte) string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// IDGenerator produces request IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// ErrSourceClosed reports that a Source has been closed and drained.
// Pool workers treat it as a normal shutdown signal.
var ErrSourceClosed = errors.New("fetch: source closed")

// Source supplies queued requests to the worker pool.
type Source interface {
	Dequeue(ctx context.Context) (Request, error)
}
