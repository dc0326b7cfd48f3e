// Package proxy rotates outbound proxies, tracks their health, and isolates
// failing endpoints behind a circuit breaker with background revalidation.
package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// State describes where a proxy sits in its health lifecycle.
type State string

// Proxy lifecycle states.
const (
	StateActive  State = "active"
	StateOpen    State = "circuit_open"
	StateRemoved State = "removed"
)

// Proxy is one outbound endpoint. The URL and transport are immutable after
// construction; health fields are owned and serialized by the Manager.
type Proxy struct {
	url       *url.URL
	transport *http.Transport

	successes    int64
	failures     int64
	streak       int
	latencies    []time.Duration
	avgLatency   time.Duration
	lastCheck    time.Time
	state        State
	failedRounds int
}

// newProxy parses addr and builds the per-proxy transport so connection
// pools never leak between endpoints.
func newProxy(addr string) (*Proxy, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", addr, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("proxy %q must include scheme and host", addr)
	}
	return &Proxy{
		url: u,
		transport: &http.Transport{
			Proxy:                 http.ProxyURL(u),
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
		state: StateActive,
	}, nil
}

// Address returns the proxy URL with credentials redacted.
func (p *Proxy) Address() string {
	return p.url.Redacted()
}

// Transport returns the http.RoundTripper that routes through this proxy.
func (p *Proxy) Transport() http.RoundTripper {
	return p.transport
}

// Stats is a read-only snapshot of one proxy's health.
type Stats struct {
	Address    string        `json:"address"`
	State      State         `json:"state"`
	Successes  int64         `json:"successes"`
	Failures   int64         `json:"failures"`
	Streak     int           `json:"failure_streak"`
	AvgLatency time.Duration `json:"avg_latency_ns"`
	LastCheck  time.Time     `json:"last_check"`
}

// PoolStats aggregates the pool composition plus per-proxy stats.
type PoolStats struct {
	Size    int     `json:"size"`
	Active  int     `json:"active"`
	Open    int     `json:"circuit_open"`
	Removed int     `json:"removed"`
	Proxies []Stats `json:"proxies"`
}

// Requirements filters Next to proxies meeting quality thresholds. Zero
// values disable the corresponding check.
type Requirements struct {
	MaxAvgLatency time.Duration
	MaxFailures   int
}
