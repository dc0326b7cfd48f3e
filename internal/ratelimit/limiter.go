// Package ratelimit implements per-domain token bucket admission control.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nyimbi/fetchkit/internal/telemetry"
)

// DomainRate configures the bucket for one domain.
type DomainRate struct {
	PerSecond float64
	Burst     int
}

// Config holds limiter configuration. A zero or negative Burst defaults to
// the ceiling of the per-second rate, so a full period of tokens can
// accumulate.
type Config struct {
	PerSecond float64
	Burst     int
	PerDomain map[string]DomainRate
}

// DomainStats is a read-only view of one bucket.
type DomainStats struct {
	Domain    string  `json:"domain"`
	PerSecond float64 `json:"per_second"`
	Burst     int     `json:"burst"`
	Tokens    float64 `json:"tokens"`
}

// Limiter manages one token bucket per domain. Buckets are created lazily on
// first use and live for the process lifetime.
type Limiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	defaults  DomainRate
	overrides map[string]DomainRate
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	defaults := DomainRate{PerSecond: cfg.PerSecond, Burst: cfg.Burst}
	if defaults.PerSecond <= 0 {
		defaults.PerSecond = 1
	}
	overrides := make(map[string]DomainRate, len(cfg.PerDomain))
	for domain, dr := range cfg.PerDomain {
		overrides[domain] = dr
	}
	return &Limiter{
		limiters:  make(map[string]*rate.Limiter),
		defaults:  defaults,
		overrides: overrides,
	}
}

// Acquire blocks until a token is available for domain, or until ctx ends.
// The only error it returns is the wrapped context error, so callers can
// discriminate cancellation with errors.Is.
func (l *Limiter) Acquire(ctx context.Context, domain string) error {
	limiter := l.bucket(domain)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", domain, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

// TryAcquire consumes a token without waiting. It returns false when the
// minimum inter-request interval for domain has not elapsed.
func (l *Limiter) TryAcquire(domain string) bool {
	return l.bucket(domain).Allow()
}

// UpdateRate atomically swaps the limit and burst for domain. Accumulated
// tokens are clamped to the new burst rather than reset.
func (l *Limiter) UpdateRate(domain string, perSecond float64, burst int) {
	dr := normalize(DomainRate{PerSecond: perSecond, Burst: burst})

	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[domain] = dr
	if limiter, ok := l.limiters[domain]; ok {
		limiter.SetLimit(rate.Limit(dr.PerSecond))
		limiter.SetBurst(dr.Burst)
	}
}

// Snapshot returns per-domain bucket stats sorted by domain name.
func (l *Limiter) Snapshot() []DomainStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := make([]DomainStats, 0, len(l.limiters))
	for domain, limiter := range l.limiters {
		stats = append(stats, DomainStats{
			Domain:    domain,
			PerSecond: float64(limiter.Limit()),
			Burst:     limiter.Burst(),
			Tokens:    limiter.Tokens(),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Domain < stats[j].Domain })
	return stats
}

// bucket returns the limiter for domain, creating it on first use.
func (l *Limiter) bucket(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limiter, ok := l.limiters[domain]; ok {
		return limiter
	}
	dr, ok := l.overrides[domain]
	if !ok {
		dr = l.defaults
	}
	dr = normalize(dr)
	limiter := rate.NewLimiter(rate.Limit(dr.PerSecond), dr.Burst)
	l.limiters[domain] = limiter
	return limiter
}

func normalize(dr DomainRate) DomainRate {
	if dr.PerSecond <= 0 {
		dr.PerSecond = 1
	}
	if dr.Burst <= 0 {
		dr.Burst = int(math.Ceil(dr.PerSecond))
	}
	return dr
}
