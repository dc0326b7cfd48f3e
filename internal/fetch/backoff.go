package fetch

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// BackoffPolicy computes jittered exponential retry delays.
type BackoffPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewBackoffPolicy builds a policy; non-positive arguments fall back to
// 250ms base and 5s cap.
func NewBackoffPolicy(base, max time.Duration) *BackoffPolicy {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 5 * time.Second
	}
	return &BackoffPolicy{baseDelay: base, maxDelay: max}
}

// Delay returns the wait duration before the next attempt. The exponential
// delay is capped at the max, then half of it is replaced with random jitter
// so synchronized callers spread out.
func (p *BackoffPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *BackoffPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
