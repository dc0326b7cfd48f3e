package fetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayWithinJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := 5 * time.Second
	policy := NewBackoffPolicy(base, maxDelay)

	for attempt := 0; attempt < 5; attempt++ {
		full := base << attempt
		if full > maxDelay {
			full = maxDelay
		}
		for i := 0; i < 20; i++ {
			d := policy.Delay(attempt)
			assert.GreaterOrEqual(t, d, full/2, "attempt %d", attempt)
			assert.Less(t, d, full, "attempt %d", attempt)
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	policy := NewBackoffPolicy(time.Second, 2*time.Second)

	for i := 0; i < 20; i++ {
		d := policy.Delay(10)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 2*time.Second)
	}
}

func TestBackoffDefaults(t *testing.T) {
	policy := NewBackoffPolicy(0, 0)

	d := policy.Delay(0)
	assert.GreaterOrEqual(t, d, 125*time.Millisecond)
	assert.Less(t, d, 250*time.Millisecond)
}
