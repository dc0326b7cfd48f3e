// Package system provides the wall-clock implementation injected into
// components that track entry ages, latencies, and refill times.
package system

import "time"

// Clock reports real time in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since returns the elapsed wall time since t.
func (Clock) Since(t time.Time) time.Duration {
	return time.Now().UTC().Sub(t)
}
