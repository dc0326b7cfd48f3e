package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes the lifecycle milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindFetchStart   Kind = "FETCH_START"
	KindCacheHit     Kind = "CACHE_HIT"
	KindRateWait     Kind = "RATE_WAIT"
	KindProxyFailure Kind = "PROXY_FAILURE"
	KindRetry        Kind = "RETRY"
	KindFetchDone    Kind = "FETCH_DONE"
	KindFetchError   Kind = "FETCH_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone in the life of a fetch request.
type Event struct {
	// RequestID ties every event of one fetch together.
	RequestID string `json:"request_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Kind denotes which milestone occurred.
	Kind Kind `json:"kind"`
	// Domain scopes the event to the target host.
	Domain string `json:"domain,omitempty"`
	// URL is the optional page URL; it should not contain credentials.
	URL string `json:"url,omitempty"`
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass `json:"status_class,omitempty"`
	// Attempt is the zero-based attempt number the event belongs to.
	Attempt int `json:"attempt,omitempty"`
	// Bytes carries the response size for completed fetches.
	Bytes int64 `json:"bytes,omitempty"`
	// Dur captures wait or execution latency.
	Dur time.Duration `json:"duration,omitempty"`
	// Proxy is the redacted address of the proxy involved, when any.
	Proxy string `json:"proxy,omitempty"`
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RequestID == "" {
		return errors.New("request id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindCacheHit, KindRateWait, KindProxyFailure, KindRetry, KindFetchError:
	case KindFetchStart:
		if e.Domain == "" {
			return errors.New("fetch start requires domain")
		}
	case KindFetchDone:
		if e.Domain == "" {
			return errors.New("fetch done requires domain")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Attempt < 0 {
		return errors.New("attempt must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
