package fetch

import "fmt"

// NetworkError reports a fetch that failed at the network or HTTP layer after
// all retry attempts were spent. Status is zero when no HTTP response was
// received on the final attempt.
type NetworkError struct {
	URL      string
	Attempts int
	Status   int
	cause    error
}

func (e *NetworkError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("fetch %s: failed after %d attempts, last status %d", e.URL, e.Attempts, e.Status)
	}
	if e.cause != nil {
		return fmt.Sprintf("fetch %s: failed after %d attempts: %v", e.URL, e.Attempts, e.cause)
	}
	return fmt.Sprintf("fetch %s: failed after %d attempts", e.URL, e.Attempts)
}

func (e *NetworkError) Unwrap() error {
	return e.cause
}

// ContentRejectedError reports a payload that was fetched but refused by the
// validator (or exceeded the body limit). Rejections are never retried and
// never cached.
type ContentRejectedError struct {
	URL    string
	Reason string
}

func (e *ContentRejectedError) Error() string {
	return fmt.Sprintf("content rejected for %s: %s", e.URL, e.Reason)
}
