package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPChecker probes proxies with a lightweight GET through the proxy's own
// transport, so the probe exercises the same path fetches take.
type HTTPChecker struct {
	probeURL  string
	userAgent string
}

// NewHTTPChecker builds a checker that probes probeURL.
func NewHTTPChecker(probeURL, userAgent string) *HTTPChecker {
	return &HTTPChecker{probeURL: probeURL, userAgent: userAgent}
}

// Check issues the probe and returns its round-trip latency. Any transport
// error or status >= 400 counts as a failed probe.
func (c *HTTPChecker) Check(ctx context.Context, p *Proxy) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.probeURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	client := &http.Client{Transport: p.Transport()}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe via %s: %w", p.Address(), err)
	}
	defer resp.Body.Close() //nolint:errcheck // drained below

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= http.StatusBadRequest {
		return 0, fmt.Errorf("probe via %s: unexpected status %d", p.Address(), resp.StatusCode)
	}
	return time.Since(start), nil
}
