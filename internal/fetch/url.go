package fetch

import (
	"fmt"
	"net/url"
	"strings"
)

// Normalize standardizes a URL so equivalent spellings share one cache key.
// It lowercases the scheme and host, removes default ports, drops fragments,
// and sorts query parameters. Only absolute http and https URLs are accepted.
func Normalize(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q in url %q", u.Scheme, rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in url %q", rawURL)
	}

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	u.RawQuery = u.Query().Encode()

	return u, nil
}

// CacheKey derives the cache key for a normalized URL.
func CacheKey(u *url.URL) string {
	return u.String()
}
