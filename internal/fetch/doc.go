// Package fetch implements the composable fetch engine, including the
// rate-limited, proxy-rotated, cache-aside orchestration of HTTP requests
// with bounded retry, plus the worker pool draining the async queue.
package fetch
