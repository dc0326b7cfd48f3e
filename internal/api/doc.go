// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/fetch for synchronous fetches, /v1/fetch/async for queued ones.
//   - GET /v1/stats and POST /v1/cache/invalidate for pool and cache
//     administration.
package api
