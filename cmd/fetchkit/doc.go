// Package main hosts the fetch service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, fetch, and cache
//     administration endpoints. Synchronous fetches run inline; async ones are
//     assigned a request ID and pushed onto the bounded queue.
//   - Queue & workers: internal/queue feeds a fixed fetch.Pool sized by
//     config.Queue.Workers. Context cancellation stops workers cleanly on
//     shutdown; queued work left after the drain window is dropped.
//   - Fetch pipeline: the engine normalizes the URL, consults the cache,
//     acquires a per-domain token, picks a healthy proxy, and retries with
//     jittered exponential backoff. Validated payloads are hashed, cached with
//     a TTL, and archived to blob storage in the background.
//   - Resilience: proxies carry failure streaks and a rolling latency window;
//     a streak past the threshold opens the circuit until a background
//     revalidation probe succeeds. Rejected content is never retried or
//     cached.
//   - Configuration & plumbing: Viper populates config from env/files; zap
//     provides structured logging; Prometheus metrics are exported via the
//     metrics middleware and /metrics handler; lifecycle events flow through
//     the batching hub to log, Prometheus, and Pub/Sub sinks.
//
// Operational notes:
//   - Concurrency model: bounded queue + fixed worker pool; the engine itself
//     is stateless and safe for any number of concurrent callers. Shutdown is
//     coordinated via context cancellation propagated from main.
//   - Rate limiting: per-domain token buckets with configurable overrides.
//     Buckets are created lazily and live for the process lifetime.
//   - Observability: zap logs carry request IDs and URLs at key transitions;
//     Prometheus counters/histograms track fetch outcomes, cache behavior,
//     proxy health, and API activity. Tracing is not yet wired in.
//   - Cloud Run: the HTTP server listens on the configured port. Health
//     endpoints (/healthz, /readyz) remain lightweight; the process reacts to
//     SIGTERM for graceful drain and shutdown of workers.
//
// Quick checklist:
//   - Configure env vars: FETCHKIT_SERVER_PORT, FETCHKIT_RATES_PER_SECOND,
//     FETCHKIT_PROXY_PROXIES, cache (FETCHKIT_CACHE_*), archive
//     (FETCHKIT_ARCHIVE_*), and events.pubsub project/topic when event fanout
//     beyond logs is required.
//   - Run locally: go run ./cmd/fetchkit -config config.yaml (or rely solely
//     on env overrides).
//   - Cloud Run: container listens on the configured port, remains stateless
//     across requests, and shuts down cleanly on SIGTERM with in-flight work
//     bounded by per-request timeouts.
package main
