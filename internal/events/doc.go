// Package events provides the event primitives, non-blocking hub, and emitter
// interfaces that the fetch engine uses to report request lifecycles. It
// batches events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus metrics or Pub/Sub topics.
package events
