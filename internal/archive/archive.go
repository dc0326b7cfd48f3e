// Package archive persists immutable copies of fetched payloads.
package archive

import "context"

// Store writes payloads to durable blob storage keyed by content digest.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save persists data under key and returns a provider-specific location
	// such as gs://bucket/key or file:///dir/key.
	Save(ctx context.Context, key string, data []byte) (string, error)
	Close() error
}
