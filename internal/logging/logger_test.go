// Package logging includes tests for the zap logger helpers.
package logging

import "testing"

// TestNew builds both logger flavors and writes a line through each.
func TestNew(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name        string
		development bool
	}{
		{name: "development", development: true},
		{name: "production", development: false},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			logger, err := New(tc.development)
			if err != nil {
				t.Fatalf("New(%v) error = %v", tc.development, err)
			}
			if logger == nil {
				t.Fatal("expected logger to be non-nil")
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush
			logger.Info("logger ready")
		})
	}
}
