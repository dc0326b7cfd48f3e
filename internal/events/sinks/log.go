package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/nyimbi/fetchkit/internal/events"
)

// LogSink emits structured logs for debugging event streams. It is useful
// during development or audits where no durable delivery is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("request_id", evt.RequestID),
			zap.String("kind", string(evt.Kind)),
			zap.String("domain", evt.Domain),
			zap.String("url", evt.URL),
			zap.String("status_class", string(evt.StatusClass)),
			zap.Int("attempt", evt.Attempt),
			zap.Int64("bytes", evt.Bytes),
			zap.Duration("dur", evt.Dur),
			zap.String("proxy", evt.Proxy),
			zap.String("note", evt.Note),
		}
		s.logger.Info("fetch event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
