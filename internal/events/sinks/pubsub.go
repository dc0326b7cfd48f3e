package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/nyimbi/fetchkit/internal/events"
)

// PubSubSink publishes fetch events to a Google Cloud Pub/Sub topic so
// downstream consumers can react to completed fetches.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubSink wraps an existing client and topic. The sink takes ownership
// of both and releases them on Close.
func NewPubSubSink(client *pubsub.Client, topic *pubsub.Topic) (*PubSubSink, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &PubSubSink{client: client, topic: topic}, nil
}

// ConnectPubSubSink dials Pub/Sub and verifies the topic exists.
func ConnectPubSubSink(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*PubSubSink, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist", topicID)
	}
	return &PubSubSink{client: client, topic: topic}, nil
}

// Consume publishes every event in the batch and waits for server
// acknowledgements before returning.
func (s *PubSubSink) Consume(ctx context.Context, batch []events.Event) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		msg := &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"kind":   string(evt.Kind),
				"domain": evt.Domain,
			},
		}
		results = append(results, s.topic.Publish(ctx, msg))
	}
	for _, result := range results {
		if _, err := result.Get(ctx); err != nil {
			return fmt.Errorf("publish event: %w", err)
		}
	}
	return nil
}

// Close flushes pending publishes and releases the client.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
