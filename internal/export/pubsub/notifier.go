// Package pubsub publishes a notification for every persisted pair.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/booru-crawler/internal/export"
)

// Config names the topic to publish to.
type Config struct {
	ProjectID string `mapstructure:"project_id" yaml:"project_id"`
	TopicID   string `mapstructure:"topic_id" yaml:"topic_id"`
}

// Notifier wraps a Pub/Sub topic.
type Notifier struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	// propagator overrides the global one; tests set it to avoid shared state.
	propagator propagation.TextMapPropagator
}

var _ export.Exporter = (*Notifier)(nil)

// New binds the topic on client. The Notifier owns the client.
func New(client *pubsub.Client, cfg Config) (*Notifier, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if cfg.TopicID == "" {
		return nil, fmt.Errorf("topic id is required")
	}
	return &Notifier{client: client, topic: client.Topic(cfg.TopicID)}, nil
}

// Name implements export.Exporter.
func (n *Notifier) Name() string { return "pubsub" }

// Export marshals item to JSON and waits for the server to acknowledge it.
// The trace context of ctx travels in the message attributes.
func (n *Notifier) Export(ctx context.Context, item export.Item) error {
	if n.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"site":     item.Site,
			"image_id": item.Record.ImageID,
			"rating":   string(item.Record.Rating),
			"run_id":   item.RunID,
		},
	}
	n.textMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Attributes))

	if _, err := n.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

func (n *Notifier) textMapPropagator() propagation.TextMapPropagator {
	if n.propagator != nil {
		return n.propagator
	}
	return otel.GetTextMapPropagator()
}

// Close flushes pending messages and closes the client.
func (n *Notifier) Close() error {
	n.topic.Stop()
	if err := n.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
