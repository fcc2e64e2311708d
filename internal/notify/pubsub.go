package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/shelfwatch/shelfwatch/internal/scrape"
)

// PubSubDispatcher publishes alert events to a Google Cloud Pub/Sub
// topic. The downstream notification service owns the actual chat/email
// delivery.
type PubSubDispatcher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubDispatcher creates a Pub/Sub client and verifies the topic
// exists. It authenticates via Application Default Credentials.
func NewPubSubDispatcher(ctx context.Context, projectID, topicID string) (*PubSubDispatcher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	return &PubSubDispatcher{client: client, topic: topic}, nil
}

// NotifyNewClearance publishes the clearance event.
func (d *PubSubDispatcher) NotifyNewClearance(ctx context.Context, alert scrape.AlertEvent) error {
	return d.publish(ctx, alert)
}

// NotifyPriceDrop publishes the price-drop event.
func (d *PubSubDispatcher) NotifyPriceDrop(ctx context.Context, alert scrape.AlertEvent) error {
	return d.publish(ctx, alert)
}

func (d *PubSubDispatcher) publish(ctx context.Context, alert scrape.AlertEvent) error {
	payload, err := json.Marshal(map[string]any{
		"alert_id":       alert.ID,
		"type":           string(alert.Type),
		"store_id":       alert.StoreID,
		"item_id":        alert.ItemID,
		"title":          alert.Title,
		"price":          alert.Price,
		"previous_price": alert.PreviousPrice,
		"fired_at":       alert.At,
	})
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}
	result := d.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"type": string(alert.Type)},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Close stops the topic's publish goroutines and closes the client.
func (d *PubSubDispatcher) Close() error {
	d.topic.Stop()
	if err := d.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
