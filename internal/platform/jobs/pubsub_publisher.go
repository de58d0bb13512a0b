package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/calanque-market/api/internal/services"
)

// PubSubCheckoutPublisher publishes checkout lifecycle events to a Pub/Sub topic.
type PubSubCheckoutPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubCheckoutPublisher constructs a Pub/Sub backed checkout event publisher.
func NewPubSubCheckoutPublisher(topic *pubsub.Topic) (*PubSubCheckoutPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub checkout publisher: topic is required")
	}
	return &PubSubCheckoutPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishSessionsCreated enqueues a sessions-created event on the configured topic.
func (p *PubSubCheckoutPublisher) PublishSessionsCreated(ctx context.Context, event services.SessionsCreatedEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub checkout publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal sessions created event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "cartId", event.CartID)
	setAttr(attrs, "orderNumber", event.ParentOrderNumber)
	setAttr(attrs, "status", string(event.Status))
	attrs["sessionCount"] = strconv.Itoa(event.SessionCount)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish sessions created event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
