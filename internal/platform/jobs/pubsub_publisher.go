package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/aprfresh/api/internal/services"
)

// PubSubEventPublisher publishes order and delivery lifecycle events to Pub/Sub topics.
type PubSubEventPublisher struct {
	orderTopic    *pubsub.Topic
	deliveryTopic *pubsub.Topic
	marshal       func(any) ([]byte, error)
}

// NewPubSubEventPublisher constructs a Pub/Sub backed lifecycle event publisher.
func NewPubSubEventPublisher(orderTopic, deliveryTopic *pubsub.Topic) (*PubSubEventPublisher, error) {
	if orderTopic == nil {
		return nil, errors.New("pubsub event publisher: order topic is required")
	}
	if deliveryTopic == nil {
		return nil, errors.New("pubsub event publisher: delivery topic is required")
	}
	return &PubSubEventPublisher{
		orderTopic:    orderTopic,
		deliveryTopic: deliveryTopic,
		marshal:       json.Marshal,
	}, nil
}

// PublishOrderEvent emits an order lifecycle event on the order topic.
func (p *PubSubEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.orderTopic == nil {
		return errors.New("pubsub event publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "userId", event.UserID)
	setAttr(attrs, "status", event.CurrentStatus)

	result := p.orderTopic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// PublishDeliveryEvent emits a delivery lifecycle event on the delivery topic.
func (p *PubSubEventPublisher) PublishDeliveryEvent(ctx context.Context, event services.DeliveryEvent) error {
	if p == nil || p.deliveryTopic == nil {
		return errors.New("pubsub event publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal delivery event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "deliveryId", event.DeliveryID)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "agentId", event.AgentID)
	setAttr(attrs, "status", event.CurrentStatus)

	result := p.deliveryTopic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish delivery event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
