package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/aprfresh/api/internal/services"
)

func newTestPublisher(t *testing.T) (*PubSubEventPublisher, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() {
		_ = srv.Close()
	})

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	orderTopic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	deliveryTopic, err := client.CreateTopic(ctx, "delivery-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubEventPublisher(orderTopic, deliveryTopic)
	if err != nil {
		t.Fatalf("NewPubSubEventPublisher: %v", err)
	}
	return publisher, srv
}

func TestPubSubEventPublisherPublishesOrderEvent(t *testing.T) {
	publisher, srv := newTestPublisher(t)
	ctx := context.Background()

	occurredAt := time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC)
	event := services.OrderEvent{
		Type:           "order.status.changed",
		OrderID:        "APR000042",
		UserID:         "user-1",
		PreviousStatus: "pending",
		CurrentStatus:  "processing",
		ActorID:        "admin-1",
		OccurredAt:     occurredAt,
	}

	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.OrderEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != event.OrderID || payload.Type != event.Type {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if !payload.OccurredAt.Equal(occurredAt) {
		t.Fatalf("unexpected occurredAt %s", payload.OccurredAt)
	}
	if attr := messages[0].Attributes["eventType"]; attr != "order.status.changed" {
		t.Fatalf("expected event type attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["orderId"]; attr != "APR000042" {
		t.Fatalf("expected order id attribute, got %q", attr)
	}
}

func TestPubSubEventPublisherPublishesDeliveryEvent(t *testing.T) {
	publisher, srv := newTestPublisher(t)
	ctx := context.Background()

	event := services.DeliveryEvent{
		Type:          "delivery.assigned",
		DeliveryID:    "dlv_01",
		OrderID:       "APR000042",
		AgentID:       "agent-1",
		CurrentStatus: "pending",
		OccurredAt:    time.Date(2026, 3, 6, 9, 5, 0, 0, time.UTC),
	}

	if err := publisher.PublishDeliveryEvent(ctx, event); err != nil {
		t.Fatalf("PublishDeliveryEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.DeliveryEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.DeliveryID != event.DeliveryID || payload.AgentID != event.AgentID {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["agentId"]; attr != "agent-1" {
		t.Fatalf("expected agent id attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["previousStatus"]; ok {
		t.Fatalf("previousStatus attribute should not be present")
	}
}
