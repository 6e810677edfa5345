package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/aprfresh/api/internal/domain"
	"github.com/aprfresh/api/internal/repositories"
)

type stubDeliveryRepository struct {
	mu         sync.Mutex
	deliveries map[string]domain.Delivery
	insertErr  error
}

func newStubDeliveryRepository(seed ...domain.Delivery) *stubDeliveryRepository {
	repo := &stubDeliveryRepository{deliveries: make(map[string]domain.Delivery)}
	for _, d := range seed {
		repo.deliveries[d.ID] = d
	}
	return repo
}

func (s *stubDeliveryRepository) Insert(_ context.Context, delivery domain.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	if _, exists := s.deliveries[delivery.ID]; exists {
		return errStubConflict
	}
	s.deliveries[delivery.ID] = delivery
	return nil
}

func (s *stubDeliveryRepository) Update(_ context.Context, delivery domain.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.deliveries[delivery.ID]
	if !exists {
		return errStubNotFound
	}
	if current.Version != delivery.Version {
		return errStubConflict
	}
	delivery.Version++
	s.deliveries[delivery.ID] = delivery
	return nil
}

func (s *stubDeliveryRepository) FindByID(_ context.Context, deliveryID string) (domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delivery, exists := s.deliveries[deliveryID]
	if !exists {
		return domain.Delivery{}, errStubNotFound
	}
	return delivery, nil
}

func (s *stubDeliveryRepository) ListByAgent(_ context.Context, agentID string, _ repositories.DeliveryListFilter) (domain.CursorPage[domain.Delivery], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []domain.Delivery
	for _, d := range s.deliveries {
		if d.AgentID == agentID {
			items = append(items, d)
		}
	}
	return domain.CursorPage[domain.Delivery]{Items: items}, nil
}

type stubUserRepository struct {
	users map[string]domain.UserProfile
}

func newStubUserRepository(users ...domain.UserProfile) *stubUserRepository {
	repo := &stubUserRepository{users: make(map[string]domain.UserProfile)}
	for _, u := range users {
		repo.users[u.ID] = u
	}
	return repo
}

func (s *stubUserRepository) FindByID(_ context.Context, userID string) (domain.UserProfile, error) {
	user, exists := s.users[userID]
	if !exists {
		return domain.UserProfile{}, errStubNotFound
	}
	return user, nil
}

type recordingDeliveryPublisher struct {
	mu     sync.Mutex
	events []DeliveryEvent
}

func (p *recordingDeliveryPublisher) PublishDeliveryEvent(_ context.Context, event DeliveryEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func newTestDeliveryService(t *testing.T, deliveries *stubDeliveryRepository, orders *stubOrderRepository, deps ...func(*DeliveryServiceDeps)) DeliveryService {
	t.Helper()
	d := DeliveryServiceDeps{
		Deliveries: deliveries,
		Orders:     orders,
		Users: newStubUserRepository(
			domain.UserProfile{ID: "agent-1", Role: domain.RoleDeliveryAgent},
			domain.UserProfile{ID: "agent-2", Role: domain.RoleDeliveryAgent},
			domain.UserProfile{ID: "customer-1", Role: domain.RoleCustomer},
		),
		Clock:       testClock(time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC)),
		IDGenerator: seqIDGenerator(),
	}
	for _, fn := range deps {
		fn(&d)
	}
	svc, err := NewDeliveryService(d)
	if err != nil {
		t.Fatalf("new delivery service: %v", err)
	}
	return svc
}

func TestDeliveryServiceAssign(t *testing.T) {
	now := time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC)

	t.Run("assigns pending order", func(t *testing.T) {
		orders := newStubOrderRepository(domain.Order{
			ID: "APR000001", UserID: "user-1", Status: domain.OrderStatusPending, Version: 1,
		})
		deliveries := newStubDeliveryRepository()
		publisher := &recordingDeliveryPublisher{}
		svc := newTestDeliveryService(t, deliveries, orders, func(d *DeliveryServiceDeps) {
			d.Events = publisher
		})

		delivery, err := svc.Assign(context.Background(), AssignDeliveryCommand{
			OrderID: "APR000001",
			AgentID: "agent-1",
			ActorID: "admin-1",
		})
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		if delivery.Status != domain.DeliveryStatusPending {
			t.Fatalf("expected pending delivery, got %s", delivery.Status)
		}
		if !delivery.AssignedAt.Equal(now) {
			t.Fatalf("expected assignedAt %v, got %v", now, delivery.AssignedAt)
		}

		order, _ := orders.FindByID(context.Background(), "APR000001")
		if order.Status != domain.OrderStatusAssigned {
			t.Fatalf("expected order assigned, got %s", order.Status)
		}
		if order.Delivery == nil || order.Delivery.DeliveryID != delivery.ID || order.Delivery.AgentID != "agent-1" {
			t.Fatalf("unexpected delivery summary: %+v", order.Delivery)
		}

		publisher.mu.Lock()
		defer publisher.mu.Unlock()
		if len(publisher.events) != 1 || publisher.events[0].Type != "delivery.assigned" {
			t.Fatalf("expected delivery.assigned event, got %+v", publisher.events)
		}
	})

	t.Run("rejects order with live delivery", func(t *testing.T) {
		orders := newStubOrderRepository(domain.Order{
			ID: "APR000002", Status: domain.OrderStatusAssigned, Version: 1,
			Delivery: &domain.DeliverySummary{
				DeliveryID: "dlv_existing", AgentID: "agent-2",
				Status: domain.DeliveryStatusInProgress,
			},
		})
		svc := newTestDeliveryService(t, newStubDeliveryRepository(), orders)
		_, err := svc.Assign(context.Background(), AssignDeliveryCommand{
			OrderID: "APR000002",
			AgentID: "agent-1",
		})
		if !errors.Is(err, ErrDeliveryAlreadyAssigned) {
			t.Fatalf("expected already assigned, got %v", err)
		}
	})

	t.Run("allows reassignment after failed delivery", func(t *testing.T) {
		orders := newStubOrderRepository(domain.Order{
			ID: "APR000003", Status: domain.OrderStatusProcessing, Version: 1,
			Delivery: &domain.DeliverySummary{
				DeliveryID: "dlv_failed", AgentID: "agent-2",
				Status: domain.DeliveryStatusFailed,
			},
		})
		svc := newTestDeliveryService(t, newStubDeliveryRepository(), orders)
		delivery, err := svc.Assign(context.Background(), AssignDeliveryCommand{
			OrderID: "APR000003",
			AgentID: "agent-1",
		})
		if err != nil {
			t.Fatalf("reassign: %v", err)
		}
		order, _ := orders.FindByID(context.Background(), "APR000003")
		if order.Delivery.DeliveryID != delivery.ID {
			t.Fatalf("expected summary to point at new delivery %s, got %s", delivery.ID, order.Delivery.DeliveryID)
		}
	})

	t.Run("rejects cancelled order", func(t *testing.T) {
		orders := newStubOrderRepository(domain.Order{
			ID: "APR000004", Status: domain.OrderStatusCancelled, Version: 1,
		})
		svc := newTestDeliveryService(t, newStubDeliveryRepository(), orders)
		_, err := svc.Assign(context.Background(), AssignDeliveryCommand{
			OrderID: "APR000004",
			AgentID: "agent-1",
		})
		if !errors.Is(err, ErrDeliveryInvalidState) {
			t.Fatalf("expected invalid state, got %v", err)
		}
	})

	t.Run("rejects non-agent assignee", func(t *testing.T) {
		orders := newStubOrderRepository(domain.Order{
			ID: "APR000005", Status: domain.OrderStatusPending, Version: 1,
		})
		svc := newTestDeliveryService(t, newStubDeliveryRepository(), orders)
		_, err := svc.Assign(context.Background(), AssignDeliveryCommand{
			OrderID: "APR000005",
			AgentID: "customer-1",
		})
		if !errors.Is(err, ErrDeliveryAgentInvalid) {
			t.Fatalf("expected invalid agent, got %v", err)
		}
	})

	t.Run("rejects unknown assignee", func(t *testing.T) {
		orders := newStubOrderRepository(domain.Order{
			ID: "APR000006", Status: domain.OrderStatusPending, Version: 1,
		})
		svc := newTestDeliveryService(t, newStubDeliveryRepository(), orders)
		_, err := svc.Assign(context.Background(), AssignDeliveryCommand{
			OrderID: "APR000006",
			AgentID: "nobody",
		})
		if !errors.Is(err, ErrDeliveryAgentInvalid) {
			t.Fatalf("expected invalid agent, got %v", err)
		}
	})
}

func TestDeliveryServiceAssignBulk(t *testing.T) {
	orders := newStubOrderRepository(
		domain.Order{ID: "APR000010", Status: domain.OrderStatusPending, Version: 1},
		domain.Order{ID: "APR000011", Status: domain.OrderStatusProcessing, Version: 1},
		domain.Order{
			ID: "APR000012", Status: domain.OrderStatusAssigned, Version: 1,
			Delivery: &domain.DeliverySummary{
				DeliveryID: "dlv_live", AgentID: "agent-2",
				Status: domain.DeliveryStatusPending,
			},
		},
	)
	svc := newTestDeliveryService(t, newStubDeliveryRepository(), orders)

	result, err := svc.AssignBulk(context.Background(), BulkAssignCommand{
		OrderIDs: []string{"APR000010", "APR000011", "APR000012", "APR000404"},
		AgentID:  "agent-1",
		ActorID:  "admin-1",
	})
	if err != nil {
		t.Fatalf("assign bulk: %v", err)
	}

	if len(result.Assigned) != 2 {
		t.Fatalf("expected 2 assigned, got %d", len(result.Assigned))
	}
	if len(result.Failed) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(result.Failed))
	}

	reasons := map[string]string{}
	for _, failure := range result.Failed {
		reasons[failure.OrderID] = failure.Reason
	}
	if reasons["APR000012"] != "already_assigned" {
		t.Fatalf("expected already_assigned for APR000012, got %q", reasons["APR000012"])
	}
	if reasons["APR000404"] != "not_found" {
		t.Fatalf("expected not_found for APR000404, got %q", reasons["APR000404"])
	}

	// The valid orders must have committed despite the failures.
	for _, id := range []string{"APR000010", "APR000011"} {
		order, _ := orders.FindByID(context.Background(), id)
		if order.Status != domain.OrderStatusAssigned {
			t.Fatalf("expected %s assigned, got %s", id, order.Status)
		}
	}
}

func TestDeliveryServiceUpdateStatus(t *testing.T) {
	now := time.Date(2025, 7, 14, 18, 0, 0, 0, time.UTC)

	seedPair := func(deliveryStatus domain.DeliveryStatus) (*stubDeliveryRepository, *stubOrderRepository) {
		deliveries := newStubDeliveryRepository(domain.Delivery{
			ID: "dlv_1", OrderID: "APR000001", AgentID: "agent-1",
			Status: deliveryStatus, Version: 1,
		})
		orders := newStubOrderRepository(domain.Order{
			ID: "APR000001", UserID: "user-1", Status: domain.OrderStatusAssigned,
			PaymentMethod: domain.PaymentMethodCash,
			PaymentStatus: domain.PaymentStatusPending,
			TotalAmount:   1100, Version: 1,
			Delivery: &domain.DeliverySummary{
				DeliveryID: "dlv_1", AgentID: "agent-1", Status: deliveryStatus,
			},
		})
		return deliveries, orders
	}

	t.Run("agent starts delivery", func(t *testing.T) {
		deliveries, orders := seedPair(domain.DeliveryStatusPending)
		svc := newTestDeliveryService(t, deliveries, orders)
		delivery, err := svc.UpdateStatus(context.Background(), DeliveryStatusCommand{
			DeliveryID:   "dlv_1",
			TargetStatus: domain.DeliveryStatusInProgress,
			AgentID:      "agent-1",
			ActorID:      "agent-1",
		})
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		if delivery.Status != domain.DeliveryStatusInProgress {
			t.Fatalf("expected in_progress, got %s", delivery.Status)
		}
	})

	t.Run("completion with collected payment marks order delivered and paid", func(t *testing.T) {
		deliveries, orders := seedPair(domain.DeliveryStatusInProgress)
		svc := newTestDeliveryService(t, deliveries, orders, func(d *DeliveryServiceDeps) {
			d.Clock = testClock(now)
		})
		delivery, err := svc.UpdateStatus(context.Background(), DeliveryStatusCommand{
			DeliveryID:       "dlv_1",
			TargetStatus:     domain.DeliveryStatusDelivered,
			AgentID:          "agent-1",
			ActorID:          "agent-1",
			PaymentCollected: true,
		})
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if delivery.DeliveredAt == nil || !delivery.DeliveredAt.Equal(now) {
			t.Fatalf("expected deliveredAt %v, got %v", now, delivery.DeliveredAt)
		}

		order, _ := orders.FindByID(context.Background(), "APR000001")
		if order.Status != domain.OrderStatusDelivered {
			t.Fatalf("expected order delivered, got %s", order.Status)
		}
		if order.PaymentStatus != domain.PaymentStatusPaid {
			t.Fatalf("expected payment paid, got %s", order.PaymentStatus)
		}
		if order.Delivery.Status != domain.DeliveryStatusDelivered {
			t.Fatalf("expected summary delivered, got %s", order.Delivery.Status)
		}
	})

	t.Run("completion without collected payment leaves order unpaid", func(t *testing.T) {
		deliveries, orders := seedPair(domain.DeliveryStatusInProgress)
		svc := newTestDeliveryService(t, deliveries, orders, func(d *DeliveryServiceDeps) {
			d.Clock = testClock(now)
		})
		_, err := svc.UpdateStatus(context.Background(), DeliveryStatusCommand{
			DeliveryID:   "dlv_1",
			TargetStatus: domain.DeliveryStatusDelivered,
			AgentID:      "agent-1",
			ActorID:      "agent-1",
		})
		if err != nil {
			t.Fatalf("complete: %v", err)
		}

		order, _ := orders.FindByID(context.Background(), "APR000001")
		if order.Status != domain.OrderStatusDelivered {
			t.Fatalf("expected order delivered, got %s", order.Status)
		}
		if order.PaymentStatus != domain.PaymentStatusPending {
			t.Fatalf("expected payment still pending, got %s", order.PaymentStatus)
		}
	})

	t.Run("failure keeps order assigned and reassignable", func(t *testing.T) {
		deliveries, orders := seedPair(domain.DeliveryStatusInProgress)
		svc := newTestDeliveryService(t, deliveries, orders)
		delivery, err := svc.UpdateStatus(context.Background(), DeliveryStatusCommand{
			DeliveryID:   "dlv_1",
			TargetStatus: domain.DeliveryStatusFailed,
			AgentID:      "agent-1",
			ActorID:      "agent-1",
			Notes:        "address unreachable",
		})
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if delivery.Status != domain.DeliveryStatusFailed {
			t.Fatalf("expected failed, got %s", delivery.Status)
		}

		order, _ := orders.FindByID(context.Background(), "APR000001")
		if order.Status != domain.OrderStatusAssigned {
			t.Fatalf("expected order to stay assigned, got %s", order.Status)
		}
		if order.Delivery == nil || order.Delivery.Status != domain.DeliveryStatusFailed {
			t.Fatalf("expected failed delivery summary, got %+v", order.Delivery)
		}
		if order.PaymentStatus != domain.PaymentStatusPending {
			t.Fatalf("expected payment still pending, got %s", order.PaymentStatus)
		}

		// The failed summary is what makes the order eligible again.
		fresh, err := svc.Assign(context.Background(), AssignDeliveryCommand{
			OrderID: "APR000001",
			AgentID: "agent-2",
		})
		if err != nil {
			t.Fatalf("reassign after failure: %v", err)
		}
		order, _ = orders.FindByID(context.Background(), "APR000001")
		if order.Delivery.DeliveryID != fresh.ID || order.Delivery.AgentID != "agent-2" {
			t.Fatalf("expected summary to point at new delivery, got %+v", order.Delivery)
		}
	})

	t.Run("other agent is forbidden", func(t *testing.T) {
		deliveries, orders := seedPair(domain.DeliveryStatusPending)
		svc := newTestDeliveryService(t, deliveries, orders)
		_, err := svc.UpdateStatus(context.Background(), DeliveryStatusCommand{
			DeliveryID:   "dlv_1",
			TargetStatus: domain.DeliveryStatusInProgress,
			AgentID:      "agent-2",
			ActorID:      "agent-2",
		})
		if !errors.Is(err, ErrDeliveryForbidden) {
			t.Fatalf("expected forbidden, got %v", err)
		}
	})

	t.Run("admin can act on any delivery", func(t *testing.T) {
		deliveries, orders := seedPair(domain.DeliveryStatusPending)
		svc := newTestDeliveryService(t, deliveries, orders)
		_, err := svc.UpdateStatus(context.Background(), DeliveryStatusCommand{
			DeliveryID:   "dlv_1",
			TargetStatus: domain.DeliveryStatusInProgress,
			ActorID:      "admin-1",
			AdminActor:   true,
		})
		if err != nil {
			t.Fatalf("admin update: %v", err)
		}
	})

	t.Run("terminal delivery cannot move", func(t *testing.T) {
		deliveries, orders := seedPair(domain.DeliveryStatusDelivered)
		svc := newTestDeliveryService(t, deliveries, orders)
		_, err := svc.UpdateStatus(context.Background(), DeliveryStatusCommand{
			DeliveryID:   "dlv_1",
			TargetStatus: domain.DeliveryStatusInProgress,
			AgentID:      "agent-1",
		})
		if !errors.Is(err, ErrDeliveryInvalidState) {
			t.Fatalf("expected invalid state, got %v", err)
		}
	})

	t.Run("same status is a no-op", func(t *testing.T) {
		deliveries, orders := seedPair(domain.DeliveryStatusInProgress)
		publisher := &recordingDeliveryPublisher{}
		svc := newTestDeliveryService(t, deliveries, orders, func(d *DeliveryServiceDeps) {
			d.Events = publisher
		})
		delivery, err := svc.UpdateStatus(context.Background(), DeliveryStatusCommand{
			DeliveryID:   "dlv_1",
			TargetStatus: domain.DeliveryStatusInProgress,
			AgentID:      "agent-1",
		})
		if err != nil {
			t.Fatalf("no-op update: %v", err)
		}
		if delivery.Version != 1 {
			t.Fatalf("expected no write for a no-op, got version %d", delivery.Version)
		}
		publisher.mu.Lock()
		defer publisher.mu.Unlock()
		if len(publisher.events) != 0 {
			t.Fatalf("expected no events for a no-op, got %+v", publisher.events)
		}
	})

	t.Run("pending cannot jump to delivered", func(t *testing.T) {
		deliveries, orders := seedPair(domain.DeliveryStatusPending)
		svc := newTestDeliveryService(t, deliveries, orders)
		_, err := svc.UpdateStatus(context.Background(), DeliveryStatusCommand{
			DeliveryID:   "dlv_1",
			TargetStatus: domain.DeliveryStatusDelivered,
			AgentID:      "agent-1",
		})
		if !errors.Is(err, ErrDeliveryInvalidState) {
			t.Fatalf("expected invalid state, got %v", err)
		}
	})
}
