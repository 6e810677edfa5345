package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/aprfresh/api/internal/domain"
	"github.com/aprfresh/api/internal/repositories"
)

const (
	deliveryEventAssigned      = "delivery.assigned"
	deliveryEventStatusChanged = "delivery.status.changed"

	deliveryIDPrefix = "dlv_"

	maxBulkAssignSize = 50
)

var (
	// ErrDeliveryInvalidInput signals the caller provided invalid data.
	ErrDeliveryInvalidInput = errors.New("delivery: invalid input")
	// ErrDeliveryNotFound indicates the delivery could not be located.
	ErrDeliveryNotFound = errors.New("delivery: not found")
	// ErrDeliveryInvalidState indicates an invalid status transition was attempted.
	ErrDeliveryInvalidState = errors.New("delivery: invalid status transition")
	// ErrDeliveryAlreadyAssigned indicates the order already has an active delivery.
	ErrDeliveryAlreadyAssigned = errors.New("delivery: order already assigned")
	// ErrDeliveryForbidden indicates the acting agent does not own the delivery.
	ErrDeliveryForbidden = errors.New("delivery: forbidden")
	// ErrDeliveryAgentInvalid indicates the assignee is unknown or not an agent.
	ErrDeliveryAgentInvalid = errors.New("delivery: invalid agent")
	// ErrDeliveryConflict indicates optimistic concurrency conflicts.
	ErrDeliveryConflict = errors.New("delivery: conflict")
)

var deliveryStateTransitions = map[domain.DeliveryStatus][]domain.DeliveryStatus{
	domain.DeliveryStatusPending:    {domain.DeliveryStatusInProgress, domain.DeliveryStatusFailed},
	domain.DeliveryStatusInProgress: {domain.DeliveryStatusDelivered, domain.DeliveryStatusFailed},
}

// assignableOrderStatuses are the order states an agent can be assigned from.
var assignableOrderStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusProcessing,
}

func canTransitionDelivery(from, to domain.DeliveryStatus) bool {
	return slices.Contains(deliveryStateTransitions[from], to)
}

// DeliveryEventPublisher publishes delivery domain events for downstream consumers.
type DeliveryEventPublisher interface {
	PublishDeliveryEvent(ctx context.Context, event DeliveryEvent) error
}

// DeliveryEvent captures metadata for emitted delivery domain events.
type DeliveryEvent struct {
	Type           string         `json:"type"`
	DeliveryID     string         `json:"deliveryId"`
	OrderID        string         `json:"orderId"`
	AgentID        string         `json:"agentId"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// DeliveryServiceDeps bundles collaborators required to construct the delivery service.
type DeliveryServiceDeps struct {
	Deliveries  repositories.DeliveryRepository
	Orders      repositories.OrderRepository
	Users       repositories.UserRepository
	UnitOfWork  repositories.UnitOfWork
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
	Events      DeliveryEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type deliveryService struct {
	deliveries repositories.DeliveryRepository
	orders     repositories.OrderRepository
	users      repositories.UserRepository
	unitOfWork repositories.UnitOfWork
	audit      AuditLogService
	clock      func() time.Time
	newID      func() string
	events     DeliveryEventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewDeliveryService wires dependencies into a concrete DeliveryService implementation.
func NewDeliveryService(deps DeliveryServiceDeps) (DeliveryService, error) {
	if deps.Deliveries == nil {
		return nil, errors.New("delivery service: delivery repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("delivery service: order repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &deliveryService{
		deliveries: deps.Deliveries,
		orders:     deps.Orders,
		users:      deps.Users,
		unitOfWork: unit,
		audit:      deps.Audit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

// Assign creates a delivery for the order and moves the order to assigned,
// both in one transaction. An order whose previous delivery failed can be
// reassigned; an order with a live delivery cannot.
func (s *deliveryService) Assign(ctx context.Context, cmd AssignDeliveryCommand) (Delivery, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	agentID := strings.TrimSpace(cmd.AgentID)
	if orderID == "" {
		return Delivery{}, fmt.Errorf("%w: order id is required", ErrDeliveryInvalidInput)
	}
	if agentID == "" {
		return Delivery{}, fmt.Errorf("%w: agent id is required", ErrDeliveryInvalidInput)
	}

	if err := s.verifyAgent(ctx, agentID); err != nil {
		return Delivery{}, err
	}

	now := s.now()
	delivery := Delivery{
		ID:         deliveryIDPrefix + s.newID(),
		OrderID:    orderID,
		AgentID:    agentID,
		Status:     domain.DeliveryStatusPending,
		AssignedAt: now,
		Notes:      strings.TrimSpace(cmd.Notes),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapOrderError(err)
		}

		if order.Delivery != nil && !order.Delivery.Status.IsTerminal() {
			return fmt.Errorf("%w: order %s has delivery %s in status %s",
				ErrDeliveryAlreadyAssigned, orderID, order.Delivery.DeliveryID, order.Delivery.Status)
		}

		reassignment := order.Delivery != nil && order.Delivery.Status == domain.DeliveryStatusFailed
		if !reassignment && !slices.Contains(assignableOrderStatuses, order.Status) {
			return fmt.Errorf("%w: order status %q is not assignable", ErrDeliveryInvalidState, order.Status)
		}
		if reassignment && order.Status.IsTerminal() {
			return fmt.Errorf("%w: order status %q is not assignable", ErrDeliveryInvalidState, order.Status)
		}

		if err := s.deliveries.Insert(txCtx, delivery); err != nil {
			return s.mapDeliveryError(err)
		}

		order.Status = domain.OrderStatusAssigned
		order.Delivery = &DeliverySummary{
			DeliveryID: delivery.ID,
			AgentID:    agentID,
			Status:     delivery.Status,
			AssignedAt: now,
		}
		order.UpdatedAt = now
		if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
			order.Audit.UpdatedBy = valuePtr(actor)
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapOrderError(err)
		}
		return nil
	})
	if err != nil {
		return Delivery{}, err
	}

	s.recordAudit(ctx, AuditLogRecord{
		Action:    deliveryEventAssigned,
		TargetRef: "deliveries/" + delivery.ID,
		Actor:     cmd.ActorID,
		Metadata: map[string]any{
			"orderId": orderID,
			"agentId": agentID,
		},
		OccurredAt: now,
	})

	s.publishEvent(ctx, DeliveryEvent{
		Type:          deliveryEventAssigned,
		DeliveryID:    delivery.ID,
		OrderID:       orderID,
		AgentID:       agentID,
		CurrentStatus: string(delivery.Status),
		ActorID:       cmd.ActorID,
		OccurredAt:    now,
	})

	return delivery, nil
}

// AssignBulk assigns each order independently: one bad order never rolls
// back its siblings. The returned result pairs every rejected order with
// the reason it was skipped.
func (s *deliveryService) AssignBulk(ctx context.Context, cmd BulkAssignCommand) (BulkAssignResult, error) {
	agentID := strings.TrimSpace(cmd.AgentID)
	if agentID == "" {
		return BulkAssignResult{}, fmt.Errorf("%w: agent id is required", ErrDeliveryInvalidInput)
	}
	if len(cmd.OrderIDs) == 0 {
		return BulkAssignResult{}, fmt.Errorf("%w: at least one order id is required", ErrDeliveryInvalidInput)
	}
	if len(cmd.OrderIDs) > maxBulkAssignSize {
		return BulkAssignResult{}, fmt.Errorf("%w: batch exceeds %d orders", ErrDeliveryInvalidInput, maxBulkAssignSize)
	}

	// Verify the agent once up front rather than per order.
	if err := s.verifyAgent(ctx, agentID); err != nil {
		return BulkAssignResult{}, err
	}

	var result BulkAssignResult
	seen := make(map[string]struct{}, len(cmd.OrderIDs))
	for _, raw := range cmd.OrderIDs {
		orderID := strings.TrimSpace(raw)
		if orderID == "" {
			continue
		}
		if _, dup := seen[orderID]; dup {
			continue
		}
		seen[orderID] = struct{}{}

		delivery, err := s.Assign(ctx, AssignDeliveryCommand{
			OrderID: orderID,
			AgentID: agentID,
			ActorID: cmd.ActorID,
		})
		if err != nil {
			result.Failed = append(result.Failed, BulkAssignFailure{
				OrderID: orderID,
				Reason:  bulkFailureReason(err),
				Err:     err,
			})
			continue
		}
		result.Assigned = append(result.Assigned, delivery)
	}
	return result, nil
}

// UpdateStatus moves the delivery along its lifecycle and mirrors the change
// onto the owning order in the same transaction. Completion marks the order
// delivered, and paid only when the agent reports the payment collected.
// Failure leaves the order assigned; the failed summary is what lets Assign
// hand it to another agent.
func (s *deliveryService) UpdateStatus(ctx context.Context, cmd DeliveryStatusCommand) (Delivery, error) {
	deliveryID := strings.TrimSpace(cmd.DeliveryID)
	if deliveryID == "" {
		return Delivery{}, fmt.Errorf("%w: delivery id is required", ErrDeliveryInvalidInput)
	}
	target := cmd.TargetStatus
	if target == "" {
		return Delivery{}, fmt.Errorf("%w: target status is required", ErrDeliveryInvalidInput)
	}
	if !isKnownDeliveryStatus(target) {
		return Delivery{}, fmt.Errorf("%w: unknown status %q", ErrDeliveryInvalidInput, target)
	}

	now := s.now()
	var (
		delivery Delivery
		prev     domain.DeliveryStatus
		order    Order
	)

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		// Firestore transactions require every read to happen before the
		// first write, so both documents are loaded up front.
		var err error
		delivery, err = s.deliveries.FindByID(txCtx, deliveryID)
		if err != nil {
			return s.mapDeliveryError(err)
		}

		if !cmd.AdminActor {
			agentID := strings.TrimSpace(cmd.AgentID)
			if agentID == "" || delivery.AgentID != agentID {
				return fmt.Errorf("%w: delivery %s is not assigned to the acting agent", ErrDeliveryForbidden, deliveryID)
			}
		}

		prev = delivery.Status
		if prev == target {
			return nil
		}
		if !canTransitionDelivery(prev, target) {
			return fmt.Errorf("%w: %s to %s", ErrDeliveryInvalidState, prev, target)
		}

		order, err = s.orders.FindByID(txCtx, delivery.OrderID)
		if err != nil {
			return s.mapOrderError(err)
		}

		delivery.Status = target
		delivery.UpdatedAt = now
		if notes := strings.TrimSpace(cmd.Notes); notes != "" {
			delivery.Notes = notes
		}
		if target == domain.DeliveryStatusDelivered {
			delivery.DeliveredAt = &now
		}

		if err := s.deliveries.Update(txCtx, delivery); err != nil {
			return s.mapDeliveryError(err)
		}
		delivery.Version++

		if order.Delivery != nil && order.Delivery.DeliveryID == delivery.ID {
			order.Delivery.Status = target
			if target == domain.DeliveryStatusDelivered {
				order.Delivery.DeliveredAt = &now
			}
		}

		if target == domain.DeliveryStatusDelivered {
			order.Status = domain.OrderStatusDelivered
			order.DeliveredAt = &now
			if cmd.PaymentCollected {
				order.PaymentStatus = domain.PaymentStatusPaid
			}
		}

		order.UpdatedAt = now
		if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
			order.Audit.UpdatedBy = valuePtr(actor)
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapOrderError(err)
		}
		return nil
	})
	if err != nil {
		return Delivery{}, err
	}
	if prev == delivery.Status {
		return delivery, nil
	}

	metadata := map[string]any{
		"orderId": delivery.OrderID,
		"from":    string(prev),
		"to":      string(delivery.Status),
	}

	s.recordAudit(ctx, AuditLogRecord{
		Action:     deliveryEventStatusChanged,
		TargetRef:  "deliveries/" + delivery.ID,
		Actor:      cmd.ActorID,
		Metadata:   metadata,
		OccurredAt: now,
	})

	s.publishEvent(ctx, DeliveryEvent{
		Type:           deliveryEventStatusChanged,
		DeliveryID:     delivery.ID,
		OrderID:        delivery.OrderID,
		AgentID:        delivery.AgentID,
		PreviousStatus: string(prev),
		CurrentStatus:  string(delivery.Status),
		ActorID:        cmd.ActorID,
		OccurredAt:     now,
		Metadata:       metadata,
	})

	return delivery, nil
}

func (s *deliveryService) GetDelivery(ctx context.Context, deliveryID string) (Delivery, error) {
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return Delivery{}, fmt.Errorf("%w: delivery id is required", ErrDeliveryInvalidInput)
	}
	delivery, err := s.deliveries.FindByID(ctx, deliveryID)
	if err != nil {
		return Delivery{}, s.mapDeliveryError(err)
	}
	return delivery, nil
}

func (s *deliveryService) ListAgentDeliveries(ctx context.Context, agentID string, filter DeliveryListFilter) (domain.CursorPage[Delivery], error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return domain.CursorPage[Delivery]{}, fmt.Errorf("%w: agent id is required", ErrDeliveryInvalidInput)
	}
	page, err := s.deliveries.ListByAgent(ctx, agentID, repositories.DeliveryListFilter{
		Status:     filter.Status,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Delivery]{}, s.mapDeliveryError(err)
	}
	return page, nil
}

// verifyAgent confirms the assignee exists and carries the delivery agent
// role. Skipped when no user repository is configured.
func (s *deliveryService) verifyAgent(ctx context.Context, agentID string) error {
	if s.users == nil {
		return nil
	}
	profile, err := s.users.FindByID(ctx, agentID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return fmt.Errorf("%w: agent %s not found", ErrDeliveryAgentInvalid, agentID)
		}
		return err
	}
	if profile.Role != domain.RoleDeliveryAgent && profile.Role != domain.RoleAdmin {
		return fmt.Errorf("%w: user %s has role %q", ErrDeliveryAgentInvalid, agentID, profile.Role)
	}
	return nil
}

func (s *deliveryService) mapDeliveryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrDeliveryNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrDeliveryConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("delivery: repository unavailable: %w", err)
		}
	}
	return err
}

func (s *deliveryService) mapOrderError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}
	return err
}

func (s *deliveryService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *deliveryService) now() time.Time {
	return s.clock()
}

func (s *deliveryService) recordAudit(ctx context.Context, record AuditLogRecord) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, record)
}

func (s *deliveryService) publishEvent(ctx context.Context, event DeliveryEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishDeliveryEvent(ctx, event); err != nil {
		s.logger(ctx, "delivery.event.publish.failed", map[string]any{
			"type":     event.Type,
			"delivery": event.DeliveryID,
			"error":    err.Error(),
			"status":   event.CurrentStatus,
		})
	}
}

func bulkFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrDeliveryAlreadyAssigned):
		return "already_assigned"
	case errors.Is(err, ErrDeliveryInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, ErrOrderConflict), errors.Is(err, ErrDeliveryConflict):
		return "conflict"
	default:
		return "error"
	}
}

func isKnownDeliveryStatus(status domain.DeliveryStatus) bool {
	switch status {
	case domain.DeliveryStatusPending, domain.DeliveryStatusInProgress,
		domain.DeliveryStatusDelivered, domain.DeliveryStatusFailed:
		return true
	default:
		return false
	}
}
