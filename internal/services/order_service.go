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
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"

	orderItemIDPrefix = "itm_"

	maxOrderItems     = 100
	maxItemQuantity   = 999
	maxOrderNotesSize = 1000
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderForbidden indicates the requester does not own the order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrProductUnavailable indicates a draft references unknown or withdrawn products.
	ErrProductUnavailable = errors.New("order: product unavailable")
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusAssigned, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusAssigned, domain.OrderStatusCancelled},
	domain.OrderStatusAssigned:   {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
}

var cancellableStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusProcessing,
	domain.OrderStatusAssigned,
}

// customerCancellableStatuses limits self-service cancellation to orders no
// agent has picked up yet.
var customerCancellableStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusProcessing,
}

func canTransitionOrder(from, to domain.OrderStatus) bool {
	return slices.Contains(orderStateTransitions[from], to)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	UserID         string         `json:"userId"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Products    repositories.ProductRepository
	Counters    CounterService
	UnitOfWork  repositories.UnitOfWork
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	products   repositories.ProductRepository
	counters   CounterService
	unitOfWork repositories.UnitOfWork
	audit      AuditLogService
	clock      func() time.Time
	newID      func() string
	events     OrderEventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter service is required")
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

	return &orderService{
		orders:     deps.Orders,
		products:   deps.Products,
		counters:   deps.Counters,
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

// Create validates the draft, snapshots catalog prices into immutable line
// items, and writes the order under the next sequential id. The id
// allocation and the order document commit in one transaction, so a crash
// between the two can never burn a number or orphan an order.
func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	if len(cmd.Items) > maxOrderItems {
		return Order{}, fmt.Errorf("%w: order exceeds %d items", ErrOrderInvalidInput, maxOrderItems)
	}
	address := strings.TrimSpace(cmd.DeliveryAddress)
	if address == "" {
		return Order{}, fmt.Errorf("%w: delivery address is required", ErrOrderInvalidInput)
	}
	if len(cmd.Notes) > maxOrderNotesSize {
		return Order{}, fmt.Errorf("%w: notes exceed %d characters", ErrOrderInvalidInput, maxOrderNotesSize)
	}
	method, err := normalisePaymentMethod(cmd.PaymentMethod)
	if err != nil {
		return Order{}, err
	}

	quantities := make(map[string]int, len(cmd.Items))
	requested := make([]string, 0, len(cmd.Items))
	for i, item := range cmd.Items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return Order{}, fmt.Errorf("%w: item %d missing product id", ErrOrderInvalidInput, i)
		}
		if item.Quantity <= 0 || item.Quantity > maxItemQuantity {
			return Order{}, fmt.Errorf("%w: item %d quantity %d out of range", ErrOrderInvalidInput, i, item.Quantity)
		}
		if _, dup := quantities[productID]; !dup {
			requested = append(requested, productID)
		}
		// Duplicate product lines collapse into one.
		quantities[productID] += item.Quantity
	}

	catalog, err := s.products.FindByIDs(ctx, requested)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	var missing []string
	for _, productID := range requested {
		product, ok := catalog[productID]
		if !ok || !product.IsAvailable {
			missing = append(missing, productID)
		}
	}
	if len(missing) > 0 {
		return Order{}, fmt.Errorf("%w: %s", ErrProductUnavailable, strings.Join(missing, ", "))
	}

	now := s.now()
	items := make([]OrderItem, 0, len(requested))
	var total int64
	for _, productID := range requested {
		product := catalog[productID]
		quantity := quantities[productID]
		lineTotal := product.Price * int64(quantity)
		items = append(items, OrderItem{
			ID:           orderItemIDPrefix + s.newID(),
			ProductID:    productID,
			Name:         product.Name,
			Quantity:     quantity,
			PriceAtOrder: product.Price,
			Total:        lineTotal,
		})
		total += lineTotal
	}

	order := Order{
		UserID:          userID,
		Status:          domain.OrderStatusPending,
		PaymentMethod:   method,
		PaymentStatus:   domain.PaymentStatusPending,
		TotalAmount:     total,
		Items:           items,
		DeliveryAddress: address,
		Notes:           strings.TrimSpace(cmd.Notes),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
		order.Audit.CreatedBy = valuePtr(actor)
		order.Audit.UpdatedBy = valuePtr(actor)
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		orderID, err := s.counters.NextOrderID(txCtx)
		if err != nil {
			return err
		}
		order.ID = orderID
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.recordAudit(ctx, AuditLogRecord{
		Action:    orderEventCreated,
		TargetRef: "orders/" + order.ID,
		Actor:     cmd.ActorID,
		Metadata: map[string]any{
			"userId":      userID,
			"totalAmount": total,
			"itemCount":   len(items),
		},
		OccurredAt: now,
	})

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		UserID:        userID,
		CurrentStatus: string(order.Status),
		ActorID:       cmd.ActorID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"totalAmount": total,
		},
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	repoFilter := repositories.OrderListFilter{
		UserID:     strings.TrimSpace(filter.UserID),
		Status:     filter.Status,
		Pagination: filter.Pagination,
	}
	repoFilter.DateRange.From = filter.From
	repoFilter.DateRange.To = filter.To

	page, err := s.orders.List(ctx, repoFilter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// TransitionStatus applies a validated status change. Direct transitions to
// "assigned" are rejected here; assignment always goes through the delivery
// service so the delivery record and the order stay in step.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := cmd.TargetStatus
	if target == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}
	if !isKnownOrderStatus(target) {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, target)
	}
	if target == domain.OrderStatusAssigned {
		return Order{}, fmt.Errorf("%w: assignment requires a delivery agent", ErrOrderInvalidState)
	}
	if target == domain.OrderStatusCancelled {
		return s.Cancel(ctx, CancelOrderCommand{OrderID: orderID, Reason: cmd.Reason, ActorID: cmd.ActorID})
	}

	now := s.now()
	var (
		order Order
		prev  domain.OrderStatus
	)

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		// Read and write inside one transaction so a concurrent transition
		// surfaces as a conflict instead of silently winning.
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		if cmd.ExpectedStatus != nil && order.Status != *cmd.ExpectedStatus {
			return fmt.Errorf("%w: expected status %q but was %q", ErrOrderConflict, *cmd.ExpectedStatus, order.Status)
		}

		prev = order.Status
		if err := s.applyStatusTransition(&order, target, strings.TrimSpace(cmd.ActorID), now); err != nil {
			return err
		}
		if prev == order.Status {
			return nil
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if prev == order.Status {
		return order, nil
	}
	order.Version++

	metadata := map[string]any{"from": string(prev), "to": string(order.Status)}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		metadata["reason"] = reason
	}

	s.recordAudit(ctx, AuditLogRecord{
		Action:     orderEventStatusChanged,
		TargetRef:  "orders/" + order.ID,
		Actor:      cmd.ActorID,
		Metadata:   metadata,
		OccurredAt: now,
	})

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: string(prev),
		CurrentStatus:  string(order.Status),
		ActorID:        cmd.ActorID,
		OccurredAt:     now,
		Metadata:       metadata,
	})

	return order, nil
}

// Cancel moves the order to cancelled, recording who asked and why. When
// RequesterID is set the order must belong to them and must not have been
// picked up by an agent yet.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	now := s.now()
	reason := strings.TrimSpace(cmd.Reason)
	var (
		order Order
		prev  domain.OrderStatus
	)

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		if requester := strings.TrimSpace(cmd.RequesterID); requester != "" {
			if order.UserID != requester {
				return fmt.Errorf("%w: order %s does not belong to requester", ErrOrderForbidden, orderID)
			}
			if !slices.Contains(customerCancellableStatuses, order.Status) {
				return fmt.Errorf("%w: order status %q cannot be cancelled by the customer", ErrOrderInvalidState, order.Status)
			}
		} else if !slices.Contains(cancellableStatuses, order.Status) {
			return fmt.Errorf("%w: order status %q cannot be cancelled", ErrOrderInvalidState, order.Status)
		}

		prev = order.Status
		order.CancelReason = optionalString(reason)
		order.CancelledAt = &now

		if err := s.applyStatusTransition(&order, domain.OrderStatusCancelled, strings.TrimSpace(cmd.ActorID), now); err != nil {
			return err
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	order.Version++

	metadata := map[string]any{"from": string(prev), "to": string(domain.OrderStatusCancelled)}
	if reason != "" {
		metadata["reason"] = reason
	}

	s.recordAudit(ctx, AuditLogRecord{
		Action:     orderEventStatusChanged,
		TargetRef:  "orders/" + order.ID,
		Actor:      cmd.ActorID,
		Metadata:   metadata,
		OccurredAt: now,
	})

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: string(prev),
		CurrentStatus:  string(order.Status),
		ActorID:        cmd.ActorID,
		OccurredAt:     now,
		Metadata:       metadata,
	})

	return order, nil
}

func (s *orderService) applyStatusTransition(order *Order, target domain.OrderStatus, actor string, now time.Time) error {
	current := order.Status
	if current == target {
		order.UpdatedAt = now
		if actor != "" {
			order.Audit.UpdatedBy = valuePtr(actor)
		}
		return nil
	}

	if !canTransitionOrder(current, target) {
		return fmt.Errorf("%w: %s to %s", ErrOrderInvalidState, current, target)
	}

	order.Status = target
	order.UpdatedAt = now

	switch target {
	case domain.OrderStatusDelivered:
		// Payment settlement is owned by the delivery completion flow;
		// the order side only stamps the timestamp.
		order.DeliveredAt = &now
	case domain.OrderStatusCancelled:
		if order.CancelledAt == nil {
			order.CancelledAt = &now
		}
	}

	if actor != "" {
		order.Audit.UpdatedBy = valuePtr(actor)
	}
	return nil
}

func (s *orderService) mapRepositoryError(err error) error {
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

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) recordAudit(ctx context.Context, record AuditLogRecord) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, record)
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func normalisePaymentMethod(method PaymentMethod) (PaymentMethod, error) {
	switch PaymentMethod(strings.ToLower(strings.TrimSpace(string(method)))) {
	case domain.PaymentMethodCash:
		return domain.PaymentMethodCash, nil
	case domain.PaymentMethodUPI:
		return domain.PaymentMethodUPI, nil
	case domain.PaymentMethodCreditCard:
		return domain.PaymentMethodCreditCard, nil
	case domain.PaymentMethodNone, "":
		return domain.PaymentMethodNone, nil
	default:
		return "", fmt.Errorf("%w: unsupported payment method %q", ErrOrderInvalidInput, method)
	}
}

func isKnownOrderStatus(status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusPending, domain.OrderStatusProcessing, domain.OrderStatusAssigned,
		domain.OrderStatusDelivered, domain.OrderStatusCancelled:
		return true
	default:
		return false
	}
}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
