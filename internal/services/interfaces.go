package services

import (
	"context"
	"time"

	domain "github.com/aprfresh/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderStatus        = domain.OrderStatus
	PaymentMethod      = domain.PaymentMethod
	PaymentStatus      = domain.PaymentStatus
	Delivery           = domain.Delivery
	DeliveryStatus     = domain.DeliveryStatus
	DeliverySummary    = domain.DeliverySummary
	Product            = domain.Product
	UserProfile        = domain.UserProfile
	EarningsSummary    = domain.EarningsSummary
	StockSummary       = domain.StockSummary
	StockLine          = domain.StockLine
	AuditLogEntry      = domain.AuditLogEntry
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService orchestrates order creation and the order status lifecycle.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
}

// DeliveryService manages delivery assignment and the delivery status
// lifecycle, keeping the owning order in step.
type DeliveryService interface {
	Assign(ctx context.Context, cmd AssignDeliveryCommand) (Delivery, error)
	AssignBulk(ctx context.Context, cmd BulkAssignCommand) (BulkAssignResult, error)
	UpdateStatus(ctx context.Context, cmd DeliveryStatusCommand) (Delivery, error)
	GetDelivery(ctx context.Context, deliveryID string) (Delivery, error)
	ListAgentDeliveries(ctx context.Context, agentID string, filter DeliveryListFilter) (domain.CursorPage[Delivery], error)
}

// EarningsService derives per-agent payment reconciliation aggregates.
type EarningsService interface {
	Summarize(ctx context.Context, query EarningsQuery) (EarningsSummary, error)
}

// CatalogService exposes read-only catalog views consumed by ordering and
// the admin stock dashboard.
type CatalogService interface {
	GetProduct(ctx context.Context, productID string) (Product, error)
	StockSummary(ctx context.Context, threshold int) (StockSummary, error)
}

// CounterService hands out formatted sequential identifiers.
type CounterService interface {
	NextOrderID(ctx context.Context) (string, error)
}

// AuditLogService records immutable audit entries for core mutations.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// SystemService provides health reports for liveness and readiness probes.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// Commands and filters --------------------------------------------------------

// CreateOrderCommand captures the customer's order draft. Prices are never
// taken from the draft; the service snapshots them from the catalog.
type CreateOrderCommand struct {
	UserID          string
	Items           []DraftItem
	DeliveryAddress string
	PaymentMethod   PaymentMethod
	Notes           string
	ActorID         string
}

// DraftItem is one requested product line in an order draft.
type DraftItem struct {
	ProductID string
	Quantity  int
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID     string
	Status     []OrderStatus
	From       *time.Time
	To         *time.Time
	Pagination Pagination
}

// OrderStatusTransitionCommand moves an order to a new lifecycle status.
type OrderStatusTransitionCommand struct {
	OrderID        string
	TargetStatus   OrderStatus
	ExpectedStatus *OrderStatus
	ActorID        string
	Reason         string
}

// CancelOrderCommand cancels an order before delivery.
type CancelOrderCommand struct {
	OrderID string
	Reason  string
	ActorID string
	// RequesterID restricts cancellation to the order owner when set.
	// Admin-initiated cancellations leave it empty.
	RequesterID string
}

// AssignDeliveryCommand assigns one order to a delivery agent.
type AssignDeliveryCommand struct {
	OrderID string
	AgentID string
	Notes   string
	ActorID string
}

// BulkAssignCommand assigns a batch of orders to one agent. Each order is
// processed independently.
type BulkAssignCommand struct {
	OrderIDs []string
	AgentID  string
	ActorID  string
}

// BulkAssignResult reports per-order outcomes of a bulk assignment.
type BulkAssignResult struct {
	Assigned []Delivery
	Failed   []BulkAssignFailure
}

// BulkAssignFailure pairs a rejected order with the reason it was skipped.
type BulkAssignFailure struct {
	OrderID string
	Reason  string
	Err     error
}

// DeliveryStatusCommand moves a delivery to a new lifecycle status. The
// acting agent must own the delivery unless the actor is an admin.
type DeliveryStatusCommand struct {
	DeliveryID   string
	TargetStatus DeliveryStatus
	AgentID      string
	ActorID      string
	AdminActor   bool
	Notes        string
	// PaymentCollected reports that the agent took payment on handover.
	// Only consulted on the transition to delivered; cash and UPI orders
	// stay unpaid until the agent confirms collection.
	PaymentCollected bool
}

// DeliveryListFilter narrows an agent's delivery listing.
type DeliveryListFilter struct {
	Status     []DeliveryStatus
	Pagination Pagination
}

// EarningsQuery scopes an earnings reconciliation to one agent and an
// arbitrary [From, To) window.
type EarningsQuery struct {
	AgentID string
	From    time.Time
	To      time.Time
}

// AuditLogRecord is the write-side shape for audit entries.
type AuditLogRecord struct {
	Action     string
	TargetRef  string
	Actor      string
	ActorType  string
	Metadata   map[string]any
	OccurredAt time.Time
}

// AuditLogFilter narrows audit log listings.
type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	Action     string
	From       *time.Time
	To         *time.Time
	Pagination Pagination
}

// noopUnitOfWork runs the function without a surrounding transaction. Used
// when a service is constructed without a transactional backend, mostly in
// tests.
type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
