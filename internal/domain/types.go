package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents range filters for numeric or timestamp fields. From is
// inclusive, To is exclusive, matching the half-open windows used by earnings
// summaries.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage wraps a page of results together with the continuation token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order has been placed and awaits handling.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates the order is being prepared for dispatch.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusAssigned indicates a delivery agent has been assigned.
	OrderStatusAssigned OrderStatus = "assigned"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before delivery.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// IsTerminal reports whether no further order status transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// PaymentMethod enumerates how a customer intends to settle an order.
type PaymentMethod string

const (
	PaymentMethodCash       PaymentMethod = "cash"
	PaymentMethodUPI        PaymentMethod = "upi"
	PaymentMethodCreditCard PaymentMethod = "credit_card"
	PaymentMethodNone       PaymentMethod = "none"
)

// PaymentStatus tracks whether payment for an order has been collected.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
)

// DeliveryStatus enumerates valid lifecycle states for deliveries.
type DeliveryStatus string

const (
	// DeliveryStatusPending indicates the delivery is assigned but not started.
	DeliveryStatusPending DeliveryStatus = "pending"
	// DeliveryStatusInProgress indicates the agent is en route.
	DeliveryStatusInProgress DeliveryStatus = "in_progress"
	// DeliveryStatusDelivered indicates the delivery completed successfully.
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	// DeliveryStatusFailed indicates the delivery attempt failed.
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// IsTerminal reports whether the delivery can no longer change status.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusDelivered || s == DeliveryStatusFailed
}

// Order captures an order header together with its immutable line items.
type Order struct {
	ID              string
	UserID          string
	Status          OrderStatus
	PaymentMethod   PaymentMethod
	PaymentStatus   PaymentStatus
	TotalAmount     int64
	Items           []OrderItem
	DeliveryAddress string
	Notes           string
	Delivery        *DeliverySummary
	Audit           OrderAudit
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
	CancelReason    *string
}

// OrderItem is a line item frozen at order time. PriceAtOrder snapshots the
// catalog price so later price changes never alter historical orders.
type OrderItem struct {
	ID           string
	ProductID    string
	Name         string
	Quantity     int
	PriceAtOrder int64
	Total        int64
}

// OrderAudit records the actors responsible for creating/updating the order.
type OrderAudit struct {
	CreatedBy *string
	UpdatedBy *string
}

// DeliverySummary is the delivery projection denormalized onto the order
// document. It is written in the same transaction as the deliveries document
// so readers never observe the two out of sync.
type DeliverySummary struct {
	DeliveryID  string
	AgentID     string
	Status      DeliveryStatus
	AssignedAt  time.Time
	DeliveredAt *time.Time
}

// Delivery is the fulfilment record attached to exactly one order.
type Delivery struct {
	ID          string
	OrderID     string
	AgentID     string
	Status      DeliveryStatus
	AssignedAt  time.Time
	DeliveredAt *time.Time
	Notes       string
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Product is the read-only catalog projection this service consumes. Catalog
// ownership (CRUD, images) lives in the admin surface, not here.
type Product struct {
	ID             string
	Name           string
	Description    string
	Price          int64
	Category       string
	IsAvailable    bool
	StockQuantity  int
	TrackInventory bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserProfile is the minimal principal projection used for agent lookups.
type UserProfile struct {
	ID          string
	DisplayName string
	Email       string
	Phone       string
	Role        string
	CreatedAt   time.Time
}

// Roles recognised by the platform.
const (
	RoleCustomer      = "customer"
	RoleDeliveryAgent = "delivery_agent"
	RoleAdmin         = "admin"
)

// EarningsSummary is the derived per-agent reconciliation aggregate. It is
// never persisted; Total always equals Cash + UPI + Other + Unpaid, so it
// matches the summed totalAmount of every delivered order in the window.
type EarningsSummary struct {
	AgentID     string
	WindowStart time.Time
	WindowEnd   time.Time
	Cash        int64
	UPI         int64
	// Other holds paid orders the agent never handled money for, such as
	// card payments settled upstream.
	Other  int64
	Unpaid int64
	Total  int64
	Orders int
}

// StockSummary aggregates inventory-tracked products at or below a threshold.
type StockSummary struct {
	Threshold     int
	TrackedCount  int
	LowStockCount int
	LowStock      []StockLine
}

// StockLine is one low-stock product in a stock summary.
type StockLine struct {
	ProductID     string
	Name          string
	Category      string
	StockQuantity int
	IsAvailable   bool
}

// AuditLogEntry is an immutable record of a core mutation.
type AuditLogEntry struct {
	ID         string
	Action     string
	TargetRef  string
	Actor      string
	ActorType  string
	Metadata   map[string]any
	OccurredAt time.Time
}

// HealthStatus summarises the outcome of a dependency probe.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

// SystemHealthReport summarises dependency status for readiness probes.
type SystemHealthReport struct {
	Status      HealthStatus
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	GeneratedAt time.Time
}

// SystemHealthCheck captures one downstream dependency probe result.
type SystemHealthCheck struct {
	Status    HealthStatus
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}
