package repositories

import (
	"context"
	"time"

	domain "github.com/aprfresh/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Deliveries() DeliveryRepository
	Products() ProductRepository
	Users() UserRepository
	Counters() CounterRepository
	AuditLogs() AuditLogRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations into a single transactional boundary.
// Implementations carry the active transaction through the context so that
// every repository call made inside fn commits or aborts as one unit.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order headers (with embedded line items) and
// provides query helpers for customers, agents, and admins.
type OrderRepository interface {
	// Insert creates the order document. The write fails with a conflict
	// error when a document with the same id already exists, which backs the
	// uniqueness guarantee of sequential order ids.
	Insert(ctx context.Context, order domain.Order) error
	// Update overwrites the order document. The stored version must match
	// order.Version; stale writes fail with a conflict error and the stored
	// document is left untouched.
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// ListDeliveredByAgent returns delivered orders whose delivery summary
	// references the agent, created within [window.From, window.To).
	ListDeliveredByAgent(ctx context.Context, agentID string, window domain.RangeQuery[time.Time]) ([]domain.Order, error)
}

// DeliveryRepository persists delivery documents.
type DeliveryRepository interface {
	Insert(ctx context.Context, delivery domain.Delivery) error
	// Update applies the same version compare-and-swap contract as
	// OrderRepository.Update.
	Update(ctx context.Context, delivery domain.Delivery) error
	FindByID(ctx context.Context, deliveryID string) (domain.Delivery, error)
	ListByAgent(ctx context.Context, agentID string, filter DeliveryListFilter) (domain.CursorPage[domain.Delivery], error)
}

// ProductRepository reads the catalog owned by the admin surface. This service
// never mutates products.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	// FindByIDs resolves a batch of products keyed by id. Missing ids are
	// absent from the result map rather than being an error.
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	// ListTracked returns products with inventory tracking enabled, ordered
	// by ascending stock quantity.
	ListTracked(ctx context.Context, limit int) ([]domain.Product, error)
}

// UserRepository resolves principal profiles, primarily for agent lookups
// during assignment. Profile ownership lives with the auth surface.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (domain.UserProfile, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

// OrderListFilter narrows order listings. An empty UserID lists all orders
// (admin views); customer views always set it.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// DeliveryListFilter narrows delivery listings for an agent.
type DeliveryListFilter struct {
	Status     []domain.DeliveryStatus
	Pagination domain.Pagination
}

// AuditLogFilter narrows audit trail listings.
type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
