package di

import (
	"context"
	"testing"
	"time"

	domain "github.com/aprfresh/api/internal/domain"
	"github.com/aprfresh/api/internal/platform/config"
	"github.com/aprfresh/api/internal/repositories"
)

type stubRegistry struct {
	orders     repositories.OrderRepository
	deliveries repositories.DeliveryRepository
	products   repositories.ProductRepository
	users      repositories.UserRepository
	counters   repositories.CounterRepository
	auditLogs  repositories.AuditLogRepository
	health     repositories.HealthRepository

	closed bool
}

func (s *stubRegistry) Close(ctx context.Context) error {
	s.closed = true
	return nil
}

func (s *stubRegistry) Orders() repositories.OrderRepository        { return s.orders }
func (s *stubRegistry) Deliveries() repositories.DeliveryRepository { return s.deliveries }
func (s *stubRegistry) Products() repositories.ProductRepository    { return s.products }
func (s *stubRegistry) Users() repositories.UserRepository          { return s.users }
func (s *stubRegistry) Counters() repositories.CounterRepository    { return s.counters }
func (s *stubRegistry) AuditLogs() repositories.AuditLogRepository  { return s.auditLogs }
func (s *stubRegistry) Health() repositories.HealthRepository       { return s.health }

func (s *stubRegistry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type stubOrderRepo struct{}

func (stubOrderRepo) Insert(context.Context, domain.Order) error { return nil }
func (stubOrderRepo) Update(context.Context, domain.Order) error { return nil }
func (stubOrderRepo) FindByID(context.Context, string) (domain.Order, error) {
	return domain.Order{}, nil
}
func (stubOrderRepo) List(context.Context, repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	return domain.CursorPage[domain.Order]{}, nil
}
func (stubOrderRepo) ListDeliveredByAgent(context.Context, string, domain.RangeQuery[time.Time]) ([]domain.Order, error) {
	return nil, nil
}

type stubCounterRepo struct{}

func (stubCounterRepo) Next(context.Context, string, int64) (int64, error) { return 1, nil }
func (stubCounterRepo) Configure(context.Context, string, repositories.CounterConfig) error {
	return nil
}

type stubProductRepo struct{}

func (stubProductRepo) FindByID(context.Context, string) (domain.Product, error) {
	return domain.Product{}, nil
}
func (stubProductRepo) FindByIDs(context.Context, []string) (map[string]domain.Product, error) {
	return nil, nil
}
func (stubProductRepo) ListTracked(context.Context, int) ([]domain.Product, error) {
	return nil, nil
}

func TestNewContainerRequiresRegistry(t *testing.T) {
	if _, err := NewContainer(context.Background(), config.Config{}, nil); err == nil {
		t.Fatal("expected error for nil registry")
	}
}

func TestNewContainerBuildsAvailableServices(t *testing.T) {
	reg := &stubRegistry{
		orders:   stubOrderRepo{},
		products: stubProductRepo{},
		counters: stubCounterRepo{},
	}

	container, err := NewContainer(context.Background(), config.Config{}, reg)
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}

	if container.Services.Orders == nil {
		t.Fatal("expected order service to be built")
	}
	if container.Services.Catalog == nil {
		t.Fatal("expected catalog service to be built")
	}
	if container.Services.Earnings == nil {
		t.Fatal("expected earnings service to be built")
	}
	if container.Services.Deliveries != nil {
		t.Fatal("expected delivery service to be skipped without a delivery repository")
	}
	if container.Services.System != nil {
		t.Fatal("expected system service to be skipped without a health repository")
	}

	if err := container.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !reg.closed {
		t.Fatal("expected registry to be closed")
	}
}
