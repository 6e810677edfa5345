package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aprfresh/api/internal/platform/config"
	"github.com/aprfresh/api/internal/repositories"
	"github.com/aprfresh/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders     services.OrderService
	Deliveries services.DeliveryService
	Earnings   services.EarningsService
	Catalog    services.CatalogService
	Counters   services.CounterService
	Audit      services.AuditLogService
	System     services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// ContainerOption customises optional dependencies before services are built.
type ContainerOption func(*containerDeps)

type containerDeps struct {
	orderEvents    services.OrderEventPublisher
	deliveryEvents services.DeliveryEventPublisher
	build          services.BuildInfo
	logFn          func(ctx context.Context, event string, fields map[string]any)
	auditLogger    services.AuditLogger
	clock          func() time.Time
}

// WithEventPublishers installs the lifecycle event publishers used by the
// order and delivery services. Publishing stays best-effort either way.
func WithEventPublishers(orders services.OrderEventPublisher, deliveries services.DeliveryEventPublisher) ContainerOption {
	return func(d *containerDeps) {
		d.orderEvents = orders
		d.deliveryEvents = deliveries
	}
}

// WithBuildInfo records build metadata surfaced by the system service.
func WithBuildInfo(build services.BuildInfo) ContainerOption {
	return func(d *containerDeps) {
		d.build = build
	}
}

// WithServiceLogger installs the structured event logger services use for
// non-fatal failures.
func WithServiceLogger(fn func(ctx context.Context, event string, fields map[string]any)) ContainerOption {
	return func(d *containerDeps) {
		d.logFn = fn
	}
}

// WithAuditLogger installs the warning logger for the audit writer.
func WithAuditLogger(logger services.AuditLogger) ContainerOption {
	return func(d *containerDeps) {
		d.auditLogger = logger
	}
}

// WithClock overrides the time source, mostly for tests.
func WithClock(clock func() time.Time) ContainerOption {
	return func(d *containerDeps) {
		d.clock = clock
	}
}

// NewContainer constructs the runtime dependencies. Production wiring provides the
// Firestore-backed registry, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...ContainerOption) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	deps := containerDeps{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&deps)
		}
	}

	svc, err := buildServices(reg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(reg repositories.Registry, deps containerDeps) (Services, error) {
	var svc Services

	if auditRepo := reg.AuditLogs(); auditRepo != nil {
		auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
			Repository: auditRepo,
			Clock:      deps.clock,
			Logger:     deps.auditLogger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build audit log service: %w", err)
		}
		svc.Audit = auditSvc
	}

	counterRepo := reg.Counters()
	if counterRepo != nil {
		counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
			Repository: counterRepo,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build counter service: %w", err)
		}
		svc.Counters = counterSvc
	}

	if productsRepo := reg.Products(); productsRepo != nil {
		catalogSvc, err := services.NewCatalogService(services.CatalogServiceDeps{
			Products: productsRepo,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build catalog service: %w", err)
		}
		svc.Catalog = catalogSvc
	}

	ordersRepo := reg.Orders()
	if ordersRepo != nil && svc.Counters != nil {
		orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
			Orders:     ordersRepo,
			Products:   reg.Products(),
			Counters:   svc.Counters,
			UnitOfWork: reg,
			Audit:      svc.Audit,
			Clock:      deps.clock,
			Events:     deps.orderEvents,
			Logger:     deps.logFn,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build order service: %w", err)
		}
		svc.Orders = orderSvc
	}

	if deliveriesRepo := reg.Deliveries(); deliveriesRepo != nil && ordersRepo != nil {
		deliverySvc, err := services.NewDeliveryService(services.DeliveryServiceDeps{
			Deliveries: deliveriesRepo,
			Orders:     ordersRepo,
			Users:      reg.Users(),
			UnitOfWork: reg,
			Audit:      svc.Audit,
			Clock:      deps.clock,
			Events:     deps.deliveryEvents,
			Logger:     deps.logFn,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build delivery service: %w", err)
		}
		svc.Deliveries = deliverySvc
	}

	if ordersRepo != nil {
		earningsSvc, err := services.NewEarningsService(services.EarningsServiceDeps{
			Orders: ordersRepo,
			Clock:  deps.clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build earnings service: %w", err)
		}
		svc.Earnings = earningsSvc
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            deps.clock,
			Build:            deps.build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
