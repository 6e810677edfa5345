package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aprfresh/api/internal/repositories"
)

type stubCounterRepository struct {
	mu     sync.Mutex
	value  int64
	nextFn func(context.Context, string, int64) (int64, error)
	calls  []string
}

func (s *stubCounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	s.mu.Lock()
	s.calls = append(s.calls, counterID)
	s.mu.Unlock()
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID, step)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value += step
	return s.value, nil
}

func (s *stubCounterRepository) Configure(context.Context, string, repositories.CounterConfig) error {
	return nil
}

func TestCounterServiceNextOrderID(t *testing.T) {
	repo := &stubCounterRepository{}
	svc, err := NewCounterService(CounterServiceDeps{Repository: repo})
	if err != nil {
		t.Fatalf("new counter service: %v", err)
	}

	ctx := context.Background()
	first, err := svc.NextOrderID(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if first != "APR000001" {
		t.Fatalf("expected APR000001, got %s", first)
	}

	second, err := svc.NextOrderID(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if second != "APR000002" {
		t.Fatalf("expected APR000002, got %s", second)
	}

	if len(repo.calls) != 2 || repo.calls[0] != "orders:sequence" {
		t.Fatalf("unexpected repository calls: %v", repo.calls)
	}
}

func TestCounterServiceWidensPastPadding(t *testing.T) {
	repo := &stubCounterRepository{value: 999999}
	svc, err := NewCounterService(CounterServiceDeps{Repository: repo})
	if err != nil {
		t.Fatalf("new counter service: %v", err)
	}

	id, err := svc.NextOrderID(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if id != "APR1000000" {
		t.Fatalf("expected APR1000000, got %s", id)
	}
}

func TestCounterServiceMapsRepositoryErrors(t *testing.T) {
	repo := &stubCounterRepository{}
	repo.nextFn = func(context.Context, string, int64) (int64, error) {
		return 0, repositories.NewCounterError(repositories.CounterErrorExhausted, "max reached", nil)
	}
	svc, err := NewCounterService(CounterServiceDeps{Repository: repo})
	if err != nil {
		t.Fatalf("new counter service: %v", err)
	}

	if _, err := svc.NextOrderID(context.Background()); !errors.Is(err, ErrCounterExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
}
