package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aprfresh/api/internal/repositories"
)

const (
	orderCounterID    = "orders:sequence"
	orderNumberPrefix = "APR"
	orderNumberWidth  = 6
)

var (
	// ErrCounterInvalidInput indicates the caller supplied invalid counter parameters.
	ErrCounterInvalidInput = errors.New("counter: invalid input")
	// ErrCounterExhausted indicates the counter cannot increment further due to max bounds.
	ErrCounterExhausted = errors.New("counter: exhausted")
)

// CounterServiceDeps bundles collaborators required to construct a counter service instance.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
}

type counterService struct {
	repo repositories.CounterRepository
}

// NewCounterService constructs the sequential identifier service on top of
// the counter repository.
func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}
	return &counterService{repo: deps.Repository}, nil
}

// NextOrderID allocates the next order number. Values are zero-padded to six
// digits and never reused; the sequence widens naturally past 999999.
func (s *counterService) NextOrderID(ctx context.Context) (string, error) {
	seq, err := s.next(ctx, orderCounterID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%0*d", orderNumberPrefix, orderNumberWidth, seq), nil
}

func (s *counterService) next(ctx context.Context, counterID string) (int64, error) {
	if strings.TrimSpace(counterID) == "" {
		return 0, fmt.Errorf("%w: counter id is required", ErrCounterInvalidInput)
	}
	value, err := s.repo.Next(ctx, counterID, 1)
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) {
			switch counterErr.Code {
			case repositories.CounterErrorInvalidInput:
				return 0, fmt.Errorf("%w: %s", ErrCounterInvalidInput, counterErr.Message)
			case repositories.CounterErrorExhausted:
				return 0, fmt.Errorf("%w: %s", ErrCounterExhausted, counterErr.Message)
			}
		}
		return 0, err
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: counter %s produced non-positive value %d", ErrCounterInvalidInput, counterID, value)
	}
	return value, nil
}
