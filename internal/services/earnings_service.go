package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/aprfresh/api/internal/domain"
	"github.com/aprfresh/api/internal/repositories"
)

// ErrEarningsInvalidInput signals an invalid reconciliation query.
var ErrEarningsInvalidInput = errors.New("earnings: invalid input")

// EarningsServiceDeps bundles collaborators required to construct the earnings service.
type EarningsServiceDeps struct {
	Orders repositories.OrderRepository
	Clock  func() time.Time
}

type earningsService struct {
	orders repositories.OrderRepository
	clock  func() time.Time
}

// NewEarningsService constructs the per-agent payment reconciliation service.
func NewEarningsService(deps EarningsServiceDeps) (EarningsService, error) {
	if deps.Orders == nil {
		return nil, errors.New("earnings service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &earningsService{
		orders: deps.Orders,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Summarize aggregates the agent's delivered orders in [From, To) into cash,
// UPI, other, and unpaid buckets. Every order lands in exactly one bucket, so
// Total reconciles against the summed order amounts. The summary is derived
// on every call; nothing is persisted, so it can never drift from the orders
// it reads.
func (s *earningsService) Summarize(ctx context.Context, query EarningsQuery) (EarningsSummary, error) {
	agentID := strings.TrimSpace(query.AgentID)
	if agentID == "" {
		return EarningsSummary{}, fmt.Errorf("%w: agent id is required", ErrEarningsInvalidInput)
	}

	from := query.From.UTC()
	to := query.To.UTC()
	if from.IsZero() || to.IsZero() {
		// Default to the current UTC day.
		now := s.clock()
		from = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		to = from.AddDate(0, 0, 1)
	}
	if !to.After(from) {
		return EarningsSummary{}, fmt.Errorf("%w: window end must be after start", ErrEarningsInvalidInput)
	}

	window := domain.RangeQuery[time.Time]{From: &from, To: &to}
	orders, err := s.orders.ListDeliveredByAgent(ctx, agentID, window)
	if err != nil {
		return EarningsSummary{}, err
	}

	summary := EarningsSummary{
		AgentID:     agentID,
		WindowStart: from,
		WindowEnd:   to,
	}
	for _, order := range orders {
		summary.Orders++
		if order.PaymentStatus != domain.PaymentStatusPaid {
			summary.Unpaid += order.TotalAmount
			continue
		}
		switch order.PaymentMethod {
		case domain.PaymentMethodCash:
			summary.Cash += order.TotalAmount
		case domain.PaymentMethodUPI:
			summary.UPI += order.TotalAmount
		default:
			// Card and other upstream settlements: no money through the
			// agent's hands, but the amount still reconciles.
			summary.Other += order.TotalAmount
		}
	}
	summary.Total = summary.Cash + summary.UPI + summary.Other + summary.Unpaid

	return summary, nil
}
