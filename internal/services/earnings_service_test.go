package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/aprfresh/api/internal/domain"
)

func TestEarningsServiceSummarize(t *testing.T) {
	dayStart := time.Date(2025, 7, 14, 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	agentOrder := func(id string, method domain.PaymentMethod, status domain.PaymentStatus, amount int64, createdAt time.Time) domain.Order {
		return domain.Order{
			ID:            id,
			Status:        domain.OrderStatusDelivered,
			PaymentMethod: method,
			PaymentStatus: status,
			TotalAmount:   amount,
			CreatedAt:     createdAt,
			Delivery:      &domain.DeliverySummary{AgentID: "agent-1", Status: domain.DeliveryStatusDelivered},
		}
	}

	orders := newStubOrderRepository(
		agentOrder("APR000001", domain.PaymentMethodCash, domain.PaymentStatusPaid, 1100, dayStart.Add(9*time.Hour)),
		agentOrder("APR000002", domain.PaymentMethodCash, domain.PaymentStatusPaid, 400, dayStart.Add(11*time.Hour)),
		agentOrder("APR000003", domain.PaymentMethodUPI, domain.PaymentStatusPaid, 2500, dayStart.Add(13*time.Hour)),
		agentOrder("APR000004", domain.PaymentMethodCash, domain.PaymentStatusPending, 900, dayStart.Add(15*time.Hour)),
		// Card settles upstream; the agent never touches the money.
		agentOrder("APR000005", domain.PaymentMethodCreditCard, domain.PaymentStatusPaid, 1800, dayStart.Add(17*time.Hour)),
		// Outside the window.
		agentOrder("APR000006", domain.PaymentMethodCash, domain.PaymentStatusPaid, 7777, dayEnd),
	)

	svc, err := NewEarningsService(EarningsServiceDeps{Orders: orders})
	if err != nil {
		t.Fatalf("new earnings service: %v", err)
	}

	summary, err := svc.Summarize(context.Background(), EarningsQuery{
		AgentID: "agent-1",
		From:    dayStart,
		To:      dayEnd,
	})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}

	if summary.Cash != 1500 {
		t.Fatalf("expected cash 1500, got %d", summary.Cash)
	}
	if summary.UPI != 2500 {
		t.Fatalf("expected upi 2500, got %d", summary.UPI)
	}
	if summary.Other != 1800 {
		t.Fatalf("expected other 1800, got %d", summary.Other)
	}
	if summary.Unpaid != 900 {
		t.Fatalf("expected unpaid 900, got %d", summary.Unpaid)
	}
	// Every delivered order in the window reconciles into exactly one bucket.
	if summary.Total != 1500+2500+1800+900 {
		t.Fatalf("expected total 6700, got %d", summary.Total)
	}
	if summary.Total != summary.Cash+summary.UPI+summary.Other+summary.Unpaid {
		t.Fatalf("total invariant violated: %+v", summary)
	}
	if summary.Orders != 5 {
		t.Fatalf("expected 5 orders in window, got %d", summary.Orders)
	}
	if !summary.WindowStart.Equal(dayStart) || !summary.WindowEnd.Equal(dayEnd) {
		t.Fatalf("unexpected window: %v - %v", summary.WindowStart, summary.WindowEnd)
	}
}

func TestEarningsServiceSummarizeEmptyWindow(t *testing.T) {
	svc, err := NewEarningsService(EarningsServiceDeps{Orders: newStubOrderRepository()})
	if err != nil {
		t.Fatalf("new earnings service: %v", err)
	}

	summary, err := svc.Summarize(context.Background(), EarningsQuery{
		AgentID: "agent-1",
		From:    time.Date(2025, 7, 14, 0, 0, 0, 0, time.UTC),
		To:      time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary.Cash != 0 || summary.UPI != 0 || summary.Other != 0 || summary.Unpaid != 0 || summary.Total != 0 || summary.Orders != 0 {
		t.Fatalf("expected zero summary, got %+v", summary)
	}
}

func TestEarningsServiceSummarizeDefaultsToCurrentDay(t *testing.T) {
	now := time.Date(2025, 7, 14, 16, 45, 0, 0, time.UTC)
	svc, err := NewEarningsService(EarningsServiceDeps{
		Orders: newStubOrderRepository(),
		Clock:  testClock(now),
	})
	if err != nil {
		t.Fatalf("new earnings service: %v", err)
	}

	summary, err := svc.Summarize(context.Background(), EarningsQuery{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	wantStart := time.Date(2025, 7, 14, 0, 0, 0, 0, time.UTC)
	if !summary.WindowStart.Equal(wantStart) || !summary.WindowEnd.Equal(wantStart.AddDate(0, 0, 1)) {
		t.Fatalf("expected current-day window, got %v - %v", summary.WindowStart, summary.WindowEnd)
	}
}

func TestEarningsServiceSummarizeValidation(t *testing.T) {
	svc, err := NewEarningsService(EarningsServiceDeps{Orders: newStubOrderRepository()})
	if err != nil {
		t.Fatalf("new earnings service: %v", err)
	}

	if _, err := svc.Summarize(context.Background(), EarningsQuery{}); !errors.Is(err, ErrEarningsInvalidInput) {
		t.Fatalf("expected invalid input for missing agent, got %v", err)
	}

	from := time.Date(2025, 7, 14, 0, 0, 0, 0, time.UTC)
	if _, err := svc.Summarize(context.Background(), EarningsQuery{
		AgentID: "agent-1",
		From:    from,
		To:      from,
	}); !errors.Is(err, ErrEarningsInvalidInput) {
		t.Fatalf("expected invalid input for empty window, got %v", err)
	}
}
