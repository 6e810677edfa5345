package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/aprfresh/api/internal/domain"
	"github.com/aprfresh/api/internal/services"
)

type stubAuditLogService struct {
	listFn func(context.Context, services.AuditLogFilter) (domain.CursorPage[services.AuditLogEntry], error)
}

func (s *stubAuditLogService) Record(ctx context.Context, record services.AuditLogRecord) {}

func (s *stubAuditLogService) List(ctx context.Context, filter services.AuditLogFilter) (domain.CursorPage[services.AuditLogEntry], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.AuditLogEntry]{}, errors.New("not implemented")
}

func newInternalRouter(handler *InternalHandlers) *chi.Mux {
	router := chi.NewRouter()
	router.Route("/internal", handler.Routes)
	return router
}

func TestInternalHandlersListAuditLogs(t *testing.T) {
	occurredAt := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

	var captured services.AuditLogFilter
	audit := &stubAuditLogService{
		listFn: func(ctx context.Context, filter services.AuditLogFilter) (domain.CursorPage[services.AuditLogEntry], error) {
			captured = filter
			return domain.CursorPage[services.AuditLogEntry]{
				Items: []services.AuditLogEntry{
					{
						ID:         "log_1",
						Action:     "order.cancel",
						TargetRef:  "orders/APR000042",
						Actor:      "admin-1",
						ActorType:  "admin",
						OccurredAt: occurredAt,
					},
				},
				NextPageToken: "tok-a",
			}, nil
		},
	}

	handler := NewInternalHandlers(audit, &stubEarningsService{})
	router := newInternalRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/internal/audit-logs?target=orders/APR000042&action=order.cancel&page_size=25", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.TargetRef != "orders/APR000042" || captured.Action != "order.cancel" {
		t.Fatalf("unexpected filter: %#v", captured)
	}
	if captured.Pagination.PageSize != 25 {
		t.Fatalf("expected page size 25, got %d", captured.Pagination.PageSize)
	}

	var resp auditLogListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Action != "order.cancel" {
		t.Fatalf("unexpected items: %#v", resp.Items)
	}
	if resp.Items[0].OccurredAt == "" {
		t.Fatalf("expected occurred_at to be set")
	}
	if resp.NextPageToken != "tok-a" {
		t.Fatalf("expected next page token tok-a, got %q", resp.NextPageToken)
	}
}

func TestInternalHandlersAgentEarnings(t *testing.T) {
	var captured services.EarningsQuery
	earnings := &stubEarningsService{
		summarizeFn: func(ctx context.Context, query services.EarningsQuery) (services.EarningsSummary, error) {
			captured = query
			return services.EarningsSummary{AgentID: query.AgentID, Cash: 500, Total: 500, Orders: 2}, nil
		},
	}

	handler := NewInternalHandlers(&stubAuditLogService{}, earnings)
	router := newInternalRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/internal/agents/agent-7/earnings?from=2026-06-01T00:00:00Z", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.AgentID != "agent-7" {
		t.Fatalf("expected agent-7, got %q", captured.AgentID)
	}
	if captured.From.IsZero() || !captured.To.IsZero() {
		t.Fatalf("unexpected window: %#v", captured)
	}

	var resp agentEarningsExport
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Earnings.Total != 500 || resp.Earnings.Orders != 2 {
		t.Fatalf("unexpected summary: %#v", resp.Earnings)
	}
	if resp.Display.Total != "₹5.00" {
		t.Fatalf("unexpected display total: %q", resp.Display.Total)
	}
}

func TestInternalHandlersListAuditLogsInvalidTime(t *testing.T) {
	handler := NewInternalHandlers(&stubAuditLogService{}, &stubEarningsService{})
	router := newInternalRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/internal/audit-logs?from=yesterday", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}
