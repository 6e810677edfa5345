package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/aprfresh/api/internal/platform/httpx"
	"github.com/aprfresh/api/internal/services"
)

const (
	defaultAuditLogPageSize = 50
	maxAuditLogPageSize     = 200
)

// InternalHandlers serves back-office endpoints for trusted service callers.
// Authentication is supplied by the router's internal middleware chain, not
// by the handlers themselves.
type InternalHandlers struct {
	audit    services.AuditLogService
	earnings services.EarningsService
}

// NewInternalHandlers constructs a new InternalHandlers instance.
func NewInternalHandlers(audit services.AuditLogService, earnings services.EarningsService) *InternalHandlers {
	return &InternalHandlers{audit: audit, earnings: earnings}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/audit-logs", h.listAuditLogs)
	r.Get("/agents/{agentID}/earnings", h.agentEarnings)
}

func (h *InternalHandlers) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.audit == nil {
		httpx.WriteError(ctx, w, httpx.NewError("audit_service_unavailable", "audit log service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()

	var from, to *time.Time
	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "from must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		from = &ts
	}
	if raw := strings.TrimSpace(query.Get("to")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "to must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		to = &ts
	}

	pageSize, err := parsePageSize(query.Get("page_size"), defaultAuditLogPageSize, maxAuditLogPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.AuditLogFilter{
		TargetRef: strings.TrimSpace(query.Get("target")),
		Actor:     strings.TrimSpace(query.Get("actor")),
		Action:    strings.TrimSpace(query.Get("action")),
		From:      from,
		To:        to,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}

	page, err := h.audit.List(ctx, filter)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("audit_log_error", "failed to list audit logs", http.StatusInternalServerError))
		return
	}

	items := make([]auditLogPayload, 0, len(page.Items))
	for _, entry := range page.Items {
		items = append(items, auditLogPayload{
			ID:         entry.ID,
			Action:     entry.Action,
			TargetRef:  entry.TargetRef,
			Actor:      entry.Actor,
			ActorType:  entry.ActorType,
			Metadata:   cloneMap(entry.Metadata),
			OccurredAt: formatTime(entry.OccurredAt),
		})
	}

	writeJSONResponse(w, http.StatusOK, auditLogListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

// agentEarnings exposes per-agent reconciliation totals to back-office
// exports. Unlike /agent/earnings it takes the agent id from the path.
func (h *InternalHandlers) agentEarnings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.earnings == nil {
		httpx.WriteError(ctx, w, httpx.NewError("earnings_service_unavailable", "earnings service unavailable", http.StatusServiceUnavailable))
		return
	}

	agentID := strings.TrimSpace(chi.URLParam(r, "agentID"))
	if agentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "agent id is required", http.StatusBadRequest))
		return
	}

	query := r.URL.Query()
	earningsQuery := services.EarningsQuery{AgentID: agentID}

	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "from must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		earningsQuery.From = ts
	}
	if raw := strings.TrimSpace(query.Get("to")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "to must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		earningsQuery.To = ts
	}

	summary, err := h.earnings.Summarize(ctx, earningsQuery)
	if err != nil {
		writeEarningsError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, agentEarningsExport{
		Earnings: buildEarningsPayload(summary),
		Display: earningsDisplayPayload{
			Cash:   formatINR(summary.Cash),
			UPI:    formatINR(summary.UPI),
			Unpaid: formatINR(summary.Unpaid),
			Total:  formatINR(summary.Total),
		},
	})
}

var earningsLocale = message.NewPrinter(language.MustParse("en-IN"))

// formatINR renders a minor-unit amount as a grouped rupee string for
// spreadsheet-bound exports.
func formatINR(minor int64) string {
	return earningsLocale.Sprintf("₹%v", number.Decimal(float64(minor)/100,
		number.MinFractionDigits(2),
		number.MaxFractionDigits(2),
	))
}

type agentEarningsExport struct {
	Earnings earningsPayload        `json:"earnings"`
	Display  earningsDisplayPayload `json:"display"`
}

type earningsDisplayPayload struct {
	Cash   string `json:"cash"`
	UPI    string `json:"upi"`
	Unpaid string `json:"unpaid"`
	Total  string `json:"total"`
}

type auditLogListResponse struct {
	Items         []auditLogPayload `json:"items"`
	NextPageToken string            `json:"next_page_token,omitempty"`
}

type auditLogPayload struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	TargetRef  string         `json:"target_ref"`
	Actor      string         `json:"actor"`
	ActorType  string         `json:"actor_type,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt string         `json:"occurred_at"`
}
