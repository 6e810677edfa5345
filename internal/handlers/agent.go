package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/aprfresh/api/internal/domain"
	"github.com/aprfresh/api/internal/platform/auth"
	"github.com/aprfresh/api/internal/platform/httpx"
	"github.com/aprfresh/api/internal/services"
)

const (
	defaultDeliveryPageSize     = 20
	maxDeliveryPageSize         = 100
	maxDeliveryActionBodySize   = 4 * 1024
	maxEarningsWindow           = 92 * 24 * time.Hour
	earningsWindowTooWideDetail = "earnings window cannot exceed 92 days"
)

var validDeliveryStatuses = map[domain.DeliveryStatus]struct{}{
	domain.DeliveryStatusPending:    {},
	domain.DeliveryStatusInProgress: {},
	domain.DeliveryStatusDelivered:  {},
	domain.DeliveryStatusFailed:     {},
}

type deliveryActionRequest struct {
	Notes string `json:"notes"`
	// PaymentCollected is only meaningful on :complete; the service ignores
	// it on every other transition.
	PaymentCollected bool `json:"payment_collected"`
}

// AgentHandlers exposes delivery and earnings endpoints for delivery agents.
type AgentHandlers struct {
	authn      *auth.Authenticator
	deliveries services.DeliveryService
	earnings   services.EarningsService
	limiter    rateLimiter
}

// AgentHandlerOption customises AgentHandlers construction.
type AgentHandlerOption func(*AgentHandlers)

// WithAgentRateLimiter bounds mutating delivery requests per agent.
func WithAgentRateLimiter(limit int, window time.Duration) AgentHandlerOption {
	return func(h *AgentHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewAgentHandlers constructs a new AgentHandlers instance.
func NewAgentHandlers(authn *auth.Authenticator, deliveries services.DeliveryService, earnings services.EarningsService, opts ...AgentHandlerOption) *AgentHandlers {
	h := &AgentHandlers{
		authn:      authn,
		deliveries: deliveries,
		earnings:   earnings,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /agent endpoints.
func (h *AgentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleDeliveryAgent, auth.RoleAdmin))
	}
	r.Get("/deliveries", h.listDeliveries)
	r.Post("/deliveries/{deliveryID}:start", h.startDelivery)
	r.Post("/deliveries/{deliveryID}:complete", h.completeDelivery)
	r.Post("/deliveries/{deliveryID}:fail", h.failDelivery)
	r.Get("/earnings", h.earningsSummary)
}

func (h *AgentHandlers) listDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deliveries == nil {
		httpx.WriteError(ctx, w, httpx.NewError("delivery_service_unavailable", "delivery service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()

	statuses, err := parseDeliveryStatusFilters(query["status"])
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	pageSize, err := parsePageSize(query.Get("page_size"), defaultDeliveryPageSize, maxDeliveryPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.DeliveryListFilter{
		Status: statuses,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}

	page, err := h.deliveries.ListAgentDeliveries(ctx, strings.TrimSpace(identity.UID), filter)
	if err != nil {
		writeDeliveryError(ctx, w, err)
		return
	}

	items := make([]deliveryPayload, 0, len(page.Items))
	for _, delivery := range page.Items {
		items = append(items, buildDeliveryPayload(delivery))
	}

	writeJSONResponse(w, http.StatusOK, deliveryListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *AgentHandlers) startDelivery(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, domain.DeliveryStatusInProgress)
}

func (h *AgentHandlers) completeDelivery(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, domain.DeliveryStatusDelivered)
}

func (h *AgentHandlers) failDelivery(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, domain.DeliveryStatusFailed)
}

func (h *AgentHandlers) transition(w http.ResponseWriter, r *http.Request, target domain.DeliveryStatus) {
	ctx := r.Context()
	if h.deliveries == nil {
		httpx.WriteError(ctx, w, httpx.NewError("delivery_service_unavailable", "delivery service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.limiter != nil && !h.limiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
		return
	}

	deliveryID := strings.TrimSpace(chi.URLParam(r, "deliveryID"))
	if deliveryID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "delivery id is required", http.StatusBadRequest))
		return
	}

	var req deliveryActionRequest
	body, err := readLimitedBody(r, maxDeliveryActionBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	cmd := services.DeliveryStatusCommand{
		DeliveryID:       deliveryID,
		TargetStatus:     target,
		AgentID:          strings.TrimSpace(identity.UID),
		ActorID:          strings.TrimSpace(identity.UID),
		AdminActor:       identity.HasRole(auth.RoleAdmin),
		Notes:            strings.TrimSpace(req.Notes),
		PaymentCollected: req.PaymentCollected,
	}

	delivery, err := h.deliveries.UpdateStatus(ctx, cmd)
	if err != nil {
		writeDeliveryError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, deliveryResponse{Delivery: buildDeliveryPayload(delivery)})
}

func (h *AgentHandlers) earningsSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.earnings == nil {
		httpx.WriteError(ctx, w, httpx.NewError("earnings_service_unavailable", "earnings service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()
	earningsQuery := services.EarningsQuery{
		AgentID: strings.TrimSpace(identity.UID),
	}

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

	if !earningsQuery.From.IsZero() && !earningsQuery.To.IsZero() && earningsQuery.To.Sub(earningsQuery.From) > maxEarningsWindow {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", earningsWindowTooWideDetail, http.StatusBadRequest))
		return
	}

	summary, err := h.earnings.Summarize(ctx, earningsQuery)
	if err != nil {
		writeEarningsError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildEarningsPayload(summary))
}

type deliveryListResponse struct {
	Items         []deliveryPayload `json:"items"`
	NextPageToken string            `json:"next_page_token,omitempty"`
}

type deliveryResponse struct {
	Delivery deliveryPayload `json:"delivery"`
}

type deliveryPayload struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	AgentID     string `json:"agent_id"`
	Status      string `json:"status"`
	AssignedAt  string `json:"assigned_at"`
	DeliveredAt string `json:"delivered_at,omitempty"`
	Notes       string `json:"notes,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

type earningsPayload struct {
	AgentID     string `json:"agent_id"`
	WindowStart string `json:"window_start"`
	WindowEnd   string `json:"window_end"`
	Cash        int64  `json:"cash"`
	UPI         int64  `json:"upi"`
	Other       int64  `json:"other"`
	Unpaid      int64  `json:"unpaid"`
	Total       int64  `json:"total"`
	Orders      int    `json:"orders"`
}

func buildDeliveryPayload(delivery services.Delivery) deliveryPayload {
	return deliveryPayload{
		ID:          strings.TrimSpace(delivery.ID),
		OrderID:     strings.TrimSpace(delivery.OrderID),
		AgentID:     strings.TrimSpace(delivery.AgentID),
		Status:      strings.TrimSpace(string(delivery.Status)),
		AssignedAt:  formatTime(delivery.AssignedAt),
		DeliveredAt: formatTime(pointerTime(delivery.DeliveredAt)),
		Notes:       strings.TrimSpace(delivery.Notes),
		CreatedAt:   formatTime(delivery.CreatedAt),
		UpdatedAt:   formatTime(delivery.UpdatedAt),
	}
}

func buildEarningsPayload(summary services.EarningsSummary) earningsPayload {
	return earningsPayload{
		AgentID:     strings.TrimSpace(summary.AgentID),
		WindowStart: formatTime(summary.WindowStart),
		WindowEnd:   formatTime(summary.WindowEnd),
		Cash:        summary.Cash,
		UPI:         summary.UPI,
		Other:       summary.Other,
		Unpaid:      summary.Unpaid,
		Total:       summary.Total,
		Orders:      summary.Orders,
	}
}

func writeDeliveryError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrDeliveryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrDeliveryNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("delivery_not_found", "delivery not found", http.StatusNotFound))
	case errors.Is(err, services.ErrDeliveryForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("delivery_not_found", "delivery not found", http.StatusNotFound))
	case errors.Is(err, services.ErrDeliveryAlreadyAssigned):
		httpx.WriteError(ctx, w, httpx.NewError("delivery_already_assigned", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrDeliveryAgentInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_agent", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrDeliveryInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("delivery_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrDeliveryConflict):
		httpx.WriteError(ctx, w, httpx.NewError("delivery_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("delivery_error", "failed to process delivery request", http.StatusInternalServerError))
	}
}

func writeEarningsError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrEarningsInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("earnings_error", "failed to compute earnings summary", http.StatusInternalServerError))
	}
}

func parseDeliveryStatusFilters(values []string) ([]domain.DeliveryStatus, error) {
	raw := parseFilterValues(values)
	if len(raw) == 0 {
		return nil, nil
	}
	statuses := make([]domain.DeliveryStatus, 0, len(raw))
	for _, value := range raw {
		status := domain.DeliveryStatus(value)
		if _, ok := validDeliveryStatuses[status]; !ok {
			return nil, errors.New("status filter contains an unknown delivery status")
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
