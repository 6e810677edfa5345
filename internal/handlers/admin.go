package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/aprfresh/api/internal/domain"
	"github.com/aprfresh/api/internal/platform/auth"
	"github.com/aprfresh/api/internal/platform/httpx"
	"github.com/aprfresh/api/internal/services"
)

const (
	maxAdminActionBodySize = 16 * 1024
	defaultStockThreshold  = 5
	maxStockThreshold      = 10000
)

type assignOrderRequest struct {
	AgentID string `json:"agent_id"`
	Notes   string `json:"notes"`
}

type bulkAssignRequest struct {
	OrderIDs []string `json:"order_ids"`
	AgentID  string   `json:"agent_id"`
}

type orderStatusRequest struct {
	Status         string `json:"status"`
	ExpectedStatus string `json:"expected_status"`
	Reason         string `json:"reason"`
}

// AdminHandlers exposes order management endpoints for administrators.
type AdminHandlers struct {
	authn      *auth.Authenticator
	orders     services.OrderService
	deliveries services.DeliveryService
	catalog    services.CatalogService

	bulkAssignmentEnabled bool
	stockAlertsEnabled    bool
}

// AdminHandlerOption customises AdminHandlers construction.
type AdminHandlerOption func(*AdminHandlers)

// WithAdminFeatures toggles optional admin surfaces.
func WithAdminFeatures(bulkAssignment, stockAlerts bool) AdminHandlerOption {
	return func(h *AdminHandlers) {
		h.bulkAssignmentEnabled = bulkAssignment
		h.stockAlertsEnabled = stockAlerts
	}
}

// NewAdminHandlers constructs a new AdminHandlers instance.
func NewAdminHandlers(authn *auth.Authenticator, orders services.OrderService, deliveries services.DeliveryService, catalog services.CatalogService, opts ...AdminHandlerOption) *AdminHandlers {
	h := &AdminHandlers{
		authn:                 authn,
		orders:                orders,
		deliveries:            deliveries,
		catalog:               catalog,
		bulkAssignmentEnabled: true,
		stockAlertsEnabled:    true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
	}
	r.Get("/orders", h.listOrders)
	r.Post("/orders/{orderID}:assign", h.assignOrder)
	r.Post("/orders:bulk-assign", h.bulkAssign)
	r.Post("/orders/{orderID}:status", h.updateOrderStatus)
	r.Post("/orders/{orderID}:cancel", h.cancelOrder)
	r.Get("/stock", h.stockSummary)
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()

	statuses, err := parseOrderStatusFilters(query["status"])
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	var from, to *time.Time
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		from = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		to = &ts
	}

	pageSize, err := parsePageSize(query.Get("page_size"), defaultOrderPageSize, maxOrderPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.OrderListFilter{
		UserID: strings.TrimSpace(query.Get("user_id")),
		Status: statuses,
		From:   from,
		To:     to,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order))
	}

	writeJSONResponse(w, http.StatusOK, adminOrderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *AdminHandlers) assignOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.deliveries == nil {
		httpx.WriteError(ctx, w, httpx.NewError("delivery_service_unavailable", "delivery service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxAdminActionBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req assignOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	cmd := services.AssignDeliveryCommand{
		OrderID: orderID,
		AgentID: strings.TrimSpace(req.AgentID),
		Notes:   strings.TrimSpace(req.Notes),
		ActorID: strings.TrimSpace(identity.UID),
	}

	delivery, err := h.deliveries.Assign(ctx, cmd)
	if err != nil {
		writeDeliveryError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, deliveryResponse{Delivery: buildDeliveryPayload(delivery)})
}

func (h *AdminHandlers) bulkAssign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.bulkAssignmentEnabled {
		httpx.WriteError(ctx, w, httpx.NewError("feature_disabled", "bulk assignment is disabled", http.StatusNotFound))
		return
	}
	if h.deliveries == nil {
		httpx.WriteError(ctx, w, httpx.NewError("delivery_service_unavailable", "delivery service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxAdminActionBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req bulkAssignRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	cmd := services.BulkAssignCommand{
		OrderIDs: req.OrderIDs,
		AgentID:  strings.TrimSpace(req.AgentID),
		ActorID:  strings.TrimSpace(identity.UID),
	}

	result, err := h.deliveries.AssignBulk(ctx, cmd)
	if err != nil {
		writeDeliveryError(ctx, w, err)
		return
	}

	assigned := make([]deliveryPayload, 0, len(result.Assigned))
	for _, delivery := range result.Assigned {
		assigned = append(assigned, buildDeliveryPayload(delivery))
	}
	failed := make([]bulkAssignFailurePayload, 0, len(result.Failed))
	for _, failure := range result.Failed {
		failed = append(failed, bulkAssignFailurePayload{
			OrderID: failure.OrderID,
			Reason:  failure.Reason,
		})
	}

	status := http.StatusOK
	if len(assigned) == 0 && len(failed) > 0 {
		status = http.StatusConflict
	}

	writeJSONResponse(w, status, bulkAssignResponse{
		Assigned: assigned,
		Failed:   failed,
	})
}

func (h *AdminHandlers) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxAdminActionBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req orderStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if _, ok := validOrderStatuses[target]; !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
		return
	}

	cmd := services.OrderStatusTransitionCommand{
		OrderID:      orderID,
		TargetStatus: target,
		ActorID:      strings.TrimSpace(identity.UID),
		Reason:       strings.TrimSpace(req.Reason),
	}
	if raw := strings.TrimSpace(req.ExpectedStatus); raw != "" {
		expected := domain.OrderStatus(strings.ToLower(raw))
		if _, ok := validOrderStatuses[expected]; !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected_status must be a valid order status", http.StatusBadRequest))
			return
		}
		cmd.ExpectedStatus = &expected
	}

	order, err := h.orders.TransitionStatus(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxAdminActionBodySize)
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

	cmd := services.CancelOrderCommand{
		OrderID: orderID,
		Reason:  strings.TrimSpace(req.Reason),
		ActorID: strings.TrimSpace(identity.UID),
	}

	cancelled, err := h.orders.Cancel(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(cancelled)})
}

func (h *AdminHandlers) stockSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.stockAlertsEnabled {
		httpx.WriteError(ctx, w, httpx.NewError("feature_disabled", "stock alerts are disabled", http.StatusNotFound))
		return
	}
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_service_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}

	threshold := defaultStockThreshold
	if raw := strings.TrimSpace(r.URL.Query().Get("threshold")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 || parsed > maxStockThreshold {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "threshold must be a non-negative integer", http.StatusBadRequest))
			return
		}
		threshold = parsed
	}

	summary, err := h.catalog.StockSummary(ctx, threshold)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	lines := make([]stockLinePayload, 0, len(summary.LowStock))
	for _, line := range summary.LowStock {
		lines = append(lines, stockLinePayload{
			ProductID:     strings.TrimSpace(line.ProductID),
			Name:          strings.TrimSpace(line.Name),
			Category:      strings.TrimSpace(line.Category),
			StockQuantity: line.StockQuantity,
			IsAvailable:   line.IsAvailable,
		})
	}

	writeJSONResponse(w, http.StatusOK, stockSummaryResponse{
		Threshold:     summary.Threshold,
		TrackedCount:  summary.TrackedCount,
		LowStockCount: summary.LowStockCount,
		LowStock:      lines,
	})
}

type adminOrderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type bulkAssignResponse struct {
	Assigned []deliveryPayload          `json:"assigned"`
	Failed   []bulkAssignFailurePayload `json:"failed"`
}

type bulkAssignFailurePayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type stockSummaryResponse struct {
	Threshold     int                `json:"threshold"`
	TrackedCount  int                `json:"tracked_count"`
	LowStockCount int                `json:"low_stock_count"`
	LowStock      []stockLinePayload `json:"low_stock"`
}

type stockLinePayload struct {
	ProductID     string `json:"product_id"`
	Name          string `json:"name"`
	Category      string `json:"category,omitempty"`
	StockQuantity int    `json:"stock_quantity"`
	IsAvailable   bool   `json:"is_available"`
}

func writeCatalogError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCatalogInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("catalog_error", "failed to process catalog request", http.StatusInternalServerError))
	}
}
