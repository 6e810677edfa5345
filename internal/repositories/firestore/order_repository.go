package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/aprfresh/api/internal/domain"
	pfirestore "github.com/aprfresh/api/internal/platform/firestore"
	"github.com/aprfresh/api/internal/platform/pagination"
	"github.com/aprfresh/api/internal/repositories"
)

const orderCollection = "orders"

// OrderRepository persists order documents with embedded line items and the
// denormalized delivery summary.
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil)
	return &OrderRepository{base: base, provider: provider}, nil
}

// Insert creates the order document. Duplicate ids surface as a conflict,
// which backs the uniqueness guarantee of the sequential id generator.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	doc := fromDomainOrder(order)
	if _, err := r.base.Create(ctx, id, doc); err != nil {
		return err
	}
	return nil
}

// Update overwrites the order document, enforcing optimistic locking on the
// stored version. The write joins the ambient transaction when one is active.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}

	doc := fromDomainOrder(order)
	doc.Version = order.Version + 1

	// Inside an ambient transaction the caller has already read the
	// document through it, and Firestore aborts the commit if the document
	// changed since. Reading again here would violate the reads-before-
	// writes rule, so the version check only runs on the standalone path.
	if _, ok := pfirestore.TransactionFrom(ctx); ok {
		_, err := r.base.Set(ctx, id, doc)
		return err
	}

	return r.provider.RunInTx(ctx, func(ctx context.Context) error {
		current, err := r.base.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.Data.Version != order.Version {
			return pfirestore.WrapError("orders.update", versionConflict(id, order.Version, current.Data.Version))
		}
		_, err = r.base.Set(ctx, id, doc)
		return err
	})
}

// FindByID loads one order by its sequential id.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return toDomainOrder(doc.ID, doc.Data), nil
}

// List returns orders newest first, filtered by user, status, and creation
// window. Pagination uses a createdAt|id cursor token.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}

	build := func(q firestore.Query) firestore.Query {
		if uid := strings.TrimSpace(filter.UserID); uid != "" {
			q = q.Where("userId", "==", uid)
		}
		if len(filter.Status) == 1 {
			q = q.Where("status", "==", string(filter.Status[0]))
		} else if len(filter.Status) > 1 {
			values := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				values = append(values, string(s))
			}
			q = q.Where("status", "in", values)
		}
		if filter.DateRange.From != nil {
			q = q.Where("createdAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			q = q.Where("createdAt", "<", filter.DateRange.To.UTC())
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
			if ts, id, err := decodeCursorToken(token); err == nil {
				q = q.StartAfter(ts, id)
			}
		}
		if limit > 0 {
			q = q.Limit(limit + 1)
		}
		return q
	}

	// Reject malformed tokens before issuing the query.
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		if _, _, err := decodeCursorToken(token); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("orders.list: invalid page token: %w", err)
		}
	}

	docs, err := r.base.Query(ctx, build)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	nextToken := ""
	if limit > 0 && len(docs) > limit {
		last := docs[limit-1]
		nextToken = encodeCursorToken(last.Data.CreatedAt, last.ID)
		docs = docs[:limit]
	}

	items := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		items = append(items, toDomainOrder(doc.ID, doc.Data))
	}

	return domain.CursorPage[domain.Order]{Items: items, NextPageToken: nextToken}, nil
}

// ListDeliveredByAgent returns delivered orders whose delivery summary points
// at the agent, created within [window.From, window.To). Backs earnings
// reconciliation, so it reads every matching row rather than a page.
func (r *OrderRepository) ListDeliveredByAgent(ctx context.Context, agentID string, window domain.RangeQuery[time.Time]) ([]domain.Order, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("order repository not initialised")
	}
	uid := strings.TrimSpace(agentID)
	if uid == "" {
		return nil, errors.New("order repository: agent id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("delivery.agentId", "==", uid).
			Where("status", "==", string(domain.OrderStatusDelivered))
		if window.From != nil {
			q = q.Where("createdAt", ">=", window.From.UTC())
		}
		if window.To != nil {
			q = q.Where("createdAt", "<", window.To.UTC())
		}
		return q.OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, toDomainOrder(doc.ID, doc.Data))
	}
	return orders, nil
}

type orderDocument struct {
	UserID          string                `firestore:"userId"`
	Status          string                `firestore:"status"`
	PaymentMethod   string                `firestore:"paymentMethod"`
	PaymentStatus   string                `firestore:"paymentStatus"`
	TotalAmount     int64                 `firestore:"totalAmount"`
	Items           []orderItemDocument   `firestore:"items"`
	DeliveryAddress string                `firestore:"deliveryAddress"`
	Notes           string                `firestore:"notes,omitempty"`
	Delivery        *deliverySummaryDoc   `firestore:"delivery,omitempty"`
	CreatedBy       *string               `firestore:"createdBy,omitempty"`
	UpdatedBy       *string               `firestore:"updatedBy,omitempty"`
	Version         int64                 `firestore:"version"`
	CreatedAt       time.Time             `firestore:"createdAt"`
	UpdatedAt       time.Time             `firestore:"updatedAt"`
	DeliveredAt     *time.Time            `firestore:"deliveredAt,omitempty"`
	CancelledAt     *time.Time            `firestore:"cancelledAt,omitempty"`
	CancelReason    *string               `firestore:"cancelReason,omitempty"`
}

type orderItemDocument struct {
	ID           string `firestore:"id"`
	ProductID    string `firestore:"productId"`
	Name         string `firestore:"name"`
	Quantity     int    `firestore:"quantity"`
	PriceAtOrder int64  `firestore:"priceAtOrder"`
	Total        int64  `firestore:"total"`
}

type deliverySummaryDoc struct {
	DeliveryID  string     `firestore:"deliveryId"`
	AgentID     string     `firestore:"agentId"`
	Status      string     `firestore:"status"`
	AssignedAt  time.Time  `firestore:"assignedAt"`
	DeliveredAt *time.Time `firestore:"deliveredAt,omitempty"`
}

func fromDomainOrder(order domain.Order) orderDocument {
	doc := orderDocument{
		UserID:          strings.TrimSpace(order.UserID),
		Status:          string(order.Status),
		PaymentMethod:   string(order.PaymentMethod),
		PaymentStatus:   string(order.PaymentStatus),
		TotalAmount:     order.TotalAmount,
		DeliveryAddress: strings.TrimSpace(order.DeliveryAddress),
		Notes:           strings.TrimSpace(order.Notes),
		CreatedBy:       order.Audit.CreatedBy,
		UpdatedBy:       order.Audit.UpdatedBy,
		Version:         order.Version,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
		DeliveredAt:     cloneTimePtr(order.DeliveredAt),
		CancelledAt:     cloneTimePtr(order.CancelledAt),
		CancelReason:    order.CancelReason,
	}
	if len(order.Items) > 0 {
		doc.Items = make([]orderItemDocument, 0, len(order.Items))
		for _, item := range order.Items {
			doc.Items = append(doc.Items, orderItemDocument{
				ID:           item.ID,
				ProductID:    item.ProductID,
				Name:         item.Name,
				Quantity:     item.Quantity,
				PriceAtOrder: item.PriceAtOrder,
				Total:        item.Total,
			})
		}
	}
	if order.Delivery != nil {
		doc.Delivery = &deliverySummaryDoc{
			DeliveryID:  order.Delivery.DeliveryID,
			AgentID:     order.Delivery.AgentID,
			Status:      string(order.Delivery.Status),
			AssignedAt:  order.Delivery.AssignedAt.UTC(),
			DeliveredAt: cloneTimePtr(order.Delivery.DeliveredAt),
		}
	}
	return doc
}

func toDomainOrder(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:              id,
		UserID:          doc.UserID,
		Status:          domain.OrderStatus(doc.Status),
		PaymentMethod:   domain.PaymentMethod(doc.PaymentMethod),
		PaymentStatus:   domain.PaymentStatus(doc.PaymentStatus),
		TotalAmount:     doc.TotalAmount,
		DeliveryAddress: doc.DeliveryAddress,
		Notes:           doc.Notes,
		Audit:           domain.OrderAudit{CreatedBy: doc.CreatedBy, UpdatedBy: doc.UpdatedBy},
		Version:         doc.Version,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
		DeliveredAt:     doc.DeliveredAt,
		CancelledAt:     doc.CancelledAt,
		CancelReason:    doc.CancelReason,
	}
	if len(doc.Items) > 0 {
		order.Items = make([]domain.OrderItem, 0, len(doc.Items))
		for _, item := range doc.Items {
			order.Items = append(order.Items, domain.OrderItem{
				ID:           item.ID,
				ProductID:    item.ProductID,
				Name:         item.Name,
				Quantity:     item.Quantity,
				PriceAtOrder: item.PriceAtOrder,
				Total:        item.Total,
			})
		}
	}
	if doc.Delivery != nil {
		order.Delivery = &domain.DeliverySummary{
			DeliveryID:  doc.Delivery.DeliveryID,
			AgentID:     doc.Delivery.AgentID,
			Status:      domain.DeliveryStatus(doc.Delivery.Status),
			AssignedAt:  doc.Delivery.AssignedAt,
			DeliveredAt: doc.Delivery.DeliveredAt,
		}
	}
	return order
}

func cloneTimePtr(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	utc := ts.UTC()
	return &utc
}

// encodeCursorToken serialises a createdAt|docID pair into a URL-safe page
// token shared by the order, delivery, and audit log listings.
func encodeCursorToken(at time.Time, docID string) string {
	return pagination.Cursor{At: at, ID: docID}.Encode()
}

func decodeCursorToken(token string) (time.Time, string, error) {
	cursor, err := pagination.DecodeCursor(token)
	if err != nil {
		return time.Time{}, "", err
	}
	return cursor.At, cursor.ID, nil
}

func versionConflict(id string, expected, actual int64) error {
	return status.Error(codes.Aborted, fmt.Sprintf("document %s version %d does not match expected %d", id, actual, expected))
}

// Ensure interface compliance.
var _ repositories.OrderRepository = (*OrderRepository)(nil)
