package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/aprfresh/api/internal/domain"
	pfirestore "github.com/aprfresh/api/internal/platform/firestore"
	"github.com/aprfresh/api/internal/repositories"
)

const deliveryCollection = "deliveries"

// DeliveryRepository persists delivery documents. Each delivery references
// exactly one order; the order side carries the denormalized summary.
type DeliveryRepository struct {
	base     *pfirestore.BaseRepository[deliveryDocument]
	provider *pfirestore.Provider
}

// NewDeliveryRepository constructs a Firestore-backed delivery repository.
func NewDeliveryRepository(provider *pfirestore.Provider) (*DeliveryRepository, error) {
	if provider == nil {
		return nil, errors.New("delivery repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[deliveryDocument](provider, deliveryCollection, nil, nil)
	return &DeliveryRepository{base: base, provider: provider}, nil
}

// Insert creates the delivery document, conflicting on duplicate ids.
func (r *DeliveryRepository) Insert(ctx context.Context, delivery domain.Delivery) error {
	if r == nil || r.base == nil {
		return errors.New("delivery repository not initialised")
	}
	id := strings.TrimSpace(delivery.ID)
	if id == "" {
		return errors.New("delivery repository: delivery id is required")
	}
	if _, err := r.base.Create(ctx, id, fromDomainDelivery(delivery)); err != nil {
		return err
	}
	return nil
}

// Update overwrites the delivery document with optimistic locking on the
// stored version, joining the ambient transaction when one is active.
func (r *DeliveryRepository) Update(ctx context.Context, delivery domain.Delivery) error {
	if r == nil || r.base == nil || r.provider == nil {
		return errors.New("delivery repository not initialised")
	}
	id := strings.TrimSpace(delivery.ID)
	if id == "" {
		return errors.New("delivery repository: delivery id is required")
	}

	doc := fromDomainDelivery(delivery)
	doc.Version = delivery.Version + 1

	// See OrderRepository.Update for why the version check is skipped when
	// an ambient transaction is active.
	if _, ok := pfirestore.TransactionFrom(ctx); ok {
		_, err := r.base.Set(ctx, id, doc)
		return err
	}

	return r.provider.RunInTx(ctx, func(ctx context.Context) error {
		current, err := r.base.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.Data.Version != delivery.Version {
			return pfirestore.WrapError("deliveries.update", versionConflict(id, delivery.Version, current.Data.Version))
		}
		_, err = r.base.Set(ctx, id, doc)
		return err
	})
}

// FindByID loads one delivery.
func (r *DeliveryRepository) FindByID(ctx context.Context, deliveryID string) (domain.Delivery, error) {
	if r == nil || r.base == nil {
		return domain.Delivery{}, errors.New("delivery repository not initialised")
	}
	id := strings.TrimSpace(deliveryID)
	if id == "" {
		return domain.Delivery{}, errors.New("delivery repository: delivery id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Delivery{}, err
	}
	return toDomainDelivery(doc.ID, doc.Data), nil
}

// ListByAgent returns the agent's deliveries newest first.
func (r *DeliveryRepository) ListByAgent(ctx context.Context, agentID string, filter repositories.DeliveryListFilter) (domain.CursorPage[domain.Delivery], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Delivery]{}, errors.New("delivery repository not initialised")
	}
	uid := strings.TrimSpace(agentID)
	if uid == "" {
		return domain.CursorPage[domain.Delivery]{}, errors.New("delivery repository: agent id is required")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		if _, _, err := decodeCursorToken(token); err != nil {
			return domain.CursorPage[domain.Delivery]{}, fmt.Errorf("deliveries.list: invalid page token: %w", err)
		}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("agentId", "==", uid)
		if len(filter.Status) == 1 {
			q = q.Where("status", "==", string(filter.Status[0]))
		} else if len(filter.Status) > 1 {
			values := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				values = append(values, string(s))
			}
			q = q.Where("status", "in", values)
		}
		q = q.OrderBy("assignedAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
			if ts, id, err := decodeCursorToken(token); err == nil {
				q = q.StartAfter(ts, id)
			}
		}
		if limit > 0 {
			q = q.Limit(limit + 1)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Delivery]{}, err
	}

	nextToken := ""
	if limit > 0 && len(docs) > limit {
		last := docs[limit-1]
		nextToken = encodeCursorToken(last.Data.AssignedAt, last.ID)
		docs = docs[:limit]
	}

	items := make([]domain.Delivery, 0, len(docs))
	for _, doc := range docs {
		items = append(items, toDomainDelivery(doc.ID, doc.Data))
	}

	return domain.CursorPage[domain.Delivery]{Items: items, NextPageToken: nextToken}, nil
}

type deliveryDocument struct {
	OrderID     string     `firestore:"orderId"`
	AgentID     string     `firestore:"agentId"`
	Status      string     `firestore:"status"`
	AssignedAt  time.Time  `firestore:"assignedAt"`
	DeliveredAt *time.Time `firestore:"deliveredAt,omitempty"`
	Notes       string     `firestore:"notes,omitempty"`
	Version     int64      `firestore:"version"`
	CreatedAt   time.Time  `firestore:"createdAt"`
	UpdatedAt   time.Time  `firestore:"updatedAt"`
}

func fromDomainDelivery(delivery domain.Delivery) deliveryDocument {
	return deliveryDocument{
		OrderID:     strings.TrimSpace(delivery.OrderID),
		AgentID:     strings.TrimSpace(delivery.AgentID),
		Status:      string(delivery.Status),
		AssignedAt:  delivery.AssignedAt.UTC(),
		DeliveredAt: cloneTimePtr(delivery.DeliveredAt),
		Notes:       strings.TrimSpace(delivery.Notes),
		Version:     delivery.Version,
		CreatedAt:   delivery.CreatedAt.UTC(),
		UpdatedAt:   delivery.UpdatedAt.UTC(),
	}
}

func toDomainDelivery(id string, doc deliveryDocument) domain.Delivery {
	return domain.Delivery{
		ID:          id,
		OrderID:     doc.OrderID,
		AgentID:     doc.AgentID,
		Status:      domain.DeliveryStatus(doc.Status),
		AssignedAt:  doc.AssignedAt,
		DeliveredAt: doc.DeliveredAt,
		Notes:       doc.Notes,
		Version:     doc.Version,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}

// Ensure interface compliance.
var _ repositories.DeliveryRepository = (*DeliveryRepository)(nil)
