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

const auditLogCollection = "auditLogs"

// AuditLogRepository appends immutable audit trail entries.
type AuditLogRepository struct {
	base *pfirestore.BaseRepository[auditLogDocument]
}

// NewAuditLogRepository constructs a Firestore-backed audit log repository.
func NewAuditLogRepository(provider *pfirestore.Provider) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[auditLogDocument](provider, auditLogCollection, nil, nil)
	return &AuditLogRepository{base: base}, nil
}

// Append writes one entry. Entries are never updated or deleted afterwards.
func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	if r == nil || r.base == nil {
		return errors.New("audit log repository not initialised")
	}
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return errors.New("audit log repository: entry id is required")
	}

	doc := auditLogDocument{
		Action:     strings.TrimSpace(entry.Action),
		TargetRef:  strings.TrimSpace(entry.TargetRef),
		Actor:      strings.TrimSpace(entry.Actor),
		ActorType:  strings.TrimSpace(entry.ActorType),
		Metadata:   entry.Metadata,
		OccurredAt: entry.OccurredAt.UTC(),
	}
	if _, err := r.base.Create(ctx, id, doc); err != nil {
		return err
	}
	return nil
}

// List returns entries newest first, optionally narrowed by target, actor,
// action, and time window.
func (r *AuditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, errors.New("audit log repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		if _, _, err := decodeCursorToken(token); err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, fmt.Errorf("auditlogs.list: invalid page token: %w", err)
		}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if target := strings.TrimSpace(filter.TargetRef); target != "" {
			q = q.Where("targetRef", "==", target)
		}
		if actor := strings.TrimSpace(filter.Actor); actor != "" {
			q = q.Where("actor", "==", actor)
		}
		if action := strings.TrimSpace(filter.Action); action != "" {
			q = q.Where("action", "==", action)
		}
		if filter.DateRange.From != nil {
			q = q.Where("occurredAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			q = q.Where("occurredAt", "<", filter.DateRange.To.UTC())
		}
		q = q.OrderBy("occurredAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
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
		return domain.CursorPage[domain.AuditLogEntry]{}, err
	}

	nextToken := ""
	if limit > 0 && len(docs) > limit {
		last := docs[limit-1]
		nextToken = encodeCursorToken(last.Data.OccurredAt, last.ID)
		docs = docs[:limit]
	}

	items := make([]domain.AuditLogEntry, 0, len(docs))
	for _, doc := range docs {
		items = append(items, domain.AuditLogEntry{
			ID:         doc.ID,
			Action:     doc.Data.Action,
			TargetRef:  doc.Data.TargetRef,
			Actor:      doc.Data.Actor,
			ActorType:  doc.Data.ActorType,
			Metadata:   doc.Data.Metadata,
			OccurredAt: doc.Data.OccurredAt,
		})
	}

	return domain.CursorPage[domain.AuditLogEntry]{Items: items, NextPageToken: nextToken}, nil
}

type auditLogDocument struct {
	Action     string         `firestore:"action"`
	TargetRef  string         `firestore:"targetRef"`
	Actor      string         `firestore:"actor"`
	ActorType  string         `firestore:"actorType"`
	Metadata   map[string]any `firestore:"metadata,omitempty"`
	OccurredAt time.Time      `firestore:"occurredAt"`
}

// Ensure interface compliance.
var _ repositories.AuditLogRepository = (*AuditLogRepository)(nil)
