package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/aprfresh/api/internal/domain"
	pfirestore "github.com/aprfresh/api/internal/platform/firestore"
	"github.com/aprfresh/api/internal/repositories"
)

const userCollection = "users"

// UserRepository resolves principal profiles. Profile writes belong to the
// auth surface; this service only reads them, mostly for agent lookups
// during delivery assignment.
type UserRepository struct {
	base *pfirestore.BaseRepository[userDocument]
}

// NewUserRepository constructs a read-only Firestore user repository.
func NewUserRepository(provider *pfirestore.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[userDocument](provider, userCollection, nil, nil)
	return &UserRepository{base: base}, nil
}

// FindByID loads the user profile by UID.
func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.UserProfile, error) {
	if r == nil || r.base == nil {
		return domain.UserProfile{}, errors.New("user repository not initialised")
	}
	id := strings.TrimSpace(userID)
	if id == "" {
		return domain.UserProfile{}, errors.New("user repository: user id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.UserProfile{}, err
	}

	profile := domain.UserProfile{
		ID:          doc.ID,
		DisplayName: strings.TrimSpace(doc.Data.DisplayName),
		Email:       strings.ToLower(strings.TrimSpace(doc.Data.Email)),
		Phone:       strings.TrimSpace(doc.Data.Phone),
		Role:        normaliseRole(doc.Data.Role),
		CreatedAt:   doc.Data.CreatedAt,
	}
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = doc.CreateTime
	}
	return profile, nil
}

type userDocument struct {
	DisplayName string    `firestore:"displayName"`
	Email       string    `firestore:"email"`
	Phone       string    `firestore:"phone,omitempty"`
	Role        string    `firestore:"role"`
	CreatedAt   time.Time `firestore:"createdAt"`
}

func normaliseRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case domain.RoleAdmin:
		return domain.RoleAdmin
	case domain.RoleDeliveryAgent:
		return domain.RoleDeliveryAgent
	default:
		return domain.RoleCustomer
	}
}

// Ensure interface compliance.
var _ repositories.UserRepository = (*UserRepository)(nil)
