package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/tenantgate/internal/models"
	"github.com/wolfeidau/tenantgate/internal/store"
)

// UserStore implements store.UserStore using in-memory storage.
type UserStore struct {
	mu sync.RWMutex

	users       map[string]*models.UserRecord // subject -> user
	idempotency map[string]string             // idempotency key -> subject
}

// NewUserStore creates a new in-memory user store.
func NewUserStore() *UserStore {
	return &UserStore{
		users:       make(map[string]*models.UserRecord),
		idempotency: make(map[string]string),
	}
}

// Create inserts a user. Replays with the same idempotency key return the
// stored user only when it has the same subject.
func (s *UserStore) Create(ctx context.Context, user *models.UserRecord, idempotencyKey string) (*models.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != "" {
		if subject, ok := s.idempotency[idempotencyKey]; ok {
			if subject != user.Subject {
				return nil, store.ErrIdempotencyKeyUsed
			}
			return cloneUser(s.users[subject]), nil
		}
	}

	if _, exists := s.users[user.Subject]; exists {
		return nil, store.ErrUserAlreadyExists
	}

	clone := cloneUser(user)
	if clone.UserID == uuid.Nil {
		clone.UserID = uuid.Must(uuid.NewV7())
	}
	now := time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now

	s.users[clone.Subject] = clone
	if idempotencyKey != "" {
		s.idempotency[idempotencyKey] = clone.Subject
	}

	return cloneUser(clone), nil
}

// GetBySubject retrieves a user by external subject.
func (s *UserStore) GetBySubject(ctx context.Context, subject string) (*models.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[subject]
	if !exists {
		return nil, store.ErrUserNotFound
	}

	return cloneUser(user), nil
}

// UpdateOnboarding applies an onboarding update.
func (s *UserStore) UpdateOnboarding(ctx context.Context, subject string, update store.OnboardingUpdate) (*models.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[subject]
	if !exists {
		return nil, store.ErrUserNotFound
	}

	if update.Apply(user) {
		user.UpdatedAt = time.Now()
	}

	return cloneUser(user), nil
}

// bindTenant sets the tenant if none is bound. Called by TenantStore.
func (s *UserStore) bindTenant(subject string, tenantID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[subject]
	if !exists {
		return store.ErrUserNotFound
	}
	if user.HasTenant() {
		return store.ErrTenantAlreadyBound
	}

	id := tenantID
	user.TenantID = &id
	user.NeedsOnboarding = false
	user.OnboardingCompleted = true
	user.SetupCompleted = true
	user.UpdatedAt = time.Now()

	return nil
}

func cloneUser(user *models.UserRecord) *models.UserRecord {
	clone := *user
	if user.TenantID != nil {
		id := *user.TenantID
		clone.TenantID = &id
	}
	return &clone
}
