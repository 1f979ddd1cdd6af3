package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/tenantgate/internal/models"
	"github.com/wolfeidau/tenantgate/internal/store"
)

// TenantStore implements store.TenantStore using in-memory storage.
// Binding writes through to the UserStore so both stay consistent.
type TenantStore struct {
	mu sync.RWMutex

	tenants map[uuid.UUID]*models.Tenant
	users   *UserStore
}

// NewTenantStore creates a new in-memory tenant store bound to users.
func NewTenantStore(users *UserStore) *TenantStore {
	return &TenantStore{
		tenants: make(map[uuid.UUID]*models.Tenant),
		users:   users,
	}
}

// CreateAndBind creates the tenant and binds it to its owner.
func (s *TenantStore) CreateAndBind(ctx context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.users.bindTenant(tenant.OwnerSubject, tenant.TenantID); err != nil {
		return err
	}

	clone := *tenant
	now := time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	s.tenants[tenant.TenantID] = &clone

	return nil
}

// Get retrieves a tenant by ID.
func (s *TenantStore) Get(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, exists := s.tenants[tenantID]
	if !exists {
		return nil, store.ErrTenantNotFound
	}

	clone := *tenant
	return &clone, nil
}
