package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantgate/internal/models"
	"github.com/wolfeidau/tenantgate/internal/store"
)

// TenantStore implements store.TenantStore using PostgreSQL.
type TenantStore struct {
	pool *pgxpool.Pool
}

// NewTenantStore creates a new PostgreSQL-backed tenant store.
func NewTenantStore(pool *pgxpool.Pool) *TenantStore {
	return &TenantStore{
		pool: pool,
	}
}

// CreateAndBind inserts the tenant and binds it to its owner in one
// transaction. The bind only succeeds while the owner has no tenant.
func (s *TenantStore) CreateAndBind(ctx context.Context, tenant *models.Tenant) error {
	now := time.Now()
	createdAt := tenant.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	_, err = tx.Exec(ctx, `
		INSERT INTO tenants (tenant_id, name, owner_subject, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, tenant.TenantID, tenant.Name, tenant.OwnerSubject, createdAt, now)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", mapPostgresError(err))
	}

	result, err := tx.Exec(ctx, `
		UPDATE users SET
			tenant_id = $2,
			needs_onboarding = FALSE,
			onboarding_completed = TRUE,
			setup_completed = TRUE,
			updated_at = $3
		WHERE subject = $1 AND tenant_id IS NULL
	`, tenant.OwnerSubject, tenant.TenantID, now)
	if err != nil {
		return fmt.Errorf("failed to bind tenant: %w", mapPostgresError(err))
	}

	if result.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE subject = $1)`, tenant.OwnerSubject).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check owner: %w", mapPostgresError(err))
		}
		if !exists {
			return store.ErrUserNotFound
		}
		return store.ErrTenantAlreadyBound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tenant: %w", mapPostgresError(err))
	}

	log.Info().
		Str("tenant_id", tenant.TenantID.String()).
		Str("owner_subject", tenant.OwnerSubject).
		Msg("Created tenant")

	return nil
}

// Get retrieves a tenant by ID.
func (s *TenantStore) Get(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error) {
	query := `
		SELECT tenant_id, name, owner_subject, created_at, updated_at
		FROM tenants
		WHERE tenant_id = $1
	`

	var tenant models.Tenant
	err := s.pool.QueryRow(ctx, query, tenantID).Scan(
		&tenant.TenantID,
		&tenant.Name,
		&tenant.OwnerSubject,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", mapPostgresError(err))
	}

	return &tenant, nil
}
