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

const userColumns = `
	user_id, subject, email, name, tenant_id,
	needs_onboarding, onboarding_completed,
	business_info_completed, subscription_completed,
	payment_completed, setup_completed, plan,
	created_at, updated_at`

// UserStore implements store.UserStore using PostgreSQL.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a new PostgreSQL-backed user store.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{
		pool: pool,
	}
}

// Create inserts a user. A unique violation on a replayed idempotency key
// returns the stored user instead of an error when it has the same subject.
func (s *UserStore) Create(ctx context.Context, user *models.UserRecord, idempotencyKey string) (*models.UserRecord, error) {
	userID := user.UserID
	if userID == uuid.Nil {
		userID = uuid.Must(uuid.NewV7())
	}
	now := time.Now()
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	var key any
	if idempotencyKey != "" {
		key = idempotencyKey
	}

	query := `
		INSERT INTO users (
			user_id, subject, email, name, tenant_id, idempotency_key,
			needs_onboarding, onboarding_completed,
			business_info_completed, subscription_completed,
			payment_completed, setup_completed, plan,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		RETURNING ` + userColumns

	row := s.pool.QueryRow(ctx, query,
		userID,
		user.Subject,
		user.Email,
		user.Name,
		user.TenantID,
		key,
		user.NeedsOnboarding,
		user.OnboardingCompleted,
		user.BusinessInfoCompleted,
		user.SubscriptionCompleted,
		user.PaymentCompleted,
		user.SetupCompleted,
		user.Plan,
		createdAt,
		now,
	)

	created, err := scanUser(row)
	if err != nil {
		err = mapPostgresError(err)
		if errors.Is(err, store.ErrUserAlreadyExists) && idempotencyKey != "" {
			existing, lookupErr := s.getByIdempotencyKey(ctx, idempotencyKey)
			if lookupErr == nil {
				if existing.Subject != user.Subject {
					log.Warn().Str("subject", user.Subject).Msg("Idempotency key reused by another subject")
					return nil, store.ErrIdempotencyKeyUsed
				}
				log.Debug().Str("subject", user.Subject).Msg("Replayed user create")
				return existing, nil
			}
			if !errors.Is(lookupErr, store.ErrUserNotFound) {
				return nil, lookupErr
			}
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	log.Debug().
		Str("user_id", created.UserID.String()).
		Str("subject", created.Subject).
		Msg("Created user")

	return created, nil
}

// GetBySubject retrieves a user by external subject.
func (s *UserStore) GetBySubject(ctx context.Context, subject string) (*models.UserRecord, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE subject = $1`

	user, err := scanUser(s.pool.QueryRow(ctx, query, subject))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", mapPostgresError(err))
	}

	return user, nil
}

// UpdateOnboarding applies an onboarding update. Completion flags are OR'd
// so they can never be cleared.
func (s *UserStore) UpdateOnboarding(ctx context.Context, subject string, update store.OnboardingUpdate) (*models.UserRecord, error) {
	query := `
		UPDATE users SET
			business_info_completed = business_info_completed OR COALESCE($2, FALSE),
			subscription_completed  = subscription_completed OR COALESCE($3, FALSE),
			payment_completed       = payment_completed OR COALESCE($4, FALSE),
			setup_completed         = setup_completed OR COALESCE($5, FALSE),
			plan                    = COALESCE($6, plan),
			updated_at              = $7
		WHERE subject = $1
		RETURNING ` + userColumns

	user, err := scanUser(s.pool.QueryRow(ctx, query,
		subject,
		update.BusinessInfoCompleted,
		update.SubscriptionCompleted,
		update.PaymentCompleted,
		update.SetupCompleted,
		update.Plan,
		time.Now(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to update onboarding: %w", mapPostgresError(err))
	}

	return user, nil
}

func (s *UserStore) getByIdempotencyKey(ctx context.Context, key string) (*models.UserRecord, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE idempotency_key = $1`

	user, err := scanUser(s.pool.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user by idempotency key: %w", mapPostgresError(err))
	}

	return user, nil
}

func scanUser(row pgx.Row) (*models.UserRecord, error) {
	var user models.UserRecord
	err := row.Scan(
		&user.UserID,
		&user.Subject,
		&user.Email,
		&user.Name,
		&user.TenantID,
		&user.NeedsOnboarding,
		&user.OnboardingCompleted,
		&user.BusinessInfoCompleted,
		&user.SubscriptionCompleted,
		&user.PaymentCompleted,
		&user.SetupCompleted,
		&user.Plan,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}
