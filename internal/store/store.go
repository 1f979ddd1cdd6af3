package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/wolfeidau/tenantgate/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrIdempotencyKeyUsed = errors.New("idempotency key belongs to another user")
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrTenantAlreadyBound = errors.New("tenant already bound")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExpired     = errors.New("session expired")
)

// OnboardingUpdate sets onboarding flags. Nil fields are left unchanged and
// completion flags can only be set, never cleared.
type OnboardingUpdate struct {
	BusinessInfoCompleted *bool
	SubscriptionCompleted *bool
	PaymentCompleted      *bool
	SetupCompleted        *bool
	Plan                  *string
}

// UserStore manages backend-of-record users.
type UserStore interface {
	// Create inserts a user. A replay with the same idempotency key and subject
	// returns the stored user; a key already used by another subject returns
	// ErrIdempotencyKeyUsed and a different key for an existing subject returns
	// ErrUserAlreadyExists.
	Create(ctx context.Context, user *models.UserRecord, idempotencyKey string) (*models.UserRecord, error)

	// GetBySubject returns ErrUserNotFound when absent.
	GetBySubject(ctx context.Context, subject string) (*models.UserRecord, error)

	// UpdateOnboarding applies update and returns the stored user.
	UpdateOnboarding(ctx context.Context, subject string, update OnboardingUpdate) (*models.UserRecord, error)
}

// TenantStore manages tenants and their binding to users.
type TenantStore interface {
	// CreateAndBind creates tenant and binds it to the owner, only if the owner
	// has no tenant yet. Returns ErrTenantAlreadyBound otherwise.
	CreateAndBind(ctx context.Context, tenant *models.Tenant) error

	// Get returns ErrTenantNotFound when absent.
	Get(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error)
}

// SessionStore manages server-side sessions.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error

	// Get returns ErrSessionNotFound or ErrSessionExpired.
	Get(ctx context.Context, sessionID uuid.UUID) (*models.Session, error)

	// UpdateLastUsed records activity on the session.
	UpdateLastUsed(ctx context.Context, sessionID uuid.UUID) error

	// Delete removes a session (logout).
	Delete(ctx context.Context, sessionID uuid.UUID) error

	// CountActiveBySubject returns the number of unexpired sessions for a subject.
	CountActiveBySubject(ctx context.Context, subject string) (int, error)

	// DeleteExpired removes expired sessions (cleanup job).
	DeleteExpired(ctx context.Context) (int, error)
}

// Apply merges update into user, returning true if anything changed.
func (u OnboardingUpdate) Apply(user *models.UserRecord) bool {
	changed := false
	set := func(dst *bool, src *bool) {
		if src != nil && *src && !*dst {
			*dst = true
			changed = true
		}
	}

	set(&user.BusinessInfoCompleted, u.BusinessInfoCompleted)
	set(&user.SubscriptionCompleted, u.SubscriptionCompleted)
	set(&user.PaymentCompleted, u.PaymentCompleted)
	set(&user.SetupCompleted, u.SetupCompleted)

	if u.Plan != nil && *u.Plan != user.Plan {
		user.Plan = *u.Plan
		changed = true
	}

	return changed
}
