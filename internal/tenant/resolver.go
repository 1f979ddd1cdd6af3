// Package tenant synchronises an external identity with its backend-of-record
// user and guarantees a tenant bound to an identity is never reassigned.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantgate/internal/autherr"
	"github.com/wolfeidau/tenantgate/internal/models"
	"github.com/wolfeidau/tenantgate/internal/onboarding"
	"github.com/wolfeidau/tenantgate/internal/resilience"
	"github.com/wolfeidau/tenantgate/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Directory is the backend-of-record for users and tenant bindings.
type Directory interface {
	// FindBySubject returns autherr.ErrNotFound when no user exists.
	FindBySubject(ctx context.Context, subject string) (*models.UserRecord, error)

	// VerifyTenant confirms the subject owns tenantID. A failed check returns
	// *autherr.TenantVerificationFailedError.
	VerifyTenant(ctx context.Context, subject string, tenantID uuid.UUID) error

	// CreateUser creates the user. Replays with the same idempotency key return
	// the original record; a competing create returns autherr.ErrTenantConflict.
	CreateUser(ctx context.Context, rec *models.UserRecord, idempotencyKey string) (*models.UserRecord, error)
}

// Resolution is the outcome of resolving an identity.
type Resolution struct {
	User *models.UserRecord

	// Binding is set when the user has a verified tenant.
	Binding *models.TenantBinding

	// Created is true when this call created the user.
	Created bool

	// Step is the onboarding step derived from the user record.
	Step onboarding.Step
}

// Config configures a Resolver.
type Config struct {
	// Policy is the retry policy for directory calls.
	Policy resilience.Policy

	// Breaker guards the directory. Default: a breaker named "tenant-directory".
	Breaker *resilience.CircuitBreaker

	// OnVerificationFailed is called with every verification failure, for
	// alerting. The failure is still returned to the caller.
	OnVerificationFailed func(subject string, err *autherr.TenantVerificationFailedError)
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	c.Policy.ApplyDefaults()
	if c.Breaker == nil {
		c.Breaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "tenant-directory"})
	}
}

// Resolver resolves identities to users and verified tenant bindings.
type Resolver struct {
	cfg       Config
	directory Directory
	now       func() time.Time

	// verified bindings by identity key, pinned for the life of the process
	mu   sync.RWMutex
	pins map[string]uuid.UUID
}

// NewResolver creates a Resolver.
func NewResolver(directory Directory, cfg Config) *Resolver {
	cfg.ApplyDefaults()
	return &Resolver{
		cfg:       cfg,
		directory: directory,
		now:       time.Now,
		pins:      make(map[string]uuid.UUID),
	}
}

// Resolve looks up the user for identity, verifying an existing tenant
// binding or creating a user awaiting onboarding. It never creates a user
// when one already exists, and never replaces a tenant that fails
// verification.
func (r *Resolver) Resolve(ctx context.Context, identity models.Identity) (*Resolution, error) {
	if identity.Subject == "" {
		return nil, errors.New("identity has no subject")
	}

	logger := log.With().Str("subject", identity.Subject).Logger()

	user, err := r.find(ctx, identity.Subject)
	switch {
	case err == nil:
		return r.existing(ctx, identity, user)

	case !errors.Is(err, autherr.ErrNotFound):
		return nil, err
	}

	rec := &models.UserRecord{
		Subject:         identity.Subject,
		Email:           identity.Email,
		Name:            identity.Name,
		NeedsOnboarding: true,
	}

	created, err := resilience.GuardValue(ctx, r.cfg.Policy, r.cfg.Breaker, func(ctx context.Context) (*models.UserRecord, error) {
		return r.directory.CreateUser(ctx, rec, IdempotencyKey(identity))
	})
	switch {
	case err == nil:
		logger.Info().Str("user_id", created.UserID.String()).Msg("created user awaiting onboarding")
		recordResolution(ctx, "created")
		return &Resolution{
			User:    created,
			Created: true,
			Step:    onboarding.StepFor(created, onboarding.Signals{}),
		}, nil

	case errors.Is(err, autherr.ErrTenantConflict):
		logger.Info().Msg("user creation raced, retrying lookup")

		user, err := r.find(ctx, identity.Subject)
		if err != nil {
			if errors.Is(err, autherr.ErrNotFound) {
				return nil, fmt.Errorf("user missing after creation conflict: %w", autherr.ErrTenantConflict)
			}
			return nil, err
		}
		return r.existing(ctx, identity, user)

	default:
		return nil, err
	}
}

func (r *Resolver) existing(ctx context.Context, identity models.Identity, user *models.UserRecord) (*Resolution, error) {
	res := &Resolution{User: user}

	if user.HasTenant() {
		binding, err := r.verify(ctx, identity, *user.TenantID)
		if err != nil {
			return nil, err
		}
		res.Binding = binding
	}

	res.Step = onboarding.StepFor(user, onboarding.Signals{})
	recordResolution(ctx, "existing")
	return res, nil
}

func recordResolution(ctx context.Context, outcome string) {
	telemetry.GetMetrics().TenantResolutionsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// verify checks ownership with the directory. Pins are keyed by issuer and
// subject so identities from different issuers never share one.
func (r *Resolver) verify(ctx context.Context, identity models.Identity, tenantID uuid.UUID) (*models.TenantBinding, error) {
	subject := identity.Subject
	key := identity.Key()

	r.mu.RLock()
	pinned, ok := r.pins[key]
	r.mu.RUnlock()

	if ok && pinned != tenantID {
		return nil, r.failed(subject, &autherr.TenantVerificationFailedError{
			Reason: fmt.Sprintf("tenant changed from %s to %s", pinned, tenantID),
		})
	}

	err := resilience.Guard(ctx, r.cfg.Policy, r.cfg.Breaker, func(ctx context.Context) error {
		return r.directory.VerifyTenant(ctx, subject, tenantID)
	})
	if err != nil {
		var vErr *autherr.TenantVerificationFailedError
		if errors.As(err, &vErr) {
			return nil, r.failed(subject, vErr)
		}
		if errors.Is(err, autherr.ErrTenantVerificationFailed) {
			return nil, r.failed(subject, &autherr.TenantVerificationFailedError{Reason: err.Error()})
		}
		return nil, err
	}

	r.mu.Lock()
	r.pins[key] = tenantID
	r.mu.Unlock()

	return &models.TenantBinding{
		Subject:    subject,
		TenantID:   tenantID,
		VerifiedAt: r.now(),
	}, nil
}

func (r *Resolver) failed(subject string, vErr *autherr.TenantVerificationFailedError) error {
	if vErr.SupportCode == "" {
		vErr.SupportCode = NewSupportCode()
	}

	log.Error().
		Str("subject", subject).
		Str("support_code", vErr.SupportCode).
		Str("reason", vErr.Reason).
		Msg("tenant verification failed")
	telemetry.GetMetrics().TenantVerificationFailuresTotal.Add(context.Background(), 1)

	if r.cfg.OnVerificationFailed != nil {
		r.cfg.OnVerificationFailed(subject, vErr)
	}

	return vErr
}

func (r *Resolver) find(ctx context.Context, subject string) (*models.UserRecord, error) {
	return resilience.GuardValue(ctx, r.cfg.Policy, r.cfg.Breaker, func(ctx context.Context) (*models.UserRecord, error) {
		return r.directory.FindBySubject(ctx, subject)
	})
}
