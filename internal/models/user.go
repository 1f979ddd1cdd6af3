package models

import (
	"time"

	"github.com/google/uuid"
)

// Plan values for UserRecord.Plan.
const (
	PlanFree = "free"
	PlanPaid = "paid"
)

// UserRecord is the backend-of-record user for an identity.
// TenantID is nil until onboarding assigns a tenant.
type UserRecord struct {
	UserID  uuid.UUID // UUIDv7
	Subject string    // external subject, unique
	Email   string
	Name    string

	TenantID *uuid.UUID

	// Onboarding flags
	NeedsOnboarding       bool
	OnboardingCompleted   bool
	BusinessInfoCompleted bool
	SubscriptionCompleted bool
	PaymentCompleted      bool
	SetupCompleted        bool
	Plan                  string // "free" or "paid"; empty until a subscription is chosen

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasTenant returns true if a tenant has been bound to the user.
func (u *UserRecord) HasTenant() bool {
	return u.TenantID != nil && *u.TenantID != uuid.Nil
}
