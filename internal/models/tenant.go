package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is an isolated customer data namespace.
// Exactly one tenant is ever bound to an identity.
type Tenant struct {
	TenantID     uuid.UUID // UUIDv7
	Name         string
	OwnerSubject string // external subject of the identity the tenant is bound to
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TenantBinding records which tenant an identity belongs to.
// TenantID is immutable once VerifiedAt is set.
type TenantBinding struct {
	Subject    string
	TenantID   uuid.UUID
	CreatedAt  time.Time
	VerifiedAt time.Time
}

// IsVerified returns true if ownership of the tenant has been confirmed by the backend.
func (b *TenantBinding) IsVerified() bool {
	return !b.VerifiedAt.IsZero()
}
