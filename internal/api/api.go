// Package api defines the JSON wire types exchanged with the backend-of-record.
package api

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/tenantgate/internal/autherr"
	"github.com/wolfeidau/tenantgate/internal/models"
	"github.com/wolfeidau/tenantgate/internal/tokens"
)

// Routes served by the backend-of-record.
const (
	PathSignIn         = "/sessions"
	PathCurrentSession = "/sessions/current"
	PathTouchSession   = "/sessions/touch"
	PathLogout         = "/sessions/logout"
	PathRefresh        = "/auth/refresh"
	PathSyncUser       = "/users/sync"
	PathUser           = "/users/{subject}"
	PathVerifyTenant   = "/users/{subject}/verify"
	PathBindTenant     = "/users/{subject}/tenant"
	PathOnboarding     = "/users/{subject}/onboarding"
)

// SubjectPath fills the {subject} segment of a route.
func SubjectPath(route, subject string) string {
	return strings.Replace(route, "{subject}", url.PathEscape(subject), 1)
}

const (
	HeaderIdempotency = "X-Idempotency-Key"
	SessionCookieName = "tenantgate_session"
	ContentTypeJSON   = "application/json"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeInvalidRequest           = "INVALID_REQUEST"
	CodeUnauthenticated          = "UNAUTHENTICATED"
	CodeForbidden                = "FORBIDDEN"
	CodeNotFound                 = "NOT_FOUND"
	CodeTenantConflict           = "TENANT_CONFLICT"
	CodeTenantVerificationFailed = autherr.TenantVerificationCode
	CodeUnavailable              = "UNAVAILABLE"
	CodeInternal                 = "INTERNAL"

	// CodeInvalidGrant follows the OAuth2 error code for a rejected refresh token.
	CodeInvalidGrant = "invalid_grant"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code,omitempty"`
	SupportCode string `json:"support_code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// SignInRequest exchanges a provider ID token for a session.
type SignInRequest struct {
	IDToken string `json:"id_token"`
}

// SessionResponse describes the current session.
type SessionResponse struct {
	Subject            string     `json:"subject"`
	Issuer             string     `json:"issuer,omitempty"`
	Email              string     `json:"email,omitempty"`
	Name               string     `json:"name,omitempty"`
	TenantID           *uuid.UUID `json:"tenant_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	LastActivityAt     time.Time  `json:"last_activity_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
	ConcurrentSessions int        `json:"concurrent_sessions"`
}

// Status converts the response into the monitor's view of a session.
func (r *SessionResponse) Status() *models.SessionStatus {
	return &models.SessionStatus{
		Identity: models.Identity{
			Subject: r.Subject,
			Issuer:  r.Issuer,
			Email:   r.Email,
			Name:    r.Name,
		},
		CreatedAt:          r.CreatedAt,
		LastActivityAt:     r.LastActivityAt,
		TenantID:           r.TenantID,
		ConcurrentSessions: r.ConcurrentSessions,
	}
}

// UserResponse is the wire form of models.UserRecord.
type UserResponse struct {
	UserID                uuid.UUID  `json:"user_id"`
	Subject               string     `json:"subject"`
	Email                 string     `json:"email,omitempty"`
	Name                  string     `json:"name,omitempty"`
	TenantID              *uuid.UUID `json:"tenant_id"`
	NeedsOnboarding       bool       `json:"needs_onboarding"`
	OnboardingCompleted   bool       `json:"onboarding_completed"`
	BusinessInfoCompleted bool       `json:"business_info_completed"`
	SubscriptionCompleted bool       `json:"subscription_completed"`
	PaymentCompleted      bool       `json:"payment_completed"`
	SetupCompleted        bool       `json:"setup_completed"`
	Plan                  string     `json:"plan,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// UserFromModel converts a user record for the wire.
func UserFromModel(u *models.UserRecord) *UserResponse {
	return &UserResponse{
		UserID:                u.UserID,
		Subject:               u.Subject,
		Email:                 u.Email,
		Name:                  u.Name,
		TenantID:              u.TenantID,
		NeedsOnboarding:       u.NeedsOnboarding,
		OnboardingCompleted:   u.OnboardingCompleted,
		BusinessInfoCompleted: u.BusinessInfoCompleted,
		SubscriptionCompleted: u.SubscriptionCompleted,
		PaymentCompleted:      u.PaymentCompleted,
		SetupCompleted:        u.SetupCompleted,
		Plan:                  u.Plan,
		CreatedAt:             u.CreatedAt,
		UpdatedAt:             u.UpdatedAt,
	}
}

// Model converts the response back into a user record.
func (r *UserResponse) Model() *models.UserRecord {
	return &models.UserRecord{
		UserID:                r.UserID,
		Subject:               r.Subject,
		Email:                 r.Email,
		Name:                  r.Name,
		TenantID:              r.TenantID,
		NeedsOnboarding:       r.NeedsOnboarding,
		OnboardingCompleted:   r.OnboardingCompleted,
		BusinessInfoCompleted: r.BusinessInfoCompleted,
		SubscriptionCompleted: r.SubscriptionCompleted,
		PaymentCompleted:      r.PaymentCompleted,
		SetupCompleted:        r.SetupCompleted,
		Plan:                  r.Plan,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}
}

// SyncUserRequest creates the backend user for an identity.
type SyncUserRequest struct {
	Subject         string `json:"subject"`
	Email           string `json:"email,omitempty"`
	Name            string `json:"name,omitempty"`
	NeedsOnboarding bool   `json:"needs_onboarding"`
}

// VerifyTenantRequest asks the backend to confirm tenant ownership.
type VerifyTenantRequest struct {
	TenantID uuid.UUID `json:"tenant_id"`
}

// BindTenantRequest creates and binds the caller's tenant.
type BindTenantRequest struct {
	Name string `json:"name"`
}

// TenantResponse is the wire form of models.Tenant.
type TenantResponse struct {
	TenantID     uuid.UUID `json:"tenant_id"`
	Name         string    `json:"name"`
	OwnerSubject string    `json:"owner_subject"`
	CreatedAt    time.Time `json:"created_at"`
}

// TenantFromModel converts a tenant for the wire.
func TenantFromModel(t *models.Tenant) *TenantResponse {
	return &TenantResponse{
		TenantID:     t.TenantID,
		Name:         t.Name,
		OwnerSubject: t.OwnerSubject,
		CreatedAt:    t.CreatedAt,
	}
}

// Model converts the response back into a tenant.
func (r *TenantResponse) Model() *models.Tenant {
	return &models.Tenant{
		TenantID:     r.TenantID,
		Name:         r.Name,
		OwnerSubject: r.OwnerSubject,
		CreatedAt:    r.CreatedAt,
	}
}

// OnboardingUpdateRequest records completed onboarding steps.
type OnboardingUpdateRequest struct {
	BusinessInfoCompleted *bool   `json:"business_info_completed,omitempty"`
	SubscriptionCompleted *bool   `json:"subscription_completed,omitempty"`
	PaymentCompleted      *bool   `json:"payment_completed,omitempty"`
	SetupCompleted        *bool   `json:"setup_completed,omitempty"`
	Plan                  *string `json:"plan,omitempty"`
}

// RefreshRequest exchanges a refresh token for a new token set.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenResponse mirrors the OAuth2 token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
}

// TokenFromSet converts a token set for the wire relative to now.
func TokenFromSet(set *tokens.Set, now time.Time) *TokenResponse {
	return &TokenResponse{
		AccessToken:  set.AccessToken,
		IDToken:      set.IDToken,
		RefreshToken: set.RefreshToken,
		TokenType:    set.TokenType,
		ExpiresIn:    int64(set.Expiry.Sub(now).Seconds()),
	}
}

// Set converts the response into a token set issued at now.
func (r *TokenResponse) Set(now time.Time) *tokens.Set {
	return &tokens.Set{
		AccessToken:  r.AccessToken,
		IDToken:      r.IDToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		IssuedAt:     now,
		Expiry:       now.Add(time.Duration(r.ExpiresIn) * time.Second),
	}
}
