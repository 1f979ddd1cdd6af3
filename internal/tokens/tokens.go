// Package tokens holds the current access/ID token set for a session and
// refreshes it before expiry, deduplicating concurrent refresh attempts.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wolfeidau/tenantgate/internal/models"
)

// ErrInvalidSet is returned when a token set violates expiry > issued-at.
var ErrInvalidSet = errors.New("invalid token set")

// Set is a token set issued by the identity provider.
type Set struct {
	AccessToken  string    `json:"access_token"`
	IDToken      string    `json:"id_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	Expiry       time.Time `json:"expiry"`
}

// Validate checks the set is usable.
func (s *Set) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil", ErrInvalidSet)
	}
	if s.AccessToken == "" {
		return fmt.Errorf("%w: missing access token", ErrInvalidSet)
	}
	if !s.Expiry.After(s.IssuedAt) {
		return fmt.Errorf("%w: expiry %s not after issued at %s", ErrInvalidSet, s.Expiry, s.IssuedAt)
	}
	return nil
}

// Remaining returns the token lifetime left at now.
func (s *Set) Remaining(now time.Time) time.Duration {
	return s.Expiry.Sub(now)
}

// Valid returns true if the access token has not expired at now.
func (s *Set) Valid(now time.Time) bool {
	return s != nil && s.AccessToken != "" && now.Before(s.Expiry)
}

// Clone returns a copy of the set.
func (s *Set) Clone() *Set {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Identity reads the identity from the ID token without verifying its signature.
// Callers that need a verified identity use the oidc package.
func (s *Set) Identity() (*models.Identity, error) {
	if s.IDToken == "" {
		return nil, errors.New("token set has no id token")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.IDToken, claims); err != nil {
		return nil, fmt.Errorf("failed to parse id token: %w", err)
	}

	return IdentityFromClaims(claims)
}

// IdentityFromClaims maps standard OIDC claims into an Identity.
func IdentityFromClaims(claims jwt.MapClaims) (*models.Identity, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("id token has no subject")
	}
	iss, _ := claims.GetIssuer()

	id := &models.Identity{
		Subject:    sub,
		Issuer:     iss,
		Attributes: make(map[string]any, len(claims)),
	}
	if v, ok := claims["email"].(string); ok {
		id.Email = v
	}
	if v, ok := claims["name"].(string); ok {
		id.Name = v
	}
	for k, v := range claims {
		id.Attributes[k] = v
	}

	return id, nil
}

// Refresher exchanges a refresh token for a new token set.
// Implementations return autherr.ErrAuthExpired for an invalid grant and a
// transient error for anything worth retrying.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Set, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (*Set, error)

// Refresh calls f.
func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (*Set, error) {
	return f(ctx, refreshToken)
}
