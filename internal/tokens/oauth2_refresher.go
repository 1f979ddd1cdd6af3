package tokens

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wolfeidau/tenantgate/internal/autherr"
	"golang.org/x/oauth2"
)

// OAuth2Refresher refreshes tokens directly against the identity provider's
// token endpoint.
type OAuth2Refresher struct {
	config     *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

// NewOAuth2Refresher creates a refresher for the given client configuration.
// A nil httpClient uses a client with a 10s timeout.
func NewOAuth2Refresher(config *oauth2.Config, httpClient *http.Client) *OAuth2Refresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &OAuth2Refresher{config: config, httpClient: httpClient, now: time.Now}
}

func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (*Set, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	// an expired token forces the token source to use the refresh grant
	src := r.config.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})

	issuedAt := r.now()
	tok, err := src.Token()
	if err != nil {
		return nil, classifyOAuth2Error(err)
	}

	set := &Set{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		IssuedAt:     issuedAt,
		Expiry:       tok.Expiry,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		set.IDToken = idToken
	}
	if set.Expiry.IsZero() && tok.ExpiresIn > 0 {
		set.Expiry = issuedAt.Add(time.Duration(tok.ExpiresIn) * time.Second)
	}

	return set, nil
}

// classifyOAuth2Error maps token endpoint failures onto the auth error taxonomy.
func classifyOAuth2Error(err error) error {
	if autherr.IsCanceled(err) {
		return err
	}

	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		// network level failure
		return autherr.Transient(0, err)
	}

	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}

	switch {
	case re.ErrorCode == "invalid_grant":
		return fmt.Errorf("refresh rejected: %w", autherr.ErrAuthExpired)
	case status == http.StatusTooManyRequests || status >= 500:
		return autherr.Transient(status, err)
	case status == http.StatusUnauthorized:
		return fmt.Errorf("client authentication failed: %w", autherr.ErrUnauthenticated)
	default:
		return fmt.Errorf("token refresh failed with status %d: %w", status, err)
	}
}
