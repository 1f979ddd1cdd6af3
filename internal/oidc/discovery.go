// Package oidc discovers identity provider metadata and verifies ID tokens
// against the provider's published signing keys.
package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantgate/internal/autherr"
	"golang.org/x/oauth2"
)

// ProviderMetadata is the subset of the OpenID provider configuration used here.
type ProviderMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string   `json:"jwks_uri"`
	EndSessionEndpoint    string   `json:"end_session_endpoint,omitempty"`
	SigningAlgs           []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

// Endpoint returns the OAuth2 endpoint for the provider.
func (p *ProviderMetadata) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:  p.AuthorizationEndpoint,
		TokenURL: p.TokenEndpoint,
	}
}

// Discover fetches the provider configuration for issuer. The issuer in the
// document must match the requested issuer exactly.
func Discover(ctx context.Context, client *http.Client, issuer string) (*ProviderMetadata, error) {
	if client == nil {
		client = http.DefaultClient
	}

	wellKnown := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, autherr.Transient(0, fmt.Errorf("failed to fetch provider configuration: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, autherr.Transient(resp.StatusCode, fmt.Errorf("provider configuration request failed: %s", resp.Status))
	default:
		return nil, fmt.Errorf("provider configuration request failed: %s", resp.Status)
	}

	var meta ProviderMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode provider configuration: %w", err)
	}

	if meta.Issuer != issuer {
		return nil, fmt.Errorf("issuer mismatch: expected %q got %q", issuer, meta.Issuer)
	}
	if meta.JWKSURI == "" || meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("provider configuration for %q is missing jwks_uri or token_endpoint", issuer)
	}

	log.Debug().Str("issuer", issuer).Str("jwks_uri", meta.JWKSURI).Msg("discovered provider configuration")

	return &meta, nil
}
