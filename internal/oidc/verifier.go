package oidc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wolfeidau/tenantgate/internal/autherr"
	"github.com/wolfeidau/tenantgate/internal/models"
	"github.com/wolfeidau/tenantgate/internal/tokens"
)

var signingMethods = []string{
	jwt.SigningMethodES256.Alg(),
	jwt.SigningMethodES384.Alg(),
	jwt.SigningMethodRS256.Alg(),
	jwt.SigningMethodRS384.Alg(),
	jwt.SigningMethodRS512.Alg(),
}

// Verifier validates ID tokens issued by one provider for one client.
type Verifier struct {
	issuer   string
	audience string
	jwksURL  string
	keys     *KeySet
	leeway   time.Duration
	now      func() time.Time
}

// NewVerifier creates a verifier for tokens issued by meta.Issuer to clientID.
func NewVerifier(meta *ProviderMetadata, clientID string, keys *KeySet) *Verifier {
	return &Verifier{
		issuer:   meta.Issuer,
		audience: clientID,
		jwksURL:  meta.JWKSURI,
		keys:     keys,
		leeway:   30 * time.Second,
		now:      time.Now,
	}
}

// Verify checks the signature, issuer, audience and expiry of rawIDToken and
// returns the identity it carries. Invalid tokens return an error wrapping
// autherr.ErrUnauthenticated.
func (v *Verifier) Verify(ctx context.Context, rawIDToken string) (*models.Identity, error) {
	claims := jwt.MapClaims{}

	_, err := jwt.ParseWithClaims(rawIDToken, claims, func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("missing kid in token header")
		}
		return v.keys.Key(ctx, v.jwksURL, kid)
	},
		jwt.WithValidMethods(signingMethods),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		// key fetch failures are worth retrying, bad tokens are not
		if autherr.IsTransient(err) {
			return nil, err
		}
		return nil, fmt.Errorf("invalid id token: %w: %w", autherr.ErrUnauthenticated, err)
	}

	return tokens.IdentityFromClaims(claims)
}
