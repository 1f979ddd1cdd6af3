package oidc

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantgate/internal/autherr"
)

// ErrKeyNotFound is returned when a kid is absent from a freshly fetched JWKS.
var ErrKeyNotFound = errors.New("kid not found in JWKS")

type cachedJWKS struct {
	keys      map[string]crypto.PublicKey // kid → public key
	expiresAt time.Time
}

// KeySet caches provider signing keys per JWKS URL.
type KeySet struct {
	httpClient *http.Client
	ttl        time.Duration
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]*cachedJWKS
}

// NewKeySet creates a key set. Keys are cached for ttl (default 1h).
func NewKeySet(httpClient *http.Client, ttl time.Duration) *KeySet {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 10 * time.Second,
		}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &KeySet{
		httpClient: httpClient,
		ttl:        ttl,
		now:        time.Now,
		cache:      make(map[string]*cachedJWKS),
	}
}

// Key returns the public key for kid, fetching the JWKS when the cache has
// expired or does not know the kid (key rotation).
func (k *KeySet) Key(ctx context.Context, jwksURL, kid string) (crypto.PublicKey, error) {
	k.mu.RLock()
	cached, ok := k.cache[jwksURL]
	k.mu.RUnlock()

	if ok && k.now().Before(cached.expiresAt) {
		if key, ok := cached.keys[kid]; ok {
			log.Debug().Str("kid", kid).Msg("JWKS cache hit")
			return key, nil
		}
	}

	keys, err := k.fetch(ctx, jwksURL)
	if err != nil {
		return nil, err
	}

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return key, nil
}

func (k *KeySet) fetch(ctx context.Context, jwksURL string) (map[string]crypto.PublicKey, error) {
	log.Debug().Str("jwks_url", jwksURL).Msg("Fetching JWKS")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS request: %w", err)
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, autherr.Transient(0, fmt.Errorf("failed to fetch JWKS: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return nil, autherr.Transient(resp.StatusCode, fmt.Errorf("JWKS request failed: %s", resp.Status))
		}
		return nil, fmt.Errorf("JWKS request failed: %s", resp.Status)
	}

	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(jwks.Keys))
	for _, jwk := range jwks.Keys {
		kid, ok := jwk["kid"].(string)
		if !ok {
			log.Warn().Msg("JWK missing kid")
			continue
		}

		key, err := parseJWK(jwk)
		if err != nil {
			log.Warn().Err(err).Str("kid", kid).Msg("Failed to parse JWK")
			continue
		}

		keys[kid] = key
	}

	k.mu.Lock()
	k.cache[jwksURL] = &cachedJWKS{
		keys:      keys,
		expiresAt: k.now().Add(k.ttl),
	}
	k.mu.Unlock()

	log.Info().Str("jwks_url", jwksURL).Int("total_keys", len(keys)).Msg("Cached JWKS")
	return keys, nil
}

// parseJWK parses an EC (P-256, P-384) or RSA JWK into a public key.
func parseJWK(jwk map[string]any) (crypto.PublicKey, error) {
	kty, _ := jwk["kty"].(string)
	switch kty {
	case "EC":
		return parseECJWK(jwk)
	case "RSA":
		return parseRSAJWK(jwk)
	default:
		return nil, fmt.Errorf("unsupported key type: %v", jwk["kty"])
	}
}

func parseECJWK(jwk map[string]any) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv, _ := jwk["crv"].(string); crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	default:
		return nil, fmt.Errorf("unsupported curve: %v", jwk["crv"])
	}

	xBytes, err := member(jwk, "x")
	if err != nil {
		return nil, err
	}
	yBytes, err := member(jwk, "y")
	if err != nil {
		return nil, err
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

func parseRSAJWK(jwk map[string]any) (*rsa.PublicKey, error) {
	nBytes, err := member(jwk, "n")
	if err != nil {
		return nil, err
	}
	eBytes, err := member(jwk, "e")
	if err != nil {
		return nil, err
	}

	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, errors.New("invalid RSA exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}

func member(jwk map[string]any, name string) ([]byte, error) {
	s, ok := jwk[name].(string)
	if !ok {
		return nil, fmt.Errorf("missing %s", name)
	}
	b, err := decodeBase64URL(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return b, nil
}

// decodeBase64URL decodes a base64url string with or without padding.
func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(trimPadding(s))
}

func trimPadding(s string) string {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return s
}
