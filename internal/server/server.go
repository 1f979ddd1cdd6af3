// Package server is the reference backend-of-record: it issues sessions for
// verified identities, owns user records and binds each user to exactly one
// tenant.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/tenantgate/internal/api"
	apphttp "github.com/wolfeidau/tenantgate/internal/http"
	"github.com/wolfeidau/tenantgate/internal/logger"
	"github.com/wolfeidau/tenantgate/internal/models"
	"github.com/wolfeidau/tenantgate/internal/store"
	"github.com/wolfeidau/tenantgate/internal/tokens"
)

// IdentityVerifier validates a provider ID token.
type IdentityVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*models.Identity, error)
}

// Config wires the server's dependencies.
type Config struct {
	Users    store.UserStore
	Tenants  store.TenantStore
	Sessions store.SessionStore
	Verifier IdentityVerifier

	// Refresher serves /auth/refresh. Nil disables the endpoint.
	Refresher tokens.Refresher

	// SessionTTL is the absolute session lifetime. Default: 24h.
	SessionTTL time.Duration

	// SecureCookies marks the session cookie Secure.
	SecureCookies bool

	// TrustProxy honours X-Forwarded-For and X-Real-IP for audit fields.
	TrustProxy bool
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Users == nil || c.Tenants == nil || c.Sessions == nil {
		return errors.New("user, tenant and session stores are required")
	}
	if c.Verifier == nil {
		return errors.New("identity verifier is required")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
}

// Server serves the backend-of-record API.
type Server struct {
	cfg Config
	now func() time.Time
}

// NewServer creates a new server with the given stores.
func NewServer(cfg Config) (*Server, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Server{
		cfg: cfg,
		now: time.Now,
	}, nil
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", api.ContentTypeJSON)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("POST "+api.PathSignIn, s.signIn)
	mux.HandleFunc("POST "+api.PathCurrentSession, s.withSession(s.currentSession))
	mux.HandleFunc("POST "+api.PathTouchSession, s.withSession(s.touchSession))
	mux.HandleFunc("POST "+api.PathLogout, s.withSession(s.logout))
	mux.HandleFunc("POST "+api.PathRefresh, s.refresh)

	mux.HandleFunc("POST "+api.PathSyncUser, s.withSession(s.syncUser))
	mux.HandleFunc("GET "+api.PathUser, s.withSubject(s.getUser))
	mux.HandleFunc("POST "+api.PathVerifyTenant, s.withSubject(s.verifyTenant))
	mux.HandleFunc("POST "+api.PathBindTenant, s.withSubject(s.bindTenant))
	mux.HandleFunc("PATCH "+api.PathOnboarding, s.withSubject(s.updateOnboarding))

	var handler http.Handler = mux
	handler = apphttp.RequestMetadataMiddleware(s.cfg.TrustProxy)(handler)
	handler = logger.RequestLogger(log)(handler)

	return handler
}
