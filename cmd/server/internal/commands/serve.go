package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"filippo.io/csrf"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/tenantgate/internal/api"
	"github.com/wolfeidau/tenantgate/internal/client"
	"github.com/wolfeidau/tenantgate/internal/logger"
	"github.com/wolfeidau/tenantgate/internal/oidc"
	"github.com/wolfeidau/tenantgate/internal/resilience"
	"github.com/wolfeidau/tenantgate/internal/server"
	"github.com/wolfeidau/tenantgate/internal/store"
	memorystore "github.com/wolfeidau/tenantgate/internal/store/memory"
	postgresstore "github.com/wolfeidau/tenantgate/internal/store/postgres"
	"github.com/wolfeidau/tenantgate/internal/telemetry"
	"github.com/wolfeidau/tenantgate/internal/tokens"
	"golang.org/x/oauth2"
)

type ServeCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"TENANTGATE_LISTEN"`
	Cert   string `help:"path to TLS cert file, enables HTTPS with --key" default:"" env:"TENANTGATE_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"TENANTGATE_TLS_KEY"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for browser callers" default:"https://localhost" env:"TENANTGATE_CORS_ORIGINS"`

	// Session configuration
	SessionTTL    time.Duration `help:"absolute session lifetime" default:"24h" env:"TENANTGATE_SESSION_TTL"`
	SecureCookies bool          `help:"mark the session cookie Secure" default:"true" env:"TENANTGATE_SECURE_COOKIES" negatable:""`
	TrustProxy    bool          `help:"trust X-Forwarded-For and X-Real-IP for client addresses" default:"false" env:"TENANTGATE_TRUST_PROXY"`

	// Identity provider configuration
	OIDC OIDCFlags `embed:"" prefix:"oidc-"`

	Tracing bool           `help:"enable tracing" default:"false" env:"TENANTGATE_TRACING"`
	OTel    TelemetryFlags `embed:"" prefix:"otel-"`

	// Store configuration
	StoreType     string             `help:"store type (memory or postgres)" default:"memory" env:"TENANTGATE_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

type TelemetryFlags struct {
	Endpoint    string  `help:"OTLP collector host:port, defaults to OTEL_EXPORTER_OTLP_ENDPOINT" env:"TENANTGATE_OTEL_ENDPOINT"`
	Insecure    bool    `help:"disable TLS to the OTLP collector" default:"false" env:"TENANTGATE_OTEL_INSECURE"`
	SampleRatio float64 `help:"fraction of traces to sample" default:"1" env:"TENANTGATE_OTEL_SAMPLE_RATIO"`
}

type OIDCFlags struct {
	Issuer       string        `help:"OIDC issuer URL" env:"TENANTGATE_OIDC_ISSUER"`
	ClientID     string        `help:"OIDC client ID, the expected ID token audience" env:"TENANTGATE_OIDC_CLIENT_ID"`
	ClientSecret string        `help:"OIDC client secret, used for the refresh proxy" env:"TENANTGATE_OIDC_CLIENT_SECRET"`
	TokenURL     string        `help:"override the discovered token endpoint" default:"" env:"TENANTGATE_OIDC_TOKEN_URL"`
	NoRefresh    bool          `help:"disable the /auth/refresh proxy" default:"false" env:"TENANTGATE_OIDC_NO_REFRESH"`
	CacheDir     string        `help:"directory for cached discovery and JWKS responses, in memory when empty" default:"" env:"TENANTGATE_OIDC_CACHE_DIR"`
	KeysTTL      time.Duration `help:"how long fetched signing keys are trusted" default:"1h" env:"TENANTGATE_OIDC_KEYS_TTL"`
}

func (o *OIDCFlags) Validate() error {
	if o.Issuer == "" {
		return errors.New("OIDC issuer is required (--oidc-issuer or TENANTGATE_OIDC_ISSUER)")
	}
	if o.ClientID == "" {
		return errors.New("OIDC client ID is required (--oidc-client-id or TENANTGATE_OIDC_CLIENT_ID)")
	}
	return nil
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"5"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`

	// Session cleanup
	CleanupInterval int32 `help:"expired session cleanup interval in seconds" default:"300"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"TENANTGATE_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

type stores struct {
	users    store.UserStore
	tenants  store.TenantStore
	sessions store.SessionStore
	stop     func()
}

func (c *ServeCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	zerolog.DefaultContextLogger = &log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if err := c.OIDC.Validate(); err != nil {
		return err
	}

	// Setup telemetry if enabled
	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "tenantgate-server",
			Version:     globals.Version,
			Endpoint:    c.OTel.Endpoint,
			Insecure:    c.OTel.Insecure,
			SampleRatio: c.OTel.SampleRatio,
			StoreType:   c.StoreType,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	st, err := c.createStores(ctx, log)
	if err != nil {
		return err
	}
	defer st.stop()

	// Discovery and JWKS responses honour Cache-Control
	cachingClient := client.NewCachingHTTPClient(c.OIDC.CacheDir, 10*time.Second)

	meta, err := resilience.RetryValue(ctx, resilience.DefaultPolicy(), func(ctx context.Context) (*oidc.ProviderMetadata, error) {
		return oidc.Discover(ctx, cachingClient, c.OIDC.Issuer)
	})
	if err != nil {
		return fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	verifier := oidc.NewVerifier(meta, c.OIDC.ClientID, oidc.NewKeySet(cachingClient, c.OIDC.KeysTTL))

	log.Info().
		Str("issuer", meta.Issuer).
		Str("jwks_uri", meta.JWKSURI).
		Msg("OIDC provider discovered")

	var refresher tokens.Refresher
	if !c.OIDC.NoRefresh {
		endpoint := meta.Endpoint()
		if c.OIDC.TokenURL != "" {
			endpoint.TokenURL = c.OIDC.TokenURL
		}
		refresher = tokens.NewOAuth2Refresher(&oauth2.Config{
			ClientID:     c.OIDC.ClientID,
			ClientSecret: c.OIDC.ClientSecret,
			Endpoint:     endpoint,
		}, nil)
		log.Info().Str("token_url", endpoint.TokenURL).Msg("Refresh proxy enabled")
	}

	srv, err := server.NewServer(server.Config{
		Users:         st.users,
		Tenants:       st.tenants,
		Sessions:      st.sessions,
		Verifier:      verifier,
		Refresher:     refresher,
		SessionTTL:    c.SessionTTL,
		SecureCookies: c.SecureCookies,
		TrustProxy:    c.TrustProxy,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Cross-origin writes are refused unless they come from a CORS origin
	protection := csrf.New()
	for _, origin := range c.CORSOrigins {
		if err := protection.AddTrustedOrigin(origin); err != nil {
			return fmt.Errorf("invalid CORS origin %q: %w", origin, err)
		}
	}

	handler := withCORS(c.CORSOrigins, protection.Handler(srv.Handler(log)))
	httpServer := configureHTTPServer(c.Listen, handler)

	errCh := make(chan error, 1)
	go func() {
		if c.Cert != "" && c.Key != "" {
			log.Info().Str("addr", c.Listen).Msg("Starting HTTPS server")
			errCh <- httpServer.ListenAndServeTLS(c.Cert, c.Key)
			return
		}
		log.Info().Str("addr", c.Listen).Msg("Starting HTTP server")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return httpServer.Shutdown(shutdownCtx)
}

// createStores creates the user, tenant and session stores for the configured store type.
func (c *ServeCmd) createStores(ctx context.Context, log zerolog.Logger) (*stores, error) {
	switch c.StoreType {
	case "postgres":
		if err := c.PostgresStore.Validate(); err != nil {
			return nil, fmt.Errorf("failed to validate postgres flags: %w", err)
		}

		pg, err := postgresstore.NewStore(ctx, &postgresstore.StoreConfig{
			PoolConfig: postgresstore.PoolConfig{
				ConnString:      c.PostgresStore.ConnString,
				MaxConns:        c.PostgresStore.MaxConns,
				MinConns:        c.PostgresStore.MinConns,
				MaxConnLifetime: c.PostgresStore.MaxConnLifetime,
				MaxConnIdleTime: c.PostgresStore.MaxConnIdleTime,
			},
			AutoMigrate:            c.PostgresStore.AutoMigrate,
			CleanupIntervalSeconds: c.PostgresStore.CleanupInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres store: %w", err)
		}
		if err := pg.Start(); err != nil {
			return nil, err
		}
		log.Info().Msg("Using PostgreSQL stores")

		return &stores{
			users:    pg.Users(),
			tenants:  pg.Tenants(),
			sessions: pg.Sessions(),
			stop: func() {
				if err := pg.Stop(); err != nil {
					log.Error().Err(err).Msg("Failed to stop postgres store")
				}
			},
		}, nil

	default:
		users := memorystore.NewUserStore()
		sessions := memorystore.NewSessionStore()

		cleanupCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			cleanupSessions(cleanupCtx, sessions, 5*time.Minute)
		}()

		log.Info().Msg("Using in-memory stores")

		return &stores{
			users:    users,
			tenants:  memorystore.NewTenantStore(users),
			sessions: sessions,
			stop: func() {
				cancel()
				<-done
			},
		}, nil
	}
}

// cleanupSessions removes expired sessions until ctx is done.
func cleanupSessions(ctx context.Context, sessions store.SessionStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := sessions.DeleteExpired(ctx)
			if err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to delete expired sessions")
				continue
			}
			if removed > 0 {
				zerolog.Ctx(ctx).Debug().Int("removed", removed).Msg("Expired sessions deleted")
			}
		}
	}
}

// withCORS adds CORS support for browser callers using the session cookie.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowedHeaders:   []string{"Content-Type", "Accept", api.HeaderIdempotency},
		AllowCredentials: true, // Required for cookie-based authentication
	})
	return middleware.Handler(h)
}
