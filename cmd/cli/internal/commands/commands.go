package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantgate/internal/client"
	"github.com/wolfeidau/tenantgate/internal/config"
	"github.com/wolfeidau/tenantgate/internal/logger"
	"github.com/wolfeidau/tenantgate/internal/tokens"
)

type Globals struct {
	Debug   bool
	Version string
}

// ConfigFlags locate the YAML config shared by every command.
type ConfigFlags struct {
	Config string `help:"YAML config file path" type:"path" env:"TENANTGATE_CONFIG"`
	Server string `help:"Backend base URL, overrides backend.base_url" env:"TENANTGATE_SERVER"`
}

// load returns the effective config: the file when given, otherwise defaults.
func (f *ConfigFlags) load() (*config.Config, error) {
	cfg := config.Default()
	if f.Config != "" {
		loaded, err := config.Load(f.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if f.Server != "" {
		cfg.Backend.BaseURL = f.Server
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// TokenFlags carry the token set issued at sign in.
type TokenFlags struct {
	IDToken      string        `help:"ID token from the identity provider" required:"" env:"TENANTGATE_ID_TOKEN"`
	AccessToken  string        `help:"Access token from the identity provider" env:"TENANTGATE_ACCESS_TOKEN"`
	RefreshToken string        `help:"Refresh token from the identity provider" env:"TENANTGATE_REFRESH_TOKEN"`
	ExpiresIn    time.Duration `help:"Token lifetime when it cannot be read from the tokens" default:"1h"`
}

// set builds the initial token set. The expiry is read from the ID token's
// exp claim when present.
func (f *TokenFlags) set(now time.Time) (*tokens.Set, error) {
	set := &tokens.Set{
		AccessToken:  f.AccessToken,
		IDToken:      f.IDToken,
		RefreshToken: f.RefreshToken,
		TokenType:    "Bearer",
		IssuedAt:     now,
		Expiry:       now.Add(f.ExpiresIn),
	}
	if set.AccessToken == "" {
		set.AccessToken = f.IDToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(f.IDToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			set.Expiry = exp.Time
		}
	}

	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}

func setupLogger(globals *Globals) {
	log.Logger = logger.Setup(globals.Debug)
}

func newBackendClient(cfg *config.Config, version string) (*client.Client, error) {
	if cfg.Backend.BaseURL == "" {
		return nil, errors.New("backend base URL is required (--server, TENANTGATE_SERVER or backend.base_url)")
	}
	return client.New(client.Config{
		ServerURL: cfg.Backend.BaseURL,
		Timeout:   cfg.Backend.Timeout,
		UserAgent: "tenantgate-cli/" + version,
	})
}

// newTokenCache creates the configured token cache. The returned func
// releases any connection it holds.
func newTokenCache(ctx context.Context, cfg *config.Config) (tokens.Cache, func(), error) {
	switch cfg.Tokens.Cache {
	case config.CacheFile:
		cache, err := tokens.NewFileCache(cfg.Tokens.FileDir)
		if err != nil {
			return nil, nil, err
		}
		return cache, func() {}, nil

	case config.CacheRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Tokens.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return tokens.NewRedisCache(rdb, ""), func() { _ = rdb.Close() }, nil

	default:
		return tokens.NewMemoryCache(), func() {}, nil
	}
}
