// Package config loads the deployment policy for the client core: backend
// location, retry and breaker policy, token cache and session monitoring.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/wolfeidau/tenantgate/internal/resilience"
	"github.com/wolfeidau/tenantgate/internal/session"
	"gopkg.in/yaml.v3"
)

// Token cache backends.
const (
	CacheMemory = "memory"
	CacheFile   = "file"
	CacheRedis  = "redis"
)

// Config is the root of the YAML configuration file.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
	Tokens  TokensConfig  `yaml:"tokens"`
	Session SessionConfig `yaml:"session"`
	OIDC    OIDCConfig    `yaml:"oidc"`
}

// BackendConfig locates the backend-of-record.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`

	// Timeout bounds each backend call.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`
}

// RetryConfig is the retry policy for backend and provider calls.
type RetryConfig struct {
	// Default: 3
	MaxAttempts int `yaml:"max_attempts"`
	// Default: 500ms
	InitialDelay time.Duration `yaml:"initial_delay"`
	// Default: 10s
	MaxDelay time.Duration `yaml:"max_delay"`
	// Default: 2.0
	Multiplier float64 `yaml:"multiplier"`
}

// BreakerConfig configures every circuit breaker.
type BreakerConfig struct {
	// Default: 5
	FailureThreshold int `yaml:"failure_threshold"`
	// Default: 30s
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// TokensConfig configures the token manager and its cache.
type TokensConfig struct {
	// Default: 5m
	RefreshThreshold time.Duration `yaml:"refresh_threshold"`
	// Default: 1h
	MaxCacheTTL time.Duration `yaml:"max_cache_ttl"`

	// Cache is one of memory, file or redis.
	// Default: memory
	Cache     string `yaml:"cache"`
	FileDir   string `yaml:"file_dir"`
	RedisAddr string `yaml:"redis_addr"`
}

// SessionConfig configures the session monitor.
type SessionConfig struct {
	// Default: 60s
	Interval time.Duration `yaml:"interval"`
	// Default: 30m
	MaxAge time.Duration `yaml:"max_age"`
	// Default: 5m
	RefreshThreshold        time.Duration `yaml:"refresh_threshold"`
	AllowConcurrentSessions bool          `yaml:"allow_concurrent_sessions"`
}

// OIDCConfig identifies the client at the identity provider.
type OIDCConfig struct {
	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Load reads path, expands ${VAR} references from the environment, applies
// defaults and validates the result. Unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML config data, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}

	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = 10 * time.Second
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = 2.0
	}

	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.ResetTimeout <= 0 {
		c.Breaker.ResetTimeout = 30 * time.Second
	}

	if c.Tokens.RefreshThreshold <= 0 {
		c.Tokens.RefreshThreshold = 5 * time.Minute
	}
	if c.Tokens.MaxCacheTTL <= 0 {
		c.Tokens.MaxCacheTTL = time.Hour
	}
	if c.Tokens.Cache == "" {
		c.Tokens.Cache = CacheMemory
	}

	if c.Session.Interval <= 0 {
		c.Session.Interval = 60 * time.Second
	}
	if c.Session.MaxAge <= 0 {
		c.Session.MaxAge = 30 * time.Minute
	}
	if c.Session.RefreshThreshold <= 0 {
		c.Session.RefreshThreshold = 5 * time.Minute
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Backend.BaseURL != "" {
		u, err := url.Parse(c.Backend.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("backend.base_url %q is not an absolute URL", c.Backend.BaseURL)
		}
	}

	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return errors.New("retry.max_delay must be at least retry.initial_delay")
	}
	if c.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be at least 1")
	}

	switch c.Tokens.Cache {
	case CacheMemory:
	case CacheFile:
		if c.Tokens.FileDir == "" {
			return errors.New("tokens.file_dir is required for the file cache")
		}
	case CacheRedis:
		if c.Tokens.RedisAddr == "" {
			return errors.New("tokens.redis_addr is required for the redis cache")
		}
	default:
		return fmt.Errorf("tokens.cache must be memory, file or redis, got %q", c.Tokens.Cache)
	}

	if c.Session.RefreshThreshold >= c.Session.MaxAge {
		return errors.New("session.refresh_threshold must be less than session.max_age")
	}

	if c.OIDC.ClientSecret != "" && c.OIDC.ClientID == "" {
		return errors.New("oidc.client_id is required with oidc.client_secret")
	}

	return nil
}

// RetryPolicy converts the retry section into a resilience policy.
func (c *Config) RetryPolicy() resilience.Policy {
	return resilience.Policy{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Multiplier:   c.Retry.Multiplier,
	}
}

// NewBreaker creates a named circuit breaker from the breaker section.
func (c *Config) NewBreaker(name string) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             name,
		FailureThreshold: c.Breaker.FailureThreshold,
		ResetTimeout:     c.Breaker.ResetTimeout,
	})
}

// MonitorConfig converts the session section into a monitor config. Session
// status calls get a single attempt; the next tick is the retry.
func (c *Config) MonitorConfig() session.Config {
	return session.Config{
		Interval:                c.Session.Interval,
		MaxAge:                  c.Session.MaxAge,
		RefreshThreshold:        c.Session.RefreshThreshold,
		AllowConcurrentSessions: c.Session.AllowConcurrentSessions,
		CallTimeout:             c.Backend.Timeout,
		Breaker:                 c.NewBreaker("session-status"),
	}
}
