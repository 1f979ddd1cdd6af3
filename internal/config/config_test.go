package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxDelay)
	assert.InDelta(t, 2.0, cfg.Retry.Multiplier, 0.0001)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.ResetTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Tokens.RefreshThreshold)
	assert.Equal(t, time.Hour, cfg.Tokens.MaxCacheTTL)
	assert.Equal(t, CacheMemory, cfg.Tokens.Cache)
	assert.Equal(t, 60*time.Second, cfg.Session.Interval)
	assert.Equal(t, 30*time.Minute, cfg.Session.MaxAge)
	assert.False(t, cfg.Session.AllowConcurrentSessions)
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Setenv("TG_CLIENT_SECRET", "s3cret")

	path := filepath.Join(t.TempDir(), "tenantgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  base_url: https://api.acme.io
  timeout: 5s
retry:
  max_attempts: 5
  initial_delay: 250ms
tokens:
  cache: redis
  redis_addr: localhost:6379
session:
  max_age: 1h
  allow_concurrent_sessions: true
oidc:
  issuer: https://login.acme.io
  client_id: web
  client_secret: ${TG_CLIENT_SECRET}
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.acme.io", cfg.Backend.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, CacheRedis, cfg.Tokens.Cache)
	assert.Equal(t, time.Hour, cfg.Session.MaxAge)
	assert.True(t, cfg.Session.AllowConcurrentSessions)
	assert.Equal(t, "s3cret", cfg.OIDC.ClientSecret)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 5, policy.MaxAttempts)

	mon := cfg.MonitorConfig()
	assert.Equal(t, time.Hour, mon.MaxAge)
	assert.Equal(t, 5*time.Second, mon.CallTimeout)
	assert.NotNil(t, mon.Breaker)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "empty document", yaml: ""},
		{name: "unknown key", yaml: "backend:\n  base_uri: x\n", wantErr: "base_uri"},
		{name: "relative base url", yaml: "backend:\n  base_url: /api\n", wantErr: "absolute URL"},
		{name: "bad cache", yaml: "tokens:\n  cache: memcached\n", wantErr: "tokens.cache"},
		{name: "file cache needs dir", yaml: "tokens:\n  cache: file\n", wantErr: "file_dir"},
		{name: "redis cache needs addr", yaml: "tokens:\n  cache: redis\n", wantErr: "redis_addr"},
		{name: "threshold beyond max age", yaml: "session:\n  max_age: 5m\n  refresh_threshold: 10m\n", wantErr: "refresh_threshold"},
		{name: "delay bounds", yaml: "retry:\n  initial_delay: 20s\n  max_delay: 1s\n", wantErr: "max_delay"},
		{name: "secret without client", yaml: "oidc:\n  client_secret: x\n", wantErr: "client_id"},
		{name: "bad duration", yaml: "backend:\n  timeout: soon\n", wantErr: "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
