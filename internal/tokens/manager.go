package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantgate/internal/autherr"
	"github.com/wolfeidau/tenantgate/internal/resilience"
	"github.com/wolfeidau/tenantgate/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Key identifies the session in the cache. Required.
	Key string

	// Refresher rotates tokens. Required.
	Refresher Refresher

	// Cache persists refreshed sets. Default: in-memory cache.
	Cache Cache

	// RefreshThreshold is the remaining lifetime below which a set is refreshed.
	// Default: 5m
	RefreshThreshold time.Duration

	// MaxCacheTTL caps how long a set is kept in the cache.
	// Default: 1h
	MaxCacheTTL time.Duration

	// RefreshTimeout bounds a single shared refresh, including retries.
	// Default: 15s
	RefreshTimeout time.Duration

	// Policy is the retry policy for refresh calls.
	Policy resilience.Policy

	// Breaker guards the identity provider. Default: a breaker named "token-refresh".
	Breaker *resilience.CircuitBreaker

	// OnTerminate is called once when the refresh token is rejected.
	OnTerminate func(err error)

	// OnRefreshed is called after every successful refresh.
	OnRefreshed func(set *Set)

	// Now returns the current time. Default: time.Now
	Now func() time.Time
}

// ApplyDefaults applies default values to unset fields.
func (c *ManagerConfig) ApplyDefaults() {
	if c.Cache == nil {
		c.Cache = NewMemoryCache()
	}
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = 5 * time.Minute
	}
	if c.MaxCacheTTL <= 0 {
		c.MaxCacheTTL = time.Hour
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 15 * time.Second
	}
	c.Policy.ApplyDefaults()
	if c.Breaker == nil {
		c.Breaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "token-refresh"})
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Validate checks required fields.
func (c *ManagerConfig) Validate() error {
	if c.Key == "" {
		return errors.New("key is required")
	}
	if c.Refresher == nil {
		return errors.New("refresher is required")
	}
	return nil
}

// Manager holds the current token set for one session. At most one refresh
// is in flight at a time; concurrent callers share its result.
type Manager struct {
	cfg   ManagerConfig
	group singleflight.Group

	mu         sync.Mutex
	current    *Set
	terminated bool
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid token manager config: %w", err)
	}
	return &Manager{cfg: cfg}, nil
}

// Seed installs a freshly issued set, for example after sign-in, and clears a
// previous termination.
func (m *Manager) Seed(ctx context.Context, set *Set) error {
	if err := set.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.current = set.Clone()
	m.terminated = false
	m.mu.Unlock()

	m.persist(ctx, set)
	return nil
}

// GetTokens returns a valid token set. Unless force is set, a set with more
// than RefreshThreshold remaining is returned without a network call.
func (m *Manager) GetTokens(ctx context.Context, force bool) (*Set, error) {
	seen, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	if !force && seen.Remaining(m.cfg.Now()) > m.cfg.RefreshThreshold {
		return seen.Clone(), nil
	}

	return m.refresh(ctx, seen)
}

// Refresh forces a refresh. It satisfies the session monitor's refresher.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err := m.GetTokens(ctx, true)
	return err
}

// Invalidate drops the current set and its cache entry.
func (m *Manager) Invalidate(ctx context.Context) error {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()

	if err := m.cfg.Cache.Delete(ctx, m.cfg.Key); err != nil {
		return fmt.Errorf("failed to invalidate token cache: %w", err)
	}
	return nil
}

// Terminated returns true once the refresh token has been rejected.
func (m *Manager) Terminated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminated
}

// load returns the current set, falling back to the cache after a restart.
func (m *Manager) load(ctx context.Context) (*Set, error) {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return nil, autherr.ErrAuthExpired
	}
	cur := m.current
	m.mu.Unlock()

	if cur != nil {
		return cur, nil
	}

	cached, err := m.cfg.Cache.Get(ctx, m.cfg.Key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			log.Warn().Err(err).Str("key", m.cfg.Key).Msg("token cache read failed")
		}
		return nil, autherr.ErrUnauthenticated
	}

	log.Debug().Str("key", m.cfg.Key).Msg("token set restored from cache")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated {
		return nil, autherr.ErrAuthExpired
	}
	if m.current == nil {
		m.current = cached
	}
	return m.current, nil
}

func (m *Manager) refresh(ctx context.Context, seen *Set) (*Set, error) {
	ch := m.group.DoChan(m.cfg.Key, func() (any, error) {
		// detached so one caller giving up does not fail the others
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RefreshTimeout)
		defer cancel()
		return m.doRefresh(rctx, seen)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Set).Clone(), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context, seen *Set) (*Set, error) {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return nil, autherr.ErrAuthExpired
	}
	cur := m.current
	m.mu.Unlock()

	// another refresh completed between load and now
	if cur != nil && cur != seen && cur.Remaining(m.cfg.Now()) > m.cfg.RefreshThreshold {
		return cur, nil
	}
	if cur == nil {
		cur = seen
	}

	if cur.RefreshToken == "" {
		if cur.Valid(m.cfg.Now()) {
			return cur, nil
		}
		err := fmt.Errorf("no refresh token: %w", autherr.ErrAuthExpired)
		m.terminate(ctx, err)
		return nil, err
	}

	start := m.cfg.Now()
	next, err := resilience.GuardValue(ctx, m.cfg.Policy, m.cfg.Breaker, func(ctx context.Context) (*Set, error) {
		return m.cfg.Refresher.Refresh(ctx, cur.RefreshToken)
	})
	metrics := telemetry.GetMetrics()
	metrics.TokenRefreshDuration.Record(ctx, float64(m.cfg.Now().Sub(start).Milliseconds()))
	if err != nil {
		metrics.TokenRefreshErrorsTotal.Add(ctx, 1)
		if errors.Is(err, autherr.ErrAuthExpired) {
			m.terminate(ctx, err)
		}
		log.Warn().Err(err).Str("key", m.cfg.Key).Msg("token refresh failed")
		return nil, err
	}

	next = next.Clone()
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if next.IDToken == "" {
		next.IDToken = cur.IDToken
	}
	if next.IssuedAt.IsZero() {
		next.IssuedAt = start
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("refresh returned unusable tokens: %w", err)
	}

	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return nil, autherr.ErrAuthExpired
	}
	m.current = next
	m.mu.Unlock()

	m.persist(ctx, next)
	metrics.TokenRefreshTotal.Add(ctx, 1)

	log.Debug().
		Str("key", m.cfg.Key).
		Time("expiry", next.Expiry).
		Dur("duration", m.cfg.Now().Sub(start)).
		Msg("tokens refreshed")

	if m.cfg.OnRefreshed != nil {
		m.cfg.OnRefreshed(next.Clone())
	}

	return next, nil
}

// persist writes the set with TTL = min(remaining, MaxCacheTTL).
func (m *Manager) persist(ctx context.Context, set *Set) {
	ttl := min(set.Remaining(m.cfg.Now()), m.cfg.MaxCacheTTL)
	if ttl <= 0 {
		return
	}
	if err := m.cfg.Cache.Put(ctx, m.cfg.Key, set, ttl); err != nil {
		log.Warn().Err(err).Str("key", m.cfg.Key).Msg("token cache write failed")
	}
}

func (m *Manager) terminate(ctx context.Context, cause error) {
	m.mu.Lock()
	already := m.terminated
	m.terminated = true
	m.current = nil
	m.mu.Unlock()

	if err := m.cfg.Cache.Delete(ctx, m.cfg.Key); err != nil {
		log.Warn().Err(err).Str("key", m.cfg.Key).Msg("token cache delete failed")
	}

	if already {
		return
	}

	log.Info().Err(cause).Str("key", m.cfg.Key).Msg("refresh grant rejected, terminating session")
	telemetry.GetMetrics().TokenTerminationsTotal.Add(ctx, 1)

	if m.cfg.OnTerminate != nil {
		m.cfg.OnTerminate(cause)
	}
}
