package tokens

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tenantgate/internal/autherr"
	"github.com/wolfeidau/tenantgate/internal/resilience"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type countingRefresher struct {
	calls atomic.Int32
	fn    func(ctx context.Context, refreshToken string) (*Set, error)
}

func (r *countingRefresher) Refresh(ctx context.Context, refreshToken string) (*Set, error) {
	r.calls.Add(1)
	return r.fn(ctx, refreshToken)
}

func issued(lifetime time.Duration, refreshToken string) *Set {
	return &Set{
		AccessToken:  "access-" + lifetime.String(),
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		IssuedAt:     baseTime,
		Expiry:       baseTime.Add(lifetime),
	}
}

func rotating() *countingRefresher {
	r := &countingRefresher{}
	r.fn = func(ctx context.Context, refreshToken string) (*Set, error) {
		return &Set{AccessToken: "rotated", RefreshToken: "rt-2", Expiry: baseTime.Add(2 * time.Hour)}, nil
	}
	return r
}

func newTestManager(t *testing.T, refresher Refresher, mutate func(*ManagerConfig)) (*Manager, *MemoryCache) {
	t.Helper()
	cache := NewMemoryCache()
	cache.now = func() time.Time { return baseTime }

	cfg := ManagerConfig{
		Key:       "sub-123",
		Refresher: refresher,
		Cache:     cache,
		Policy:    resilience.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Now:       func() time.Time { return baseTime },
	}
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m, cache
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(ManagerConfig{Refresher: rotating()})
	require.Error(t, err)

	_, err = NewManager(ManagerConfig{Key: "k"})
	require.Error(t, err)
}

func TestManager_GetTokens(t *testing.T) {
	ctx := context.Background()

	t.Run("no tokens is unauthenticated", func(t *testing.T) {
		m, _ := newTestManager(t, rotating(), nil)
		_, err := m.GetTokens(ctx, false)
		require.ErrorIs(t, err, autherr.ErrUnauthenticated)
	})

	t.Run("fresh tokens skip the network", func(t *testing.T) {
		r := rotating()
		m, _ := newTestManager(t, r, nil)
		require.NoError(t, m.Seed(ctx, issued(time.Hour, "rt-1")))

		set, err := m.GetTokens(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, "access-1h0m0s", set.AccessToken)
		assert.Zero(t, r.calls.Load())
	})

	t.Run("near expiry refreshes", func(t *testing.T) {
		r := rotating()
		var refreshed []*Set
		m, cache := newTestManager(t, r, func(c *ManagerConfig) {
			c.OnRefreshed = func(s *Set) { refreshed = append(refreshed, s) }
		})
		require.NoError(t, m.Seed(ctx, issued(4*time.Minute, "rt-1")))

		set, err := m.GetTokens(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, "rotated", set.AccessToken)
		assert.Equal(t, "rt-2", set.RefreshToken)
		assert.Equal(t, baseTime, set.IssuedAt)
		assert.Equal(t, int32(1), r.calls.Load())
		require.Len(t, refreshed, 1)

		cached, err := cache.Get(ctx, "sub-123")
		require.NoError(t, err)
		assert.Equal(t, "rotated", cached.AccessToken)

		// cache TTL is capped at one hour even though the token lives for two
		cache.now = func() time.Time { return baseTime.Add(time.Hour) }
		_, err = cache.Get(ctx, "sub-123")
		require.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("force refreshes fresh tokens", func(t *testing.T) {
		r := rotating()
		m, _ := newTestManager(t, r, nil)
		require.NoError(t, m.Seed(ctx, issued(time.Hour, "rt-1")))

		set, err := m.GetTokens(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, "rotated", set.AccessToken)
		assert.Equal(t, int32(1), r.calls.Load())
	})

	t.Run("refresh token is kept when not rotated", func(t *testing.T) {
		r := &countingRefresher{fn: func(ctx context.Context, rt string) (*Set, error) {
			assert.Equal(t, "rt-1", rt)
			return &Set{AccessToken: "new", Expiry: baseTime.Add(time.Hour)}, nil
		}}
		m, _ := newTestManager(t, r, nil)
		require.NoError(t, m.Seed(ctx, issued(time.Minute, "rt-1")))

		set, err := m.GetTokens(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, "rt-1", set.RefreshToken)
	})

	t.Run("restores from cache after restart", func(t *testing.T) {
		r := rotating()
		first, cache := newTestManager(t, r, nil)
		require.NoError(t, first.Seed(ctx, issued(time.Hour, "rt-1")))

		second, err := NewManager(ManagerConfig{
			Key:       "sub-123",
			Refresher: r,
			Cache:     cache,
			Now:       func() time.Time { return baseTime },
		})
		require.NoError(t, err)

		set, err := second.GetTokens(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, "access-1h0m0s", set.AccessToken)
		assert.Zero(t, r.calls.Load())
	})

	t.Run("returned sets are copies", func(t *testing.T) {
		m, _ := newTestManager(t, rotating(), nil)
		require.NoError(t, m.Seed(ctx, issued(time.Hour, "rt-1")))

		set, err := m.GetTokens(ctx, false)
		require.NoError(t, err)
		set.AccessToken = "mutated"

		again, err := m.GetTokens(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, "access-1h0m0s", again.AccessToken)
	})
}

func TestManager_Seed_RejectsInvalidSet(t *testing.T) {
	m, _ := newTestManager(t, rotating(), nil)

	bad := issued(time.Hour, "rt")
	bad.Expiry = bad.IssuedAt

	require.ErrorIs(t, m.Seed(context.Background(), bad), ErrInvalidSet)
}

func TestManager_ConcurrentCallersShareOneRefresh(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})

	r := &countingRefresher{fn: func(ctx context.Context, rt string) (*Set, error) {
		<-release
		return &Set{AccessToken: "shared", RefreshToken: "rt-2", Expiry: baseTime.Add(time.Hour)}, nil
	}}
	m, _ := newTestManager(t, r, nil)
	require.NoError(t, m.Seed(ctx, issued(time.Minute, "rt-1")))

	const callers = 50
	var wg sync.WaitGroup
	results := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set, err := m.GetTokens(ctx, false)
			if assert.NoError(t, err) {
				results <- set.AccessToken
			}
		}()
	}

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), r.calls.Load())
	for token := range results {
		assert.Equal(t, "shared", token)
	}
}

func TestManager_CallerCancellationDoesNotAbortSharedRefresh(t *testing.T) {
	release := make(chan struct{})
	r := &countingRefresher{fn: func(ctx context.Context, rt string) (*Set, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &Set{AccessToken: "done", RefreshToken: "rt-2", Expiry: baseTime.Add(time.Hour)}, nil
	}}
	m, _ := newTestManager(t, r, nil)
	require.NoError(t, m.Seed(context.Background(), issued(time.Minute, "rt-1")))

	cctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.GetTokens(cctx, false)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	waiter := make(chan *Set, 1)
	go func() {
		set, _ := m.GetTokens(context.Background(), false)
		waiter <- set
	}()
	close(release)

	set := <-waiter
	require.NotNil(t, set)
	assert.Equal(t, "done", set.AccessToken)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestManager_InvalidGrantTerminates(t *testing.T) {
	ctx := context.Background()
	r := &countingRefresher{fn: func(ctx context.Context, rt string) (*Set, error) {
		return nil, autherr.ErrAuthExpired
	}}

	var terminations atomic.Int32
	m, cache := newTestManager(t, r, func(c *ManagerConfig) {
		c.Policy.MaxAttempts = 5
		c.OnTerminate = func(err error) {
			terminations.Add(1)
			assert.ErrorIs(t, err, autherr.ErrAuthExpired)
		}
	})
	require.NoError(t, m.Seed(ctx, issued(time.Minute, "dead")))

	_, err := m.GetTokens(ctx, false)
	require.ErrorIs(t, err, autherr.ErrAuthExpired)
	assert.Equal(t, int32(1), r.calls.Load(), "invalid grant is never retried")
	assert.True(t, m.Terminated())

	_, err = cache.Get(ctx, "sub-123")
	require.ErrorIs(t, err, ErrCacheMiss)

	for i := 0; i < 3; i++ {
		_, err = m.GetTokens(ctx, true)
		require.ErrorIs(t, err, autherr.ErrAuthExpired)
	}
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, int32(1), terminations.Load())

	require.NoError(t, m.Seed(ctx, issued(time.Hour, "fresh")))
	assert.False(t, m.Terminated())
}

func TestManager_NoRefreshTokenAfterExpiryTerminates(t *testing.T) {
	ctx := context.Background()
	r := rotating()
	now := baseTime
	m, _ := newTestManager(t, r, func(c *ManagerConfig) {
		c.Now = func() time.Time { return now }
	})
	require.NoError(t, m.Seed(ctx, issued(10*time.Minute, "")))

	set, err := m.GetTokens(ctx, true)
	require.NoError(t, err, "a valid set without a refresh token is still usable")
	assert.Equal(t, "access-10m0s", set.AccessToken)

	now = baseTime.Add(11 * time.Minute)
	_, err = m.GetTokens(ctx, false)
	require.ErrorIs(t, err, autherr.ErrAuthExpired)
	assert.Zero(t, r.calls.Load())
}

func TestManager_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	r := &countingRefresher{fn: func(ctx context.Context, rt string) (*Set, error) {
		return nil, autherr.Transient(503, errors.New("idp unavailable"))
	}}
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "idp",
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
	})
	m, _ := newTestManager(t, r, func(c *ManagerConfig) { c.Breaker = breaker })
	require.NoError(t, m.Seed(ctx, issued(time.Minute, "rt-1")))

	for i := 0; i < 5; i++ {
		_, err := m.GetTokens(ctx, true)
		require.True(t, autherr.IsTransient(err), "attempt %d: %v", i+1, err)
	}
	require.Equal(t, resilience.StateOpen, breaker.State())

	_, err := m.GetTokens(ctx, true)
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(5), r.calls.Load(), "sixth call must not reach the identity provider")
	assert.False(t, m.Terminated())
}

func TestManager_Invalidate(t *testing.T) {
	ctx := context.Background()
	m, cache := newTestManager(t, rotating(), nil)
	require.NoError(t, m.Seed(ctx, issued(time.Hour, "rt-1")))

	require.NoError(t, m.Invalidate(ctx))

	_, err := m.GetTokens(ctx, false)
	require.ErrorIs(t, err, autherr.ErrUnauthenticated)
	assert.Zero(t, cache.Len())
}
