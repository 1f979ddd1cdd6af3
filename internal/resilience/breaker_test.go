package resilience

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
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(BreakerConfig{Name: "test", FailureThreshold: threshold, ResetTimeout: reset})
	cb.now = clock.Now
	return cb, clock
}

var errUpstream = errors.New("upstream failure")

func failing(calls *atomic.Int32) func(context.Context) error {
	return func(context.Context) error {
		calls.Add(1)
		return errUpstream
	}
}

func succeeding(calls *atomic.Int32) func(context.Context) error {
	return func(context.Context) error {
		calls.Add(1)
		return nil
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	cb, clock := newTestBreaker(5, 30*time.Second)
	var calls atomic.Int32

	for i := 0; i < 5; i++ {
		err := cb.Execute(ctx, failing(&calls))
		require.ErrorIs(t, err, errUpstream)
	}

	snap := cb.Snapshot()
	require.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 5, snap.FailureCount)
	assert.Equal(t, clock.Now().Add(30*time.Second), snap.NextAttemptAt)

	err := cb.Execute(ctx, failing(&calls))
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.ErrorIs(t, err, autherr.ErrCircuitOpen)
	assert.Equal(t, int32(5), calls.Load(), "open breaker must not invoke the operation")

	clock.Advance(29 * time.Second)
	require.ErrorIs(t, cb.Execute(ctx, failing(&calls)), ErrCircuitOpen)
	assert.Equal(t, int32(5), calls.Load())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	cb, _ := newTestBreaker(3, time.Second)
	var calls atomic.Int32

	_ = cb.Execute(ctx, failing(&calls))
	_ = cb.Execute(ctx, failing(&calls))
	require.NoError(t, cb.Execute(ctx, succeeding(&calls)))
	_ = cb.Execute(ctx, failing(&calls))
	_ = cb.Execute(ctx, failing(&calls))

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 2, cb.Snapshot().FailureCount)
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	ctx := context.Background()

	open := func(t *testing.T) (*CircuitBreaker, *fakeClock) {
		cb, clock := newTestBreaker(2, 10*time.Second)
		var calls atomic.Int32
		_ = cb.Execute(ctx, failing(&calls))
		_ = cb.Execute(ctx, failing(&calls))
		require.Equal(t, StateOpen, cb.State())
		return cb, clock
	}

	t.Run("successful trial closes", func(t *testing.T) {
		cb, clock := open(t)
		clock.Advance(10 * time.Second)

		var calls atomic.Int32
		require.NoError(t, cb.Execute(ctx, succeeding(&calls)))
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, 0, cb.Snapshot().FailureCount)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("failed trial reopens and restarts the timeout", func(t *testing.T) {
		cb, clock := open(t)
		clock.Advance(10 * time.Second)

		var calls atomic.Int32
		require.ErrorIs(t, cb.Execute(ctx, failing(&calls)), errUpstream)
		snap := cb.Snapshot()
		assert.Equal(t, StateOpen, snap.State)
		assert.Equal(t, clock.Now().Add(10*time.Second), snap.NextAttemptAt)

		require.ErrorIs(t, cb.Execute(ctx, failing(&calls)), ErrCircuitOpen)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("exactly one trial call", func(t *testing.T) {
		cb, clock := open(t)
		clock.Advance(10 * time.Second)

		release := make(chan struct{})
		started := make(chan struct{})
		var trialCalls atomic.Int32

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(ctx, func(context.Context) error {
				trialCalls.Add(1)
				close(started)
				<-release
				return nil
			})
		}()

		<-started
		assert.Equal(t, StateHalfOpen, cb.State())

		var others atomic.Int32
		for i := 0; i < 3; i++ {
			require.ErrorIs(t, cb.Execute(ctx, succeeding(&others)), ErrCircuitOpen)
		}
		assert.Zero(t, others.Load())

		close(release)
		wg.Wait()
		assert.Equal(t, int32(1), trialCalls.Load())
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("panicking trial reopens", func(t *testing.T) {
		cb, clock := open(t)
		clock.Advance(10 * time.Second)

		assert.PanicsWithValue(t, "boom", func() {
			_ = cb.Execute(ctx, func(context.Context) error { panic("boom") })
		})
		snap := cb.Snapshot()
		assert.Equal(t, StateOpen, snap.State)
		assert.Equal(t, clock.Now().Add(10*time.Second), snap.NextAttemptAt)

		clock.Advance(10 * time.Second)
		var calls atomic.Int32
		require.NoError(t, cb.Execute(ctx, succeeding(&calls)))
		assert.Equal(t, StateClosed, cb.State())
	})
}

func TestCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	ctx := context.Background()
	cb, _ := newTestBreaker(1, time.Second)

	for _, err := range []error{context.Canceled, autherr.ErrAuthExpired, autherr.ErrTenantConflict, autherr.ErrNotFound} {
		require.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return err }), err)
	}

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	ctx := context.Background()
	var transitions []string
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "idp",
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	var calls atomic.Int32
	_ = cb.Execute(ctx, failing(&calls))
	cb.Reset()

	assert.Equal(t, []string{"idp:CLOSED->OPEN", "idp:OPEN->CLOSED"}, transitions)
}

func TestGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("retries transient failures through the breaker", func(t *testing.T) {
		cb, _ := newTestBreaker(10, time.Minute)
		var calls atomic.Int32

		err := Guard(ctx, fastPolicy(3), cb, func(context.Context) error {
			if calls.Add(1) < 3 {
				return autherr.Transient(503, errUpstream)
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("open circuit fails fast without retries", func(t *testing.T) {
		cb, _ := newTestBreaker(2, time.Minute)
		var calls atomic.Int32
		op := func(context.Context) error {
			calls.Add(1)
			return autherr.Transient(503, errUpstream)
		}

		err := Guard(ctx, fastPolicy(5), cb, op)
		require.ErrorIs(t, err, ErrCircuitOpen)
		assert.Equal(t, int32(2), calls.Load())

		err = Guard(ctx, fastPolicy(5), cb, op)
		require.ErrorIs(t, err, ErrCircuitOpen)
		assert.Equal(t, int32(2), calls.Load())
	})
}
