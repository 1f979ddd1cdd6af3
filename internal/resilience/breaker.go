package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantgate/internal/autherr"
	"github.com/wolfeidau/tenantgate/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrCircuitOpen is returned without invoking the operation while the breaker
// is open or a half-open trial is already in flight.
var ErrCircuitOpen = autherr.ErrCircuitOpen

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitState is a point-in-time view of the breaker.
type CircuitState struct {
	State         State
	FailureCount  int
	LastFailureAt time.Time
	NextAttemptAt time.Time
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// Name identifies the breaker in logs and metrics.
	Name string

	// FailureThreshold is the number of consecutive failures that opens the circuit.
	// Default: 5
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a trial call.
	// Default: 30s
	ResetTimeout time.Duration

	// IsFailure decides whether an error counts against the breaker.
	// Default: every error except context cancellation, terminal auth errors
	// and tenant-integrity errors, which say nothing about dependency health.
	IsFailure func(error) bool

	// OnStateChange is called (outside the lock) after every transition.
	OnStateChange func(name string, from, to State)
}

// ApplyDefaults applies default values to unset fields.
func (c *BreakerConfig) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.IsFailure == nil {
		c.IsFailure = countsAsFailure
	}
}

func countsAsFailure(err error) bool {
	switch {
	case autherr.IsCanceled(err),
		autherr.IsTerminal(err),
		errors.Is(err, autherr.ErrNotFound),
		errors.Is(err, autherr.ErrTenantConflict),
		errors.Is(err, autherr.ErrTenantVerificationFailed):
		return false
	default:
		return true
	}
}

// CircuitBreaker stops calling a failing dependency for a cooldown period.
// It is safe for concurrent use.
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailureAt time.Time
	nextAttemptAt time.Time
	trialInFlight bool
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	cfg.ApplyDefaults()
	return &CircuitBreaker{
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
}

// Execute runs op if the breaker allows it.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	trial, err := cb.allow()
	if err != nil {
		telemetry.GetMetrics().BreakerRejectionsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("breaker", cb.cfg.Name)))
		return err
	}

	return cb.run(ctx, op, trial)
}

// run invokes op and records the outcome. A panic in op counts as a failure
// and is re-raised once recorded.
func (cb *CircuitBreaker) run(ctx context.Context, op func(ctx context.Context) error, trial bool) (opErr error) {
	recorded := false
	defer func() {
		if recorded {
			return
		}
		p := recover()
		cb.record(fmt.Errorf("%s: operation did not return: %v", cb.cfg.Name, p), trial)
		if p != nil {
			panic(p)
		}
	}()

	opErr = op(ctx)
	recorded = true
	cb.record(opErr, trial)

	return opErr
}

// allow reports whether a call may proceed and whether it is the half-open trial.
func (cb *CircuitBreaker) allow() (bool, error) {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return false, nil

	case StateOpen:
		if cb.now().Before(cb.nextAttemptAt) {
			next := cb.nextAttemptAt
			cb.mu.Unlock()
			log.Debug().Str("breaker", cb.cfg.Name).Time("next_attempt_at", next).Msg("Circuit breaker rejected call")
			return false, fmt.Errorf("%s: %w", cb.cfg.Name, ErrCircuitOpen)
		}
		cb.trialInFlight = true
		change := cb.setState(StateHalfOpen)
		cb.mu.Unlock()
		change()
		return true, nil

	default: // StateHalfOpen
		if cb.trialInFlight {
			cb.mu.Unlock()
			return false, fmt.Errorf("%s: trial call in flight: %w", cb.cfg.Name, ErrCircuitOpen)
		}
		cb.trialInFlight = true
		cb.mu.Unlock()
		return true, nil
	}
}

func (cb *CircuitBreaker) record(err error, trial bool) {
	cb.mu.Lock()

	if trial {
		cb.trialInFlight = false
	}

	failed := err != nil && cb.cfg.IsFailure(err)
	change := func() {}

	switch {
	case !failed && trial:
		change = cb.setState(StateClosed)

	case !failed:
		if cb.state == StateClosed {
			cb.failureCount = 0
		}

	case trial:
		cb.lastFailureAt = cb.now()
		change = cb.setState(StateOpen)

	default:
		cb.lastFailureAt = cb.now()
		if cb.state == StateClosed {
			cb.failureCount++
			if cb.failureCount >= cb.cfg.FailureThreshold {
				change = cb.setState(StateOpen)
			}
		}
	}

	cb.mu.Unlock()
	change()
}

// setState must be called with mu held; the returned func runs the callback
// after the lock is released.
func (cb *CircuitBreaker) setState(to State) func() {
	from := cb.state
	cb.state = to

	switch to {
	case StateClosed:
		cb.failureCount = 0
		cb.nextAttemptAt = time.Time{}
	case StateOpen:
		cb.nextAttemptAt = cb.now().Add(cb.cfg.ResetTimeout)
	}

	log.Info().
		Str("breaker", cb.cfg.Name).
		Stringer("from", from).
		Stringer("to", to).
		Int("failure_count", cb.failureCount).
		Msg("Circuit breaker state transition")

	telemetry.GetMetrics().BreakerTransitionsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("breaker", cb.cfg.Name),
			attribute.String("to", to.String()),
		))

	if cb.cfg.OnStateChange == nil {
		return func() {}
	}
	name, cbFn := cb.cfg.Name, cb.cfg.OnStateChange
	return func() { cbFn(name, from, to) }
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the current CircuitState.
func (cb *CircuitBreaker) Snapshot() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitState{
		State:         cb.state,
		FailureCount:  cb.failureCount,
		LastFailureAt: cb.lastFailureAt,
		NextAttemptAt: cb.nextAttemptAt,
	}
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.trialInFlight = false
	change := cb.setState(StateClosed)
	cb.mu.Unlock()
	change()
}

// Guard runs op through the breaker inside a retry loop. Open-circuit
// rejections are never retried.
func Guard(ctx context.Context, policy Policy, cb *CircuitBreaker, op func(ctx context.Context) error) error {
	_, err := GuardValue(ctx, policy, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// GuardValue is Guard for operations that return a value.
func GuardValue[T any](ctx context.Context, policy Policy, cb *CircuitBreaker, op func(ctx context.Context) (T, error)) (T, error) {
	policy.ApplyDefaults()
	retryable := policy.Retryable
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, ErrCircuitOpen) && retryable(err)
	}

	return RetryValue(ctx, policy, func(ctx context.Context) (T, error) {
		var v T
		err := cb.Execute(ctx, func(ctx context.Context) error {
			var opErr error
			v, opErr = op(ctx)
			return opErr
		})
		return v, err
	})
}
