package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantgate/internal/autherr"
	"github.com/wolfeidau/tenantgate/internal/telemetry"
)

// jitterFraction caps the random jitter added to each delay.
const jitterFraction = 0.1

// Policy configures Retry.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first one.
	// Default: 3
	MaxAttempts int

	// InitialDelay is the delay before the second attempt.
	// Default: 500ms
	InitialDelay time.Duration

	// MaxDelay caps the exponential delay (before jitter).
	// Default: 10s
	MaxDelay time.Duration

	// Multiplier controls backoff growth (e.g., 2.0 for exponential).
	// Default: 2.0
	Multiplier float64

	// Retryable decides whether an error is worth another attempt.
	// Default: autherr.IsTransient
	Retryable func(error) bool

	// OnRetry is called before sleeping, with the 1-based attempt that failed.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	p := Policy{}
	p.ApplyDefaults()
	return p
}

// ApplyDefaults applies default values to unset fields.
func (p *Policy) ApplyDefaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	if p.Retryable == nil {
		p.Retryable = autherr.IsTransient
	}
}

// Delay returns the un-jittered delay after the given 1-based failed attempt:
// min(MaxDelay, InitialDelay * Multiplier^(attempt-1)).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// policyBackOff adapts Policy to backoff.BackOff.
type policyBackOff struct {
	policy  Policy
	attempt int
	jitter  func() float64
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := b.policy.Delay(b.attempt)
	return d + time.Duration(float64(d)*jitterFraction*b.jitter())
}

func (b *policyBackOff) Reset() { b.attempt = 0 }

// Retry runs op until it succeeds, returns a non-retryable error or the policy
// runs out of attempts. The last error is returned on exhaustion.
func Retry(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	_, err := RetryValue(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// RetryValue is Retry for operations that return a value.
func RetryValue[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	policy.ApplyDefaults()

	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !policy.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, delay time.Duration) {
		telemetry.GetMetrics().RetryAttemptsTotal.Add(ctx, 1)
		log.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Retrying operation")
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt, delay)
		}
	}

	// #nosec G115 - MaxAttempts is a small positive config value
	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&policyBackOff{policy: policy, jitter: rand.Float64}),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}

	return v, err
}
