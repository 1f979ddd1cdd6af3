// Package autherr declares the error taxonomy shared by the session, token and
// tenant packages.
//
// Resilience-layer errors (transient network failures, open circuits) are
// recovered locally by retrying. Identity and tenant-integrity errors are
// always surfaced to the caller.
package autherr

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors
var (
	// ErrTransient marks a failure that is safe to retry with backoff.
	ErrTransient = errors.New("transient network error")

	// ErrAuthExpired is terminal: the refresh grant is invalid or expired and
	// the user must authenticate again. Never retried.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrUnauthenticated is returned when the backend does not recognise the
	// current session.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNotFound is returned when a user-of-record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTenantConflict is returned when creation of a user-of-record raced
	// with another request for the same identity.
	ErrTenantConflict = errors.New("tenant conflict")

	// ErrTenantVerificationFailed matches every TenantVerificationFailedError.
	ErrTenantVerificationFailed = errors.New("TENANT_VERIFICATION_FAILED")

	// ErrCircuitOpen is returned without attempting the call while a circuit
	// breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// TenantVerificationCode is the wire code used by the backend for failed
// tenant ownership checks.
const TenantVerificationCode = "TENANT_VERIFICATION_FAILED"

// TransientError wraps a retryable failure with the HTTP status that caused it
// (zero for transport errors).
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Is makes every TransientError match ErrTransient.
func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err as a TransientError.
func Transient(statusCode int, err error) error {
	return &TransientError{StatusCode: statusCode, Err: err}
}

// TenantVerificationFailedError is returned when an existing tenant binding
// could not be verified. It is never resolved automatically; the support code
// is shown to the user so a human can remediate.
type TenantVerificationFailedError struct {
	SupportCode string
	Reason      string
}

func (e *TenantVerificationFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (support code %s)", TenantVerificationCode, e.Reason, e.SupportCode)
	}
	return fmt.Sprintf("%s (support code %s)", TenantVerificationCode, e.SupportCode)
}

// Is makes every TenantVerificationFailedError match ErrTenantVerificationFailed.
func (e *TenantVerificationFailedError) Is(target error) bool {
	return target == ErrTenantVerificationFailed
}

// IsTransient is the default retry predicate.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient)
}

// IsTerminal reports whether err requires full re-authentication.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrUnauthenticated)
}

// IsCanceled reports whether err comes from context cancellation or deadline.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// SupportCode extracts the support code from a verification failure.
func SupportCode(err error) (string, bool) {
	var vErr *TenantVerificationFailedError
	if errors.As(err, &vErr) {
		return vErr.SupportCode, true
	}
	return "", false
}
