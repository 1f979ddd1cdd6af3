package models

import (
	"time"

	"github.com/google/uuid"
)

// Session represents a user's authenticated session as stored by the backend-of-record.
// The session ID is stored in an opaque cookie, while all session data lives server-side.
type Session struct {
	SessionID uuid.UUID // UUIDv7 - this is the only value stored in the cookie
	Subject   string    // Who is logged in
	Email     string
	Name      string
	TenantID  *uuid.UUID

	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastUsedAt time.Time

	// Optional audit metadata
	UserAgent string
	IPAddress string
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return !time.Now().Before(s.ExpiresAt)
}

// SessionStatus is what the backend reports for the current session.
type SessionStatus struct {
	Identity           Identity
	CreatedAt          time.Time
	LastActivityAt     time.Time // zero when the backend does not track activity
	TenantID           *uuid.UUID
	ConcurrentSessions int
}
