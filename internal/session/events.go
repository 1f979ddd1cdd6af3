package session

import (
	"fmt"
	"net/url"
	"time"
)

// EventType names a lifecycle event emitted by the Monitor.
type EventType string

const (
	EventSessionExpired     EventType = "sessionExpired"
	EventConcurrentSession  EventType = "concurrentSession"
	EventConnectionLost     EventType = "connectionLost"
	EventConnectionRestored EventType = "connectionRestored"
	EventTokensRefreshed    EventType = "tokensRefreshed"
)

// Reason explains a sessionExpired event.
type Reason string

const (
	ReasonUnauthenticated   Reason = "unauthenticated"
	ReasonInactivity        Reason = "inactivity"
	ReasonExpired           Reason = "expired"
	ReasonRefreshFailed     Reason = "refresh_failed"
	ReasonConcurrentSession Reason = "concurrent_session"
)

// Event is emitted on the Monitor's event channel.
type Event struct {
	Type   EventType
	Reason Reason
	At     time.Time

	// ReturnURL is the location recorded before expiry, so the caller can
	// resume after re-authentication.
	ReturnURL string

	// ConcurrentSessions is set on concurrentSession events.
	ConcurrentSessions int

	// Err is the failure behind connectionLost and refresh_failed events.
	Err error
}

// Terminal returns true if the event ends the session.
func (e Event) Terminal() bool {
	return e.Type == EventSessionExpired
}

func (e Event) String() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s{reason=%s}", e.Type, e.Reason)
	}
	return string(e.Type)
}

// SignInRedirect builds the sign-in URL for a terminal event, carrying the
// reason and the resumable target.
func SignInRedirect(signInURL string, ev Event) (string, error) {
	u, err := url.Parse(signInURL)
	if err != nil {
		return "", fmt.Errorf("invalid sign-in url: %w", err)
	}

	q := u.Query()
	if ev.Reason != "" {
		q.Set("reason", string(ev.Reason))
	}
	if ev.ReturnURL != "" {
		q.Set("return_to", ev.ReturnURL)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
