package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignInRedirect(t *testing.T) {
	tests := []struct {
		name     string
		signIn   string
		event    Event
		expected string
	}{
		{
			name:     "reason and return path",
			signIn:   "https://app.example.com/sign-in",
			event:    Event{Type: EventSessionExpired, Reason: ReasonInactivity, ReturnURL: "/invoices?page=2"},
			expected: "https://app.example.com/sign-in?reason=inactivity&return_to=%2Finvoices%3Fpage%3D2",
		},
		{
			name:     "keeps existing query",
			signIn:   "/sign-in?lang=en",
			event:    Event{Type: EventSessionExpired, Reason: ReasonExpired},
			expected: "/sign-in?lang=en&reason=expired",
		},
		{
			name:     "no reason",
			signIn:   "/sign-in",
			event:    Event{Type: EventConnectionLost},
			expected: "/sign-in",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SignInRedirect(tt.signIn, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	_, err := SignInRedirect("://bad", Event{})
	require.Error(t, err)
}

func TestEvent_String(t *testing.T) {
	assert.Equal(t, "sessionExpired{reason=inactivity}", Event{Type: EventSessionExpired, Reason: ReasonInactivity}.String())
	assert.Equal(t, "connectionLost", Event{Type: EventConnectionLost}.String())
	assert.False(t, Event{Type: EventTokensRefreshed}.Terminal())
}
