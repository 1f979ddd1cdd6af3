package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/tenantgate/internal/models"
	"github.com/wolfeidau/tenantgate/internal/store"
)

// SessionStore implements store.SessionStore using in-memory storage.
// This implementation is for testing only - data is lost on restart.
type SessionStore struct {
	mu sync.RWMutex

	sessions          map[uuid.UUID]*models.Session // session_id -> Session
	sessionsBySubject map[string][]uuid.UUID        // subject -> []session_id
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:          make(map[uuid.UUID]*models.Session),
		sessionsBySubject: make(map[string][]uuid.UUID),
	}
}

// Create creates a new session in memory.
func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Clone to avoid external modifications
	clone := cloneSession(session)
	s.sessions[session.SessionID] = clone

	s.sessionsBySubject[session.Subject] = append(
		s.sessionsBySubject[session.Subject],
		session.SessionID,
	)

	return nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(ctx context.Context, sessionID uuid.UUID) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, store.ErrSessionNotFound
	}

	if session.IsExpired() {
		return nil, store.ErrSessionExpired
	}

	return cloneSession(session), nil
}

// UpdateLastUsed updates the last_used_at timestamp for a session.
func (s *SessionStore) UpdateLastUsed(ctx context.Context, sessionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return store.ErrSessionNotFound
	}

	session.LastUsedAt = time.Now()
	return nil
}

// Delete deletes a session by ID (logout).
func (s *SessionStore) Delete(ctx context.Context, sessionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return store.ErrSessionNotFound
	}

	delete(s.sessions, sessionID)
	s.removeFromIndex(session.Subject, sessionID)

	return nil
}

// CountActiveBySubject returns the number of unexpired sessions for a subject.
func (s *SessionStore) CountActiveBySubject(ctx context.Context, subject string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, id := range s.sessionsBySubject[subject] {
		if session, ok := s.sessions[id]; ok && !session.IsExpired() {
			count++
		}
	}

	return count, nil
}

// DeleteExpired deletes all expired sessions (cleanup job).
func (s *SessionStore) DeleteExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, session := range s.sessions {
		if session.IsExpired() {
			delete(s.sessions, id)
			s.removeFromIndex(session.Subject, id)
			count++
		}
	}

	return count, nil
}

// removeFromIndex must be called with the lock held.
func (s *SessionStore) removeFromIndex(subject string, sessionID uuid.UUID) {
	ids := s.sessionsBySubject[subject]
	for i, id := range ids {
		if id == sessionID {
			s.sessionsBySubject[subject] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.sessionsBySubject[subject]) == 0 {
		delete(s.sessionsBySubject, subject)
	}
}

func cloneSession(session *models.Session) *models.Session {
	clone := *session
	if session.TenantID != nil {
		id := *session.TenantID
		clone.TenantID = &id
	}
	return &clone
}
