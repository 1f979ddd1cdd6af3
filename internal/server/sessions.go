package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/tenantgate/internal/api"
	"github.com/wolfeidau/tenantgate/internal/autherr"
	apphttp "github.com/wolfeidau/tenantgate/internal/http"
	"github.com/wolfeidau/tenantgate/internal/models"
	"github.com/wolfeidau/tenantgate/internal/store"
	"github.com/wolfeidau/tenantgate/internal/telemetry"
)

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *models.Session)

// withSession resolves the session cookie, responding 401 when it is missing,
// unknown or expired.
func (s *Server) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.sessionFromRequest(r)
		if err != nil {
			zerolog.Ctx(r.Context()).Debug().Err(err).Msg("Session auth failed")
			writeError(w, r, http.StatusUnauthorized, api.CodeUnauthenticated, "not signed in")
			return
		}

		ctx := zerolog.Ctx(r.Context()).With().Str("subject", sess.Subject).Logger().WithContext(r.Context())
		next(w, r.WithContext(ctx), sess)
	}
}

// withSubject additionally requires the {subject} path segment to be the
// session's own subject.
func (s *Server) withSubject(next sessionHandler) http.HandlerFunc {
	return s.withSession(func(w http.ResponseWriter, r *http.Request, sess *models.Session) {
		if r.PathValue("subject") != sess.Subject {
			zerolog.Ctx(r.Context()).Warn().Str("requested_subject", r.PathValue("subject")).Msg("Cross-subject request refused")
			writeError(w, r, http.StatusForbidden, api.CodeForbidden, "forbidden")
			return
		}
		next(w, r, sess)
	})
}

func (s *Server) sessionFromRequest(r *http.Request) (*models.Session, error) {
	cookie, err := r.Cookie(api.SessionCookieName)
	if err != nil {
		return nil, store.ErrSessionNotFound
	}

	sessionID, err := uuid.Parse(cookie.Value)
	if err != nil {
		return nil, store.ErrSessionNotFound
	}

	return s.cfg.Sessions.Get(r.Context(), sessionID)
}

func (s *Server) signIn(w http.ResponseWriter, r *http.Request) {
	var req api.SignInRequest
	if err := decodeJSON(w, r, &req); err != nil || req.IDToken == "" {
		writeError(w, r, http.StatusBadRequest, api.CodeInvalidRequest, "id_token is required")
		return
	}

	ctx := r.Context()
	identity, err := s.cfg.Verifier.Verify(ctx, req.IDToken)
	if err != nil {
		if autherr.IsTransient(err) {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Identity provider unavailable")
			writeError(w, r, http.StatusServiceUnavailable, api.CodeUnavailable, "identity provider unavailable")
			return
		}
		zerolog.Ctx(ctx).Info().Err(err).Msg("Sign in rejected")
		writeError(w, r, http.StatusUnauthorized, api.CodeUnauthenticated, "invalid id token")
		return
	}

	var tenantID *uuid.UUID
	user, err := s.cfg.Users.GetBySubject(ctx, identity.Subject)
	switch {
	case err == nil:
		tenantID = user.TenantID
	case !errors.Is(err, store.ErrUserNotFound):
		writeStoreError(w, r, err)
		return
	}

	md := apphttp.RequestMetadataFromContext(ctx)
	now := s.now()
	sess := &models.Session{
		SessionID:  uuid.Must(uuid.NewV7()),
		Subject:    identity.Subject,
		Email:      identity.Email,
		Name:       identity.Name,
		TenantID:   tenantID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.SessionTTL),
		LastUsedAt: now,
		UserAgent:  md.UserAgent,
		IPAddress:  md.ClientIP,
	}
	if err := s.cfg.Sessions.Create(ctx, sess); err != nil {
		writeStoreError(w, r, err)
		return
	}
	telemetry.GetMetrics().SessionsCreatedTotal.Add(ctx, 1)

	http.SetCookie(w, &http.Cookie{
		Name:     api.SessionCookieName,
		Value:    sess.SessionID.String(),
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.cfg.SessionTTL.Seconds()),
	})

	zerolog.Ctx(ctx).Info().
		Str("subject", sess.Subject).
		Str("session_id", sess.SessionID.String()).
		Msg("Session created")

	s.writeSession(w, r, sess)
}

func (s *Server) currentSession(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	s.writeSession(w, r, sess)
}

func (s *Server) touchSession(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	if err := s.cfg.Sessions.UpdateLastUsed(r.Context(), sess.SessionID); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	if err := s.cfg.Sessions.Delete(r.Context(), sess.SessionID); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		writeStoreError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     api.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	zerolog.Ctx(r.Context()).Info().Str("session_id", sess.SessionID.String()).Msg("Session ended")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	resp, err := s.sessionResponse(r.Context(), sess)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// sessionResponse reads the tenant from the user record so a tenant bound
// after sign in is reported.
func (s *Server) sessionResponse(ctx context.Context, sess *models.Session) (*api.SessionResponse, error) {
	count, err := s.cfg.Sessions.CountActiveBySubject(ctx, sess.Subject)
	if err != nil {
		return nil, err
	}

	tenantID := sess.TenantID
	user, err := s.cfg.Users.GetBySubject(ctx, sess.Subject)
	switch {
	case err == nil:
		tenantID = user.TenantID
	case !errors.Is(err, store.ErrUserNotFound):
		return nil, err
	}

	return &api.SessionResponse{
		Subject:            sess.Subject,
		Email:              sess.Email,
		Name:               sess.Name,
		TenantID:           tenantID,
		CreatedAt:          sess.CreatedAt,
		LastActivityAt:     sess.LastUsedAt,
		ExpiresAt:          sess.ExpiresAt,
		ConcurrentSessions: count,
	}, nil
}
