package server

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/tenantgate/internal/api"
	"github.com/wolfeidau/tenantgate/internal/autherr"
)

// refresh proxies a refresh-token grant to the upstream identity provider.
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Refresher == nil {
		writeError(w, r, http.StatusNotFound, api.CodeNotFound, "token refresh is not configured")
		return
	}

	var req api.RefreshRequest
	if err := decodeJSON(w, r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, api.CodeInvalidRequest, "refresh_token is required")
		return
	}

	ctx := r.Context()
	set, err := s.cfg.Refresher.Refresh(ctx, req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, autherr.ErrAuthExpired):
			zerolog.Ctx(ctx).Info().Err(err).Msg("Refresh grant rejected")
			writeError(w, r, http.StatusBadRequest, api.CodeInvalidGrant, "refresh token is invalid or expired")
		case errors.Is(err, autherr.ErrUnauthenticated):
			writeError(w, r, http.StatusUnauthorized, api.CodeUnauthenticated, "client authentication failed")
		case autherr.IsTransient(err):
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Identity provider unavailable")
			writeError(w, r, http.StatusServiceUnavailable, api.CodeUnavailable, "identity provider unavailable")
		default:
			zerolog.Ctx(ctx).Error().Err(err).Msg("Token refresh failed")
			writeError(w, r, http.StatusBadGateway, api.CodeInternal, "token refresh failed")
		}
		return
	}

	writeJSON(w, r, http.StatusOK, api.TokenFromSet(set, s.now()))
}
