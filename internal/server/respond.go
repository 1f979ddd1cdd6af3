package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/tenantgate/internal/api"
	"github.com/wolfeidau/tenantgate/internal/autherr"
	"github.com/wolfeidau/tenantgate/internal/store"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", api.ContentTypeJSON)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, r, status, &api.ErrorResponse{Error: msg, Code: code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeStoreError maps store and taxonomy errors to responses.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrUserNotFound):
		writeError(w, r, http.StatusNotFound, api.CodeNotFound, "user not found")
	case errors.Is(err, store.ErrTenantNotFound):
		writeError(w, r, http.StatusNotFound, api.CodeNotFound, "tenant not found")
	case errors.Is(err, store.ErrIdempotencyKeyUsed):
		writeError(w, r, http.StatusConflict, api.CodeTenantConflict, "idempotency key already used")
	case errors.Is(err, store.ErrUserAlreadyExists), errors.Is(err, store.ErrTenantAlreadyBound):
		writeError(w, r, http.StatusConflict, api.CodeTenantConflict, err.Error())
	case errors.Is(err, store.ErrSessionNotFound), errors.Is(err, store.ErrSessionExpired):
		writeError(w, r, http.StatusUnauthorized, api.CodeUnauthenticated, "session not found")
	case autherr.IsTransient(err):
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Store temporarily unavailable")
		writeError(w, r, http.StatusServiceUnavailable, api.CodeUnavailable, "temporarily unavailable")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Request failed")
		writeError(w, r, http.StatusInternalServerError, api.CodeInternal, "internal server error")
	}
}
