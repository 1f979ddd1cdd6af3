package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/tenantgate/internal/api"
	"github.com/wolfeidau/tenantgate/internal/models"
	"github.com/wolfeidau/tenantgate/internal/store"
	"github.com/wolfeidau/tenantgate/internal/telemetry"
	"github.com/wolfeidau/tenantgate/internal/tenant"
)

func (s *Server) getUser(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	user, err := s.cfg.Users.GetBySubject(r.Context(), sess.Subject)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, api.UserFromModel(user))
}

func (s *Server) syncUser(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	var req api.SyncUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, api.CodeInvalidRequest, err.Error())
		return
	}
	if req.Subject != sess.Subject {
		writeError(w, r, http.StatusForbidden, api.CodeForbidden, "forbidden")
		return
	}

	user, err := s.cfg.Users.Create(r.Context(), &models.UserRecord{
		Subject:         req.Subject,
		Email:           req.Email,
		Name:            req.Name,
		NeedsOnboarding: req.NeedsOnboarding,
	}, r.Header.Get(api.HeaderIdempotency))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, api.UserFromModel(user))
}

// verifyTenant confirms the caller owns the tenant. Failures carry a support
// code which is logged with the reason; the reason is not returned.
func (s *Server) verifyTenant(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	var req api.VerifyTenantRequest
	if err := decodeJSON(w, r, &req); err != nil || req.TenantID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, api.CodeInvalidRequest, "tenant_id is required")
		return
	}

	ctx := r.Context()
	user, err := s.cfg.Users.GetBySubject(ctx, sess.Subject)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	reason := ""
	switch {
	case !user.HasTenant():
		reason = "no tenant bound"
	case *user.TenantID != req.TenantID:
		reason = "tenant does not match binding"
	default:
		t, err := s.cfg.Tenants.Get(ctx, req.TenantID)
		switch {
		case errors.Is(err, store.ErrTenantNotFound):
			reason = "tenant not found"
		case err != nil:
			writeStoreError(w, r, err)
			return
		case t.OwnerSubject != sess.Subject:
			reason = "tenant owned by another identity"
		}
	}

	if reason != "" {
		code := tenant.NewSupportCode()
		zerolog.Ctx(ctx).Error().
			Str("tenant_id", req.TenantID.String()).
			Str("support_code", code).
			Str("reason", reason).
			Msg("Tenant verification failed")
		telemetry.GetMetrics().TenantVerificationFailuresTotal.Add(ctx, 1)

		writeJSON(w, r, http.StatusForbidden, &api.ErrorResponse{
			Error:       "tenant verification failed",
			Code:        api.CodeTenantVerificationFailed,
			SupportCode: code,
			Message:     "tenant ownership could not be verified",
		})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) bindTenant(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	var req api.BindTenantRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, api.CodeInvalidRequest, "name is required")
		return
	}

	ctx := r.Context()
	now := s.now()
	t := &models.Tenant{
		TenantID:     uuid.Must(uuid.NewV7()),
		Name:         strings.TrimSpace(req.Name),
		OwnerSubject: sess.Subject,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.cfg.Tenants.CreateAndBind(ctx, t); err != nil {
		writeStoreError(w, r, err)
		return
	}
	telemetry.GetMetrics().TenantsBoundTotal.Add(ctx, 1)

	zerolog.Ctx(ctx).Info().Str("tenant_id", t.TenantID.String()).Msg("Tenant bound")

	writeJSON(w, r, http.StatusCreated, api.TenantFromModel(t))
}

func (s *Server) updateOnboarding(w http.ResponseWriter, r *http.Request, sess *models.Session) {
	var req api.OnboardingUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, api.CodeInvalidRequest, err.Error())
		return
	}
	if req.Plan != nil && *req.Plan != models.PlanFree && *req.Plan != models.PlanPaid {
		writeError(w, r, http.StatusBadRequest, api.CodeInvalidRequest, "plan must be free or paid")
		return
	}

	user, err := s.cfg.Users.UpdateOnboarding(r.Context(), sess.Subject, store.OnboardingUpdate{
		BusinessInfoCompleted: req.BusinessInfoCompleted,
		SubscriptionCompleted: req.SubscriptionCompleted,
		PaymentCompleted:      req.PaymentCompleted,
		SetupCompleted:        req.SetupCompleted,
		Plan:                  req.Plan,
	})
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, api.UserFromModel(user))
}
