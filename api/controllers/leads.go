package controllers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/leadflow-backend/api/middleware"
	"github.com/angelmondragon/leadflow-backend/api/responses"
	"github.com/angelmondragon/leadflow-backend/api/validators"
	"github.com/angelmondragon/leadflow-backend/internal/leads"
	"github.com/angelmondragon/leadflow-backend/internal/ratelimit"
	pkgerrors "github.com/angelmondragon/leadflow-backend/pkg/errors"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
	"github.com/angelmondragon/leadflow-backend/pkg/types"
)

// LeadService is the intake surface the lead endpoints depend on.
type LeadService interface {
	Sign(ctx context.Context, body map[string]any) (types.SignedToken, error)
	Collect(ctx context.Context, req leads.CollectRequest) (leads.CollectResult, error)
}

// LeadsSign issues a signed envelope for a form payload.
func LeadsSign(svc LeadService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "lead service unavailable"))
			return
		}
		body, err := validators.DecodeJSONObject(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		token, err := svc.Sign(r.Context(), body)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteJSON(w, http.StatusOK, token)
	}
}

// LeadsCollect accepts a lead submission and answers 202 once it is durable.
func LeadsCollect(svc LeadService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "lead service unavailable"))
			return
		}
		body, err := validators.DecodeJSONObject(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		result, err := svc.Collect(ctx, leads.CollectRequest{
			Body:     body,
			ClientIP: ratelimit.ClientIP(r),
			TraceID:  middleware.RequestIDFromContext(ctx),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteJSON(w, http.StatusAccepted, result.Response())
	}
}
