package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/songforge/internal/api/response"
)

// NewCreditsHandler returns an http.HandlerFunc for GET /api/v1/credits.
func NewCreditsHandler(svc GenerationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := ownerOrReject(w, r)
		if !ok {
			return
		}
		credits, err := svc.Credits(r.Context(), ownerID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, credits)
	}
}

// NewGrantCreditsHandler returns an http.HandlerFunc for POST /api/v1/admin/credits.
func NewGrantCreditsHandler(svc GenerationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OwnerID string `json:"owner_id" validate:"required,max=128"`
			Amount  int64  `json:"amount"   validate:"gt=0"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := validate.Struct(req); err != nil {
			response.Invalid(w, "owner_id and a positive amount are required", fieldErrors(err))
			return
		}

		balance, err := svc.Grant(r.Context(), req.OwnerID, req.Amount)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{
			"owner_id": req.OwnerID,
			"granted":  req.Amount,
			"balance":  balance,
		})
	}
}

// NewSetPlanHandler returns an http.HandlerFunc for PUT /api/v1/admin/users/{ownerID}/plan.
func NewSetPlanHandler(svc GenerationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Plan string `json:"plan" validate:"required"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := validate.Struct(req); err != nil {
			response.Invalid(w, "plan is required", fieldErrors(err))
			return
		}

		ownerID := chi.URLParam(r, "ownerID")
		if err := svc.SetPlan(r.Context(), ownerID, req.Plan); err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]string{"owner_id": ownerID, "plan": req.Plan})
	}
}
