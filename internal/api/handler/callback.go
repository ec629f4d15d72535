package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/kiranshivaraju/songforge/internal/api/response"
	"github.com/kiranshivaraju/songforge/internal/reconcile"
)

// NewCallbackHandler returns an http.HandlerFunc for
// POST /api/v1/callbacks/generation?token=...
//
// Authenticated, well-formed callbacks always get 200, including duplicates
// and callbacks for tasks that never appeared, so the provider stops retrying.
func NewCallbackHandler(svc GenerationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing callback token", nil)
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unreadable body", nil)
			return
		}

		res, err := svc.IngestCallback(r.Context(), token, payload)
		if errors.Is(err, reconcile.ErrUnknownTask) {
			response.JSON(w, map[string]string{"status": "ignored"})
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, newObservationResponse(res))
	}
}
