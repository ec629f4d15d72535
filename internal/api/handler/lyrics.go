package handler

import (
	"errors"
	"net/http"

	"github.com/kiranshivaraju/songforge/internal/api/response"
	"github.com/kiranshivaraju/songforge/internal/generation"
)

// NewLyricsHandler returns an http.HandlerFunc for POST /api/v1/lyrics.
// It answers 200 with the lyrics, or 202 with the task id when the wait
// window elapses first.
func NewLyricsHandler(svc GenerationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := ownerOrReject(w, r)
		if !ok {
			return
		}

		var req struct {
			Prompt string `json:"prompt" validate:"required"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := validate.Struct(req); err != nil {
			response.Invalid(w, "prompt is required", fieldErrors(err))
			return
		}

		result, err := svc.Lyrics(r.Context(), ownerID, req.Prompt)
		switch {
		case err == nil:
			response.JSON(w, result)
		case errors.Is(err, generation.ErrTimeout) && result != nil:
			response.Accepted(w, result)
		case errors.Is(err, generation.ErrProviderFailed) && result != nil:
			response.Error(w, http.StatusBadGateway, "PROVIDER_FAILED",
				"The provider could not generate lyrics", map[string]string{"task_id": result.TaskID})
		default:
			writeError(w, r, err)
		}
	}
}
