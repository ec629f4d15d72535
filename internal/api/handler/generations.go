package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/kiranshivaraju/songforge/internal/api/middleware"
	"github.com/kiranshivaraju/songforge/internal/api/response"
	"github.com/kiranshivaraju/songforge/internal/generation"
	"github.com/kiranshivaraju/songforge/internal/reconcile"
	"github.com/kiranshivaraju/songforge/pkg/models"
)

// GenerationService defines what the generation handlers depend on.
type GenerationService interface {
	Submit(ctx context.Context, req generation.SubmitRequest) (*generation.SubmitResult, error)
	Get(ctx context.Context, ownerID, taskID string) (*models.Task, error)
	Status(ctx context.Context, ownerID, taskID string) (*models.TaskStatus, error)
	Persist(ctx context.Context, ownerID, taskID, providerStatus string, tracks []models.Track) (*reconcile.Result, error)
	Events(ctx context.Context, ownerID, taskID string) ([]*models.TaskEvent, error)
	Lyrics(ctx context.Context, ownerID, prompt string) (*generation.LyricsResult, error)
	IngestCallback(ctx context.Context, token string, payload []byte) (*reconcile.Result, error)
	Credits(ctx context.Context, ownerID string) (*generation.Credits, error)
	Grant(ctx context.Context, ownerID string, amount int64) (int64, error)
	SetPlan(ctx context.Context, ownerID, plan string) error
}

var _ GenerationService = (*generation.Service)(nil)

const maxBodyBytes = 1 << 20

func ownerOrReject(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
	}
	return ownerID, ok
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	return true
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/generations.
func NewSubmitHandler(svc GenerationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := ownerOrReject(w, r)
		if !ok {
			return
		}

		var req struct {
			Kind models.Kind `json:"kind"`
			models.Inputs
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Kind == "" {
			req.Kind = models.KindTextToMusic
		}

		result, err := svc.Submit(r.Context(), generation.SubmitRequest{
			OwnerID: ownerID,
			Kind:    req.Kind,
			Inputs:  req.Inputs,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, result)
	}
}

// NewGetHandler returns an http.HandlerFunc for GET /api/v1/generations/{taskID}.
func NewGetHandler(svc GenerationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := ownerOrReject(w, r)
		if !ok {
			return
		}
		task, err := svc.Get(r.Context(), ownerID, chi.URLParam(r, "taskID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, task)
	}
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/generations/{taskID}/status.
func NewStatusHandler(svc GenerationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := ownerOrReject(w, r)
		if !ok {
			return
		}
		status, err := svc.Status(r.Context(), ownerID, chi.URLParam(r, "taskID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, status)
	}
}

type observationResponse struct {
	TaskID      string         `json:"task_id"`
	Status      models.Status  `json:"status"`
	Tracks      []models.Track `json:"tracks"`
	TracksAdded int            `json:"tracks_added"`
	Refunded    bool           `json:"refunded"`
}

func newObservationResponse(res *reconcile.Result) observationResponse {
	return observationResponse{
		TaskID:      res.Task.TaskID,
		Status:      res.Task.Status,
		Tracks:      res.Task.Tracks,
		TracksAdded: res.Outcome.TracksAdded,
		Refunded:    res.Outcome.Refunded,
	}
}

// NewObservationHandler returns an http.HandlerFunc for
// POST /api/v1/generations/{taskID}/observations.
func NewObservationHandler(svc GenerationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := ownerOrReject(w, r)
		if !ok {
			return
		}

		var req struct {
			Status string         `json:"status" validate:"required"`
			Tracks []models.Track `json:"tracks"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := validate.Struct(req); err != nil {
			response.Invalid(w, "status is required", fieldErrors(err))
			return
		}

		res, err := svc.Persist(r.Context(), ownerID, chi.URLParam(r, "taskID"), req.Status, req.Tracks)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, newObservationResponse(res))
	}
}

// NewEventsHandler returns an http.HandlerFunc for GET /api/v1/generations/{taskID}/events.
func NewEventsHandler(svc GenerationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := ownerOrReject(w, r)
		if !ok {
			return
		}
		events, err := svc.Events(r.Context(), ownerID, chi.URLParam(r, "taskID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if events == nil {
			events = []*models.TaskEvent{}
		}
		response.Collection(w, events, response.PaginationMeta{
			Page:  1,
			Limit: len(events),
			Total: len(events),
		})
	}
}
