package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	mw "github.com/kiranshivaraju/songforge/internal/api/middleware"
	"github.com/kiranshivaraju/songforge/internal/api/response"
	"github.com/kiranshivaraju/songforge/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler   http.HandlerFunc
	CallbackHandler http.HandlerFunc

	SubmitHandler      http.HandlerFunc
	GetHandler         http.HandlerFunc
	StatusHandler      http.HandlerFunc
	ObservationHandler http.HandlerFunc
	EventsHandler      http.HandlerFunc
	LyricsHandler      http.HandlerFunc
	CreditsHandler     http.HandlerFunc

	GrantCreditsHandler http.HandlerFunc
	SetPlanHandler      http.HandlerFunc
	CreateKeyHandler    http.HandlerFunc
	ListKeysHandler     http.HandlerFunc
	RevokeKeyHandler    http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public routes. Callbacks authenticate with the signed token in the URL.
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Post("/api/v1/callbacks/generation", orNotImplemented(deps.CallbackHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/generations", orNotImplemented(deps.SubmitHandler))
		r.Get("/api/v1/generations/{taskID}", orNotImplemented(deps.GetHandler))
		r.Get("/api/v1/generations/{taskID}/status", orNotImplemented(deps.StatusHandler))
		r.Post("/api/v1/generations/{taskID}/observations", orNotImplemented(deps.ObservationHandler))
		r.Get("/api/v1/generations/{taskID}/events", orNotImplemented(deps.EventsHandler))

		r.Post("/api/v1/lyrics", orNotImplemented(deps.LyricsHandler))
		r.Get("/api/v1/credits", orNotImplemented(deps.CreditsHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/api/v1/admin/credits", orNotImplemented(deps.GrantCreditsHandler))
			r.Put("/api/v1/admin/users/{ownerID}/plan", orNotImplemented(deps.SetPlanHandler))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
