// Package models contains shared data models used across the SongForge codebase.
package models

import (
	"context"
	"errors"
)

// Sentinel errors returned by GenerationProvider implementations.
var (
	ErrProviderRejected    = errors.New("provider rejected the request")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderTimeout     = errors.New("provider request timeout")
	ErrInvalidResponse     = errors.New("provider returned invalid response")
)

// GenerationProvider is the core interface every music provider integration implements.
// Never call a specific provider directly; always inject this interface.
type GenerationProvider interface {
	// Submit starts a generation job and returns the provider task ID.
	Submit(ctx context.Context, req Submission) (string, error)
	// Status returns the provider's current view of a task.
	Status(ctx context.Context, kind Kind, taskID string) (ProviderReport, error)
	// ParseCallback decodes a pushed completion payload.
	ParseCallback(payload []byte) (ProviderReport, error)
	// Name returns the provider identifier (e.g., "sunoapi", "mock").
	Name() string
}

// Submission is the provider-agnostic request passed to GenerationProvider.Submit.
type Submission struct {
	Kind        Kind
	Inputs      Inputs
	CallbackURL string
}

// ProviderReport is one observation of a task as reported by the provider,
// either pulled through Status or pushed through a callback.
type ProviderReport struct {
	TaskID         string
	ProviderStatus string
	Tracks         []Track
	ErrorMessage   string
}
