package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/kiranshivaraju/songforge/internal/api/middleware"
	"github.com/kiranshivaraju/songforge/internal/api/response"
	"github.com/kiranshivaraju/songforge/internal/store"
	"github.com/kiranshivaraju/songforge/pkg/models"
)

// KeyPrefix starts every raw API key.
const KeyPrefix = "sf_"

// KeyStore is the API key persistence the admin handlers need.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID string) error
}

// NewAPIKey builds a key record and returns it with the raw key, which is
// shown once and never stored.
func NewAPIKey(ownerID, name string, scopes []string) (*models.APIKey, string, error) {
	rawKey := KeyPrefix + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	return NewAPIKeyFromRaw(ownerID, name, rawKey, scopes)
}

// NewAPIKeyFromRaw hashes a caller-chosen raw key.
func NewAPIKeyFromRaw(ownerID, name, rawKey string, scopes []string) (*models.APIKey, string, error) {
	if len(rawKey) < mw.KeyPrefixLen {
		return nil, "", fmt.Errorf("api key must be at least %d characters", mw.KeyPrefixLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash api key: %w", err)
	}
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:mw.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, rawKey, nil
}

type keyResponse struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"key_prefix"`
	Scopes     []string   `json:"scopes"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func newKeyResponse(k *models.APIKey) keyResponse {
	return keyResponse{
		ID:         k.ID.String(),
		OwnerID:    k.OwnerID,
		Name:       k.Name,
		KeyPrefix:  k.KeyPrefix,
		Scopes:     k.Scopes,
		LastUsedAt: k.LastUsedAt,
		CreatedAt:  k.CreatedAt,
	}
}

// targetOwner is the owner_id query parameter, defaulting to the caller.
func targetOwner(r *http.Request) string {
	if owner := r.URL.Query().Get("owner_id"); owner != "" {
		return owner
	}
	owner, _ := mw.GetOwnerID(r)
	return owner
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
func NewCreateKeyHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OwnerID string   `json:"owner_id" validate:"required,max=128"`
			Name    string   `json:"name"     validate:"required,max=100"`
			Scopes  []string `json:"scopes"   validate:"dive,oneof=read write admin"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := validate.Struct(req); err != nil {
			response.Invalid(w, "Invalid key request", fieldErrors(err))
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = append([]string(nil), models.DefaultScopes...)
		}

		key, rawKey, err := NewAPIKey(req.OwnerID, req.Name, req.Scopes)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if err := s.CreateAPIKey(r.Context(), key); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "API key with this name already exists", nil)
				return
			}
			writeError(w, r, err)
			return
		}

		response.Created(w, map[string]any{
			"id":         key.ID.String(),
			"owner_id":   key.OwnerID,
			"name":       key.Name,
			"key":        rawKey,
			"key_prefix": key.KeyPrefix,
			"scopes":     key.Scopes,
			"created_at": key.CreatedAt,
		})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := s.ListAPIKeys(r.Context(), targetOwner(r))
		if err != nil {
			writeError(w, r, err)
			return
		}

		out := make([]keyResponse, len(keys))
		for i, k := range keys {
			out[i] = newKeyResponse(k)
		}
		response.JSON(w, out)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "Invalid key ID", nil)
			return
		}

		if err := s.RevokeAPIKey(r.Context(), keyID, targetOwner(r)); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found", nil)
				return
			}
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}
