// Package provider selects the generation provider implementation at startup.
package provider

import (
	"fmt"

	"github.com/kiranshivaraju/songforge/internal/config"
	"github.com/kiranshivaraju/songforge/internal/provider/mock"
	"github.com/kiranshivaraju/songforge/internal/provider/sunoapi"
	"github.com/kiranshivaraju/songforge/pkg/models"
)

// NewProvider constructs the appropriate generation provider based on config.
// Called once at server startup.
func NewProvider(cfg config.ProviderConfig) (models.GenerationProvider, error) {
	switch cfg.Name {
	case "sunoapi":
		return sunoapi.NewClient(cfg.SunoAPI, cfg.Timeout, cfg.RateLimit, cfg.Burst), nil
	case "mock":
		return mock.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q: must be one of sunoapi, mock", cfg.Name)
	}
}
