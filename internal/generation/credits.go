package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/songforge/internal/entitlement"
)

// Credits summarises what a user can still generate.
type Credits struct {
	OwnerID       string            `json:"owner_id"`
	Balance       int64             `json:"balance"`
	Plan          string            `json:"plan"`
	Quota         entitlement.Quota `json:"quota"`
	AllowedModels []string          `json:"allowed_models"`
	Costs         map[string]int64  `json:"costs"`
}

// Credits returns the balance, plan and monthly quota of ownerID.
func (s *Service) Credits(ctx context.Context, ownerID string) (*Credits, error) {
	plan, err := s.gate.PlanFor(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	quota, err := s.gate.CheckQuota(ctx, ownerID, plan)
	if err != nil && !errors.Is(err, entitlement.ErrQuotaExceeded) {
		return nil, err
	}
	balance, err := s.ledger.Balance(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	costs := make(map[string]int64, len(plan.Costs))
	for kind, cost := range plan.Costs {
		costs[kind] = cost
	}
	return &Credits{
		OwnerID:       ownerID,
		Balance:       balance,
		Plan:          plan.Name,
		Quota:         quota,
		AllowedModels: s.gate.AllowedModels(plan),
		Costs:         costs,
	}, nil
}

// Grant adds amount credits to ownerID and returns the new balance.
func (s *Service) Grant(ctx context.Context, ownerID string, amount int64) (int64, error) {
	if ownerID == "" {
		return 0, newValidationError("owner_id", "required")
	}
	if amount <= 0 {
		return 0, newValidationError("amount", "gt=0")
	}
	return s.ledger.Adjust(ctx, ownerID, amount)
}

// SetPlan subscribes ownerID to a catalog plan.
func (s *Service) SetPlan(ctx context.Context, ownerID, plan string) error {
	if ownerID == "" {
		return newValidationError("owner_id", "required")
	}
	if !s.gate.KnownPlan(plan) {
		return newValidationError("plan", "unknown plan")
	}
	if err := s.store.SetUserPlan(ctx, ownerID, plan); err != nil {
		return fmt.Errorf("set plan for %s: %w", ownerID, err)
	}
	return nil
}
