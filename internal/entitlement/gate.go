// Package entitlement decides whether a user may start a generation and
// which model it runs on.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/songforge/internal/store"
)

var ErrQuotaExceeded = errors.New("monthly generation quota exceeded")

// UsageCounter counts a user's completed music tasks since a point in time.
type UsageCounter interface {
	CountCompletedSince(ctx context.Context, ownerID string, since time.Time) (int, error)
}

// PlanLookup returns the plan name a user is subscribed to.
type PlanLookup interface {
	GetUserPlan(ctx context.Context, ownerID string) (string, error)
}

// Quota is the result of a quota check.
type Quota struct {
	Allowed   bool `json:"allowed"`
	Used      int  `json:"used"`
	Limit     int  `json:"limit"`
	Remaining int  `json:"remaining"`
}

// ModelChoice reports the model a task will run on and whether it differs from the request.
type ModelChoice struct {
	Requested string `json:"requested_model"`
	Effective string `json:"effective_model"`
	Adjusted  bool   `json:"model_adjusted"`
}

// Gate applies plan limits.
type Gate struct {
	catalog *Catalog
	usage   UsageCounter
	plans   PlanLookup
	now     func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the clock used to find the start of the billing month.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a Gate.
func NewGate(catalog *Catalog, usage UsageCounter, plans PlanLookup, opts ...Option) *Gate {
	g := &Gate{catalog: catalog, usage: usage, plans: plans, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PlanFor resolves a user's plan. Users without a plan row get the default plan.
func (g *Gate) PlanFor(ctx context.Context, ownerID string) (*Plan, error) {
	name, err := g.plans.GetUserPlan(ctx, ownerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup plan for %s: %w", ownerID, err)
	}
	return g.catalog.Plan(name), nil
}

// CheckQuota computes remaining = max(0, allowance - completed this month).
// It returns ErrQuotaExceeded alongside the computed quota when nothing remains.
func (g *Gate) CheckQuota(ctx context.Context, ownerID string, plan *Plan) (Quota, error) {
	used, err := g.usage.CountCompletedSince(ctx, ownerID, MonthStart(g.now()))
	if err != nil {
		return Quota{}, fmt.Errorf("count monthly usage for %s: %w", ownerID, err)
	}

	q := Quota{Used: used, Limit: plan.MonthlyAllowance}
	q.Remaining = max(0, q.Limit-used)
	q.Allowed = q.Remaining > 0
	if !q.Allowed {
		return q, ErrQuotaExceeded
	}
	return q, nil
}

// KnownPlan reports whether name is defined in the catalog.
func (g *Gate) KnownPlan(name string) bool {
	_, ok := g.catalog.Lookup(name)
	return ok
}

// AllowedModels returns the models the plan may use.
func (g *Gate) AllowedModels(plan *Plan) []string {
	return append([]string(nil), plan.Models...)
}

// ResolveModel downgrades an empty, unknown or disallowed model to the plan default.
func (g *Gate) ResolveModel(plan *Plan, requested string) ModelChoice {
	choice := ModelChoice{Requested: requested, Effective: requested}
	if !contains(plan.Models, requested) {
		choice.Effective = plan.DefaultModel
		choice.Adjusted = requested != ""
	}
	return choice
}

// MonthStart returns 00:00 UTC on the first day of t's month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
