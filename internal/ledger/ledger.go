// Package ledger holds per-user credit balances. Every change is a single
// conditional update in the store, so the balance never goes below zero.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/songforge/internal/store"
)

var (
	ErrInsufficientFunds = errors.New("insufficient credits")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// BalanceStore is the subset of store.Store the ledger needs.
type BalanceStore interface {
	AdjustBalance(ctx context.Context, ownerID string, delta int64) (int64, error)
	GetBalance(ctx context.Context, ownerID string) (int64, error)
}

// Ledger debits and credits user balances.
type Ledger struct {
	store BalanceStore
}

// New creates a Ledger over the given store.
func New(s BalanceStore) *Ledger {
	return &Ledger{store: s}
}

// Adjust applies delta and returns the new balance.
func (l *Ledger) Adjust(ctx context.Context, ownerID string, delta int64) (int64, error) {
	balance, err := l.store.AdjustBalance(ctx, ownerID, delta)
	if errors.Is(err, store.ErrInsufficientBalance) {
		return 0, ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("adjust balance for %s: %w", ownerID, err)
	}
	return balance, nil
}

// Debit removes cost credits. It fails with ErrInsufficientFunds without touching the balance.
func (l *Ledger) Debit(ctx context.Context, ownerID string, cost int64) (int64, error) {
	if cost <= 0 {
		return 0, ErrInvalidAmount
	}
	return l.Adjust(ctx, ownerID, -cost)
}

// Refund returns cost credits to the owner.
func (l *Ledger) Refund(ctx context.Context, ownerID string, cost int64) (int64, error) {
	if cost <= 0 {
		return 0, ErrInvalidAmount
	}
	return l.Adjust(ctx, ownerID, cost)
}

// Balance returns the current balance. A user with no balance row has zero credits.
func (l *Ledger) Balance(ctx context.Context, ownerID string) (int64, error) {
	balance, err := l.store.GetBalance(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("get balance for %s: %w", ownerID, err)
	}
	return balance, nil
}
