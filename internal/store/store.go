package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/songforge/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInsufficientBalance is returned when a balance adjustment would take the balance below zero.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetUserPlan(ctx context.Context, ownerID string) (string, error)
	SetUserPlan(ctx context.Context, ownerID, plan string) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID string) error

	// AdjustBalance applies delta to the owner's balance in one conditional statement.
	// A missing balance row behaves as zero.
	AdjustBalance(ctx context.Context, ownerID string, delta int64) (int64, error)
	GetBalance(ctx context.Context, ownerID string) (int64, error)

	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	// MutateTask locks the task row, applies fn and persists the result. When fn
	// flips Refunded from false to true, Cost is credited back to the owner in
	// the same transaction.
	MutateTask(ctx context.Context, taskID string, fn TaskMutation) (*models.Task, error)
	CountCompletedSince(ctx context.Context, ownerID string, since time.Time) (int, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Task, error)

	AppendEvent(ctx context.Context, event *models.TaskEvent) error
	ListEvents(ctx context.Context, taskID string) ([]*models.TaskEvent, error)
}

// TaskMutation edits a locked task in place. Returning an error aborts the
// transaction and leaves the row untouched.
type TaskMutation func(task *models.Task) error

// ErrSkipWrite may be returned by a TaskMutation to release the lock without
// persisting anything. MutateTask then returns the unchanged task and a nil error.
var ErrSkipWrite = errors.New("skip write")

// CloneTask returns a deep copy of t so callers can diff before and after a mutation.
func CloneTask(t *models.Task) *models.Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Tracks = append([]models.Track(nil), t.Tracks...)
	if t.Inputs.Tuning != nil {
		tuning := *t.Inputs.Tuning
		c.Inputs.Tuning = &tuning
	}
	if t.FailureReason != nil {
		reason := *t.FailureReason
		c.FailureReason = &reason
	}
	if t.LastObservedAt != nil {
		ts := *t.LastObservedAt
		c.LastObservedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}
