// Package reconcile folds provider observations into stored generation tasks.
// Callbacks and client polls feed the same Reconciler concurrently, in any order
// and any number of times; every path converges on the same record.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/songforge/internal/cache"
	"github.com/kiranshivaraju/songforge/internal/store"
	"github.com/kiranshivaraju/songforge/pkg/models"
)

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrOwnerMismatch = errors.New("observation owner does not match task owner")
)

// Observation is one report about a task from a callback, a poll or the sweeper.
type Observation struct {
	TaskID         string
	ProviderStatus string
	Tracks         []models.Track
	ErrorMessage   string
	Source         string
	// OwnerID, when set, must match the stored owner.
	OwnerID string
}

// Result is returned by Observe.
type Result struct {
	Task    *models.Task
	Outcome Outcome
}

// Store is the subset of store.Store the reconciler needs.
type Store interface {
	MutateTask(ctx context.Context, taskID string, fn store.TaskMutation) (*models.Task, error)
	AppendEvent(ctx context.Context, event *models.TaskEvent) error
}

// Reconciler applies observations under the store's row lock.
type Reconciler struct {
	store       Store
	cache       cache.Cache
	snapshotTTL time.Duration
	retries     int
	backoff     time.Duration
	now         func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithCache refreshes the task snapshot in c after every effective change.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(r *Reconciler) {
		r.cache = c
		r.snapshotTTL = ttl
	}
}

// WithRetry sets how often a missing task is reloaded and the initial delay,
// which doubles on each attempt.
func WithRetry(retries int, backoff time.Duration) Option {
	return func(r *Reconciler) {
		r.retries = retries
		r.backoff = backoff
	}
}

// WithClock overrides the clock used for observation timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a Reconciler. By default a missing task is retried 3 times
// starting at 250ms, which covers a callback racing the initial insert.
func New(s Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       s,
		snapshotTTL: 10 * time.Minute,
		retries:     3,
		backoff:     250 * time.Millisecond,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe applies obs to the stored task.
func (r *Reconciler) Observe(ctx context.Context, obs Observation) (*Result, error) {
	var outcome Outcome
	mutate := func(task *models.Task) error {
		if obs.OwnerID != "" && obs.OwnerID != task.OwnerID {
			return ErrOwnerMismatch
		}
		outcome = apply(task, obs, r.now())
		return nil
	}

	task, err := r.mutateWithRetry(ctx, obs.TaskID, mutate)
	if err != nil {
		if errors.Is(err, ErrUnknownTask) {
			slog.Warn("discarding observation for unknown task",
				"task_id", obs.TaskID, "source", obs.Source, "provider_status", obs.ProviderStatus)
		}
		return nil, err
	}

	if outcome.Anomaly {
		slog.Warn("terminal status contradicted by later observation",
			"task_id", task.TaskID, "status", task.Status, "provider_status", obs.ProviderStatus, "source", obs.Source)
	}
	if outcome.Changed() || outcome.Anomaly {
		r.record(ctx, task, obs, outcome)
		r.refreshSnapshot(ctx, task)
	}
	if outcome.Transitioned() {
		slog.Info("task transitioned",
			"task_id", task.TaskID, "from", outcome.From, "to", outcome.To,
			"source", obs.Source, "refunded", outcome.Refunded)
	}

	return &Result{Task: task, Outcome: outcome}, nil
}

func (r *Reconciler) mutateWithRetry(ctx context.Context, taskID string, fn store.TaskMutation) (*models.Task, error) {
	delay := r.backoff
	for attempt := 0; ; attempt++ {
		task, err := r.store.MutateTask(ctx, taskID, fn)
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("reconcile task %s: %w", taskID, err)
		}
		if attempt >= r.retries {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// record appends audit events. Failures are logged and otherwise ignored.
func (r *Reconciler) record(ctx context.Context, task *models.Task, obs Observation, out Outcome) {
	detail, _ := json.Marshal(map[string]any{
		"provider_status": obs.ProviderStatus,
		"tracks_added":    out.TracksAdded,
		"track_count":     len(task.Tracks),
	})

	eventType := models.EventObserved
	switch {
	case out.Anomaly:
		eventType = models.EventAnomaly
	case out.Transitioned():
		eventType = models.EventTransition
	}

	events := []*models.TaskEvent{{
		TaskID:     task.TaskID,
		OwnerID:    task.OwnerID,
		Type:       eventType,
		Source:     obs.Source,
		FromStatus: string(out.From),
		ToStatus:   string(out.To),
		Detail:     detail,
	}}
	if out.Refunded {
		refund, _ := json.Marshal(map[string]any{"amount": task.Cost})
		events = append(events, &models.TaskEvent{
			TaskID:  task.TaskID,
			OwnerID: task.OwnerID,
			Type:    models.EventRefund,
			Source:  obs.Source,
			Detail:  refund,
		})
	}

	for _, e := range events {
		if err := r.store.AppendEvent(ctx, e); err != nil {
			slog.Warn("failed to append task event", "task_id", task.TaskID, "type", e.Type, "error", err)
		}
	}
}

func (r *Reconciler) refreshSnapshot(ctx context.Context, task *models.Task) {
	if r.cache == nil {
		return
	}
	snapshot := models.TaskStatus{TaskID: task.TaskID, Status: task.Status, Tracks: task.Tracks}
	if err := r.cache.SetTaskStatus(ctx, cache.TaskSnapshotKey(task.TaskID), snapshot, r.snapshotTTL); err != nil {
		slog.Warn("failed to refresh task snapshot", "task_id", task.TaskID, "error", err)
	}
}
