// Package memory provides an in-memory Store with the same semantics as the
// Postgres implementation. It backs unit tests and local runs without a database.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/songforge/internal/store"
	"github.com/kiranshivaraju/songforge/pkg/models"
)

// Store is an in-memory store.Store.
type Store struct {
	mu       sync.Mutex
	plans    map[string]string
	balances map[string]int64
	keys     map[uuid.UUID]*models.APIKey
	tasks    map[string]*models.Task
	events   []*models.TaskEvent

	// PingErr, when set, is returned by Ping.
	PingErr error
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		plans:    make(map[string]string),
		balances: make(map[string]int64),
		keys:     make(map[uuid.UUID]*models.APIKey),
		tasks:    make(map[string]*models.Task),
	}
}

func (s *Store) Ping(_ context.Context) error {
	return s.PingErr
}

func (s *Store) GetUserPlan(_ context.Context, ownerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[ownerID]
	if !ok {
		return "", store.ErrNotFound
	}
	return plan, nil
}

func (s *Store) SetUserPlan(_ context.Context, ownerID, plan string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[ownerID] = plan
	return nil
}

func (s *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == key.ID || k.KeyHash == key.KeyHash {
			return store.ErrDuplicateKey
		}
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

func (s *Store) ListAPIKeys(_ context.Context, ownerID string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.OwnerID == ownerID && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RevokeAPIKey(_ context.Context, id uuid.UUID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.OwnerID != ownerID || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

func (s *Store) AdjustBalance(_ context.Context, ownerID string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjustLocked(ownerID, delta)
}

func (s *Store) adjustLocked(ownerID string, delta int64) (int64, error) {
	next := s.balances[ownerID] + delta
	if next < 0 {
		return 0, store.ErrInsufficientBalance
	}
	s.balances[ownerID] = next
	return next, nil
}

func (s *Store) GetBalance(_ context.Context, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[ownerID], nil
}

func (s *Store) CreateTask(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.TaskID]; ok {
		return store.ErrDuplicateKey
	}
	s.tasks[task.TaskID] = store.CloneTask(task)
	return nil
}

func (s *Store) GetTask(_ context.Context, taskID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.CloneTask(t), nil
}

// MutateTask holds the store lock for the duration of fn, which serialises
// concurrent mutations the way a row lock does.
func (s *Store) MutateTask(_ context.Context, taskID string, fn store.TaskMutation) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}

	next := store.CloneTask(current)
	if err := fn(next); err != nil {
		if errors.Is(err, store.ErrSkipWrite) {
			return store.CloneTask(current), nil
		}
		return nil, err
	}

	if !current.Refunded && next.Refunded && next.Cost > 0 {
		if _, err := s.adjustLocked(next.OwnerID, next.Cost); err != nil {
			return nil, err
		}
	}
	s.tasks[taskID] = next
	return store.CloneTask(next), nil
}

func (s *Store) CountCompletedSince(_ context.Context, ownerID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.OwnerID != ownerID || t.Status != models.StatusComplete || !t.Kind.CountsTowardQuota() {
			continue
		}
		if t.CompletedAt != nil && !t.CompletedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListStalePending(_ context.Context, createdBefore time.Time, limit int) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*models.Task
	for _, t := range s.tasks {
		if t.Status == models.StatusPending && t.CreatedAt.Before(createdBefore) {
			out = append(out, store.CloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AppendEvent(_ context.Context, event *models.TaskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	c := *event
	s.events = append(s.events, &c)
	return nil
}

func (s *Store) ListEvents(_ context.Context, taskID string) ([]*models.TaskEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.TaskEvent
	for _, e := range s.events {
		if e.TaskID == taskID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}
