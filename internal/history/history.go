// Package history keeps a local SQLite log of the tasks genctl has submitted
// and watched, so results survive after the terminal session ends.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kiranshivaraju/songforge/pkg/models"
)

// ErrNotFound is returned by Get for a task that was never recorded.
var ErrNotFound = errors.New("task not in history")

const schema = `
CREATE TABLE IF NOT EXISTS watches (
    task_id     TEXT PRIMARY KEY,
    kind        TEXT NOT NULL DEFAULT '',
    title       TEXT NOT NULL DEFAULT '',
    state       TEXT NOT NULL,
    ticks       INTEGER NOT NULL DEFAULT 0,
    tracks      TEXT NOT NULL DEFAULT '[]',
    last_error  TEXT NOT NULL DEFAULT '',
    started_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_watches_updated ON watches(updated_at DESC);
`

// Entry is one watched task.
type Entry struct {
	TaskID    string
	Kind      models.Kind
	Title     string
	State     string
	Ticks     int
	Tracks    []models.Track
	LastError string
	StartedAt time.Time
	UpdatedAt time.Time
}

// Store is the SQLite-backed history.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the history database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// one connection keeps ":memory:" databases shared and serialises writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run history migrations: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Submitted records a freshly submitted task in the pending state.
func (s *Store) Submitted(ctx context.Context, taskID string, kind models.Kind, title string) error {
	now := s.now()
	return s.Record(ctx, Entry{
		TaskID:    taskID,
		Kind:      kind,
		Title:     title,
		State:     string(models.StatusPending),
		StartedAt: now,
		UpdatedAt: now,
	})
}

// Record inserts or updates an entry. Kind, title and start time of an
// existing row are kept when the update leaves them empty.
func (s *Store) Record(ctx context.Context, e Entry) error {
	tracks := e.Tracks
	if tracks == nil {
		tracks = []models.Track{}
	}
	tracksJSON, err := json.Marshal(tracks)
	if err != nil {
		return fmt.Errorf("encode tracks: %w", err)
	}

	now := s.now()
	if e.StartedAt.IsZero() {
		e.StartedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO watches (task_id, kind, title, state, ticks, tracks, last_error, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			kind       = CASE WHEN excluded.kind  = '' THEN watches.kind  ELSE excluded.kind  END,
			title      = CASE WHEN excluded.title = '' THEN watches.title ELSE excluded.title END,
			state      = excluded.state,
			ticks      = watches.ticks + excluded.ticks,
			tracks     = excluded.tracks,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		e.TaskID, string(e.Kind), e.Title, e.State, e.Ticks, string(tracksJSON), e.LastError,
		e.StartedAt.UTC().Format(time.RFC3339Nano), e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", e.TaskID, err)
	}
	return nil
}

// Get returns one entry.
func (s *Store) Get(ctx context.Context, taskID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, kind, title, state, ticks, tracks, last_error, started_at, updated_at
		FROM watches WHERE task_id = ?`, taskID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// List returns up to limit entries, most recently updated first.
func (s *Store) List(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, kind, title, state, ticks, tracks, last_error, started_at, updated_at
		FROM watches ORDER BY updated_at DESC, task_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e                    Entry
		kind                 string
		tracks               string
		startedAt, updatedAt string
	)
	if err := row.Scan(&e.TaskID, &kind, &e.Title, &e.State, &e.Ticks, &tracks, &e.LastError, &startedAt, &updatedAt); err != nil {
		return nil, err
	}
	e.Kind = models.Kind(kind)
	if err := json.Unmarshal([]byte(tracks), &e.Tracks); err != nil {
		return nil, fmt.Errorf("decode tracks for %s: %w", e.TaskID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		e.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		e.UpdatedAt = t
	}
	return &e, nil
}
