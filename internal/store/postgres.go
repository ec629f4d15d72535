package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/songforge/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

func (s *PostgresStore) GetUserPlan(ctx context.Context, ownerID string) (string, error) {
	var plan string
	err := s.pool.QueryRow(ctx, `SELECT plan FROM users WHERE id = $1`, ownerID).Scan(&plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get user plan: %w", err)
	}
	return plan, nil
}

func (s *PostgresStore) SetUserPlan(ctx context.Context, ownerID, plan string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, plan) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET plan = EXCLUDED.plan, updated_at = NOW()`, ownerID, plan)
	if err != nil {
		return fmt.Errorf("set user plan: %w", err)
	}
	return nil
}

// --- API Keys ---

const apiKeyColumns = `id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, ownerID string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE owner_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`, id, ownerID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Credit Balances ---

func (s *PostgresStore) AdjustBalance(ctx context.Context, ownerID string, delta int64) (int64, error) {
	return adjustBalance(ctx, s.pool, ownerID, delta)
}

// adjustBalance never reads before writing. Debits only touch an existing row
// whose balance covers them; credits upsert.
func adjustBalance(ctx context.Context, q querier, ownerID string, delta int64) (int64, error) {
	var balance int64
	var err error
	if delta < 0 {
		err = q.QueryRow(ctx,
			`UPDATE credit_balances SET balance = balance + $2, updated_at = NOW()
			 WHERE owner_id = $1 AND balance + $2 >= 0
			 RETURNING balance`, ownerID, delta).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrInsufficientBalance
		}
	} else {
		err = q.QueryRow(ctx,
			`INSERT INTO credit_balances (owner_id, balance, updated_at) VALUES ($1, $2, NOW())
			 ON CONFLICT (owner_id) DO UPDATE
			   SET balance = credit_balances.balance + EXCLUDED.balance, updated_at = NOW()
			 RETURNING balance`, ownerID, delta).Scan(&balance)
	}
	if err != nil {
		if isCheckViolation(err) {
			return 0, ErrInsufficientBalance
		}
		return 0, fmt.Errorf("adjust balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, ownerID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM credit_balances WHERE owner_id = $1`, ownerID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// --- Generation Tasks ---

const taskColumns = `task_id, owner_id, kind, inputs, status, tracks, cost, ledger_debited, refunded,
	failure_reason, created_at, last_observed_at, completed_at`

func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
	inputs, tracks, err := encodeTaskJSON(task)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO generation_tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		task.TaskID, task.OwnerID, task.Kind, inputs, task.Status, tracks, task.Cost,
		task.LedgerDebited, task.Refunded, task.FailureReason, task.CreatedAt,
		task.LastObservedAt, task.CompletedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM generation_tasks WHERE task_id = $1`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) MutateTask(ctx context.Context, taskID string, fn TaskMutation) (*models.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin mutate task: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	current, err := scanTask(tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM generation_tasks WHERE task_id = $1 FOR UPDATE`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock task: %w", err)
	}

	next := CloneTask(current)
	if err := fn(next); err != nil {
		if errors.Is(err, ErrSkipWrite) {
			return current, nil
		}
		return nil, err
	}

	inputs, tracks, err := encodeTaskJSON(next)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE generation_tasks
		 SET status = $2, tracks = $3, ledger_debited = $4, refunded = $5, failure_reason = $6,
		     last_observed_at = $7, completed_at = $8, inputs = $9
		 WHERE task_id = $1`,
		next.TaskID, next.Status, tracks, next.LedgerDebited, next.Refunded, next.FailureReason,
		next.LastObservedAt, next.CompletedAt, inputs)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	if !current.Refunded && next.Refunded && next.Cost > 0 {
		if _, err := adjustBalance(ctx, tx, next.OwnerID, next.Cost); err != nil {
			return nil, fmt.Errorf("refund task: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit mutate task: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) CountCompletedSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM generation_tasks
		 WHERE owner_id = $1 AND status = 'complete' AND completed_at >= $2
		   AND kind IN ('text-to-music', 'audio-to-music')`, ownerID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed tasks: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM generation_tasks
		 WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func encodeTaskJSON(task *models.Task) ([]byte, []byte, error) {
	inputs, err := json.Marshal(task.Inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("encode task inputs: %w", err)
	}
	trackList := task.Tracks
	if trackList == nil {
		trackList = []models.Track{}
	}
	tracks, err := json.Marshal(trackList)
	if err != nil {
		return nil, nil, fmt.Errorf("encode task tracks: %w", err)
	}
	return inputs, tracks, nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	var inputs, tracks []byte
	if err := row.Scan(&t.TaskID, &t.OwnerID, &t.Kind, &inputs, &t.Status, &tracks, &t.Cost,
		&t.LedgerDebited, &t.Refunded, &t.FailureReason, &t.CreatedAt,
		&t.LastObservedAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(inputs, &t.Inputs); err != nil {
		return nil, fmt.Errorf("decode task inputs: %w", err)
	}
	if err := json.Unmarshal(tracks, &t.Tracks); err != nil {
		return nil, fmt.Errorf("decode task tracks: %w", err)
	}
	return &t, nil
}

// --- Task Events ---

func (s *PostgresStore) AppendEvent(ctx context.Context, event *models.TaskEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_events (id, task_id, owner_id, type, source, from_status, to_status, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.TaskID, event.OwnerID, event.Type, event.Source,
		event.FromStatus, event.ToStatus, []byte(event.Detail), event.CreatedAt)
	if err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, taskID string) ([]*models.TaskEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, owner_id, type, source, from_status, to_status, detail, created_at
		 FROM task_events WHERE task_id = $1 ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var events []*models.TaskEvent
	for rows.Next() {
		var e models.TaskEvent
		var detail []byte
		if err := rows.Scan(&e.ID, &e.TaskID, &e.OwnerID, &e.Type, &e.Source,
			&e.FromStatus, &e.ToStatus, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		if len(detail) > 0 {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23514"
	}
	return false
}
