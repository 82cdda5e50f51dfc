package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pipelinesTable = "pipelines"

// PostgresStore keeps pipeline records as JSONB rows. Mutations lock the row
// with SELECT ... FOR UPDATE inside a transaction.
type PostgresStore struct {
	mutations
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	s := &PostgresStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
	s.mutations = mutations{update: s.update}
	return s
}

// OpenPostgresStore connects to dsn and ensures the schema exists.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the pipelines table if it doesn't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + pipelinesTable + ` (
    task_id     TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    record      JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    terminal_at TIMESTAMPTZ
)`,
		`CREATE INDEX IF NOT EXISTS idx_pipelines_status ON ` + pipelinesTable + ` (status)`,
		`CREATE INDEX IF NOT EXISTS idx_pipelines_terminal ON ` + pipelinesTable + ` (terminal_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure pipeline schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) update(ctx context.Context, taskID string, fn func(*Record, time.Time) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT record FROM `+pipelinesTable+` WHERE task_id = $1 FOR UPDATE`, taskID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("pipeline %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock pipeline %s: %w", taskID, err)
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("decode pipeline %s: %w", taskID, err)
	}

	now := s.now()
	if err := fn(&r, now); err != nil {
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	r.UpdatedAt = now

	data, err := json.Marshal(&r)
	if err != nil {
		return fmt.Errorf("encode pipeline %s: %w", taskID, err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE `+pipelinesTable+` SET status = $2, record = $3, updated_at = $4, terminal_at = $5 WHERE task_id = $1`,
		taskID, string(r.Status), data, r.UpdatedAt, terminalColumn(&r))
	if err != nil {
		return fmt.Errorf("update pipeline %s: %w", taskID, err)
	}
	return tx.Commit(ctx)
}

// Init inserts a new record, replacing a terminal one.
func (s *PostgresStore) Init(ctx context.Context, taskID, name string) (*Record, error) {
	if err := validTaskID(taskID); err != nil {
		return nil, err
	}
	r := newRecord(taskID, name, s.now())
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode pipeline %s: %w", taskID, err)
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO `+pipelinesTable+` (task_id, status, record, created_at, updated_at, terminal_at)
VALUES ($1, $2, $3, $4, $4, NULL)
ON CONFLICT (task_id) DO UPDATE
SET status = EXCLUDED.status, record = EXCLUDED.record, created_at = EXCLUDED.created_at,
    updated_at = EXCLUDED.updated_at, terminal_at = NULL
WHERE `+pipelinesTable+`.terminal_at IS NOT NULL`,
		taskID, string(r.Status), data, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert pipeline %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("pipeline %s: %w", taskID, ErrExists)
	}
	return r, nil
}

// Get reads the record for a task.
func (s *PostgresStore) Get(ctx context.Context, taskID string) (*Record, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM `+pipelinesTable+` WHERE task_id = $1`, taskID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pipeline %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline %s: %w", taskID, err)
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode pipeline %s: %w", taskID, err)
	}
	return &r, nil
}

// Active returns all records whose status is in progress.
func (s *PostgresStore) Active(ctx context.Context) ([]Record, error) {
	return s.List(ctx, StatusInProgress)
}

// List returns all records, optionally filtered by status. Pass "" for all.
func (s *PostgresStore) List(ctx context.Context, status Status) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM `+pipelinesTable+` WHERE ($1 = '' OR status = $1) ORDER BY created_at, task_id`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			continue // skip broken entries
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Cleanup removes terminal records whose terminal timestamp is older than olderThan.
func (s *PostgresStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+pipelinesTable+` WHERE terminal_at IS NOT NULL AND terminal_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup pipelines: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Summary derives the read-only summary view of a task's record.
func (s *PostgresStore) Summary(ctx context.Context, taskID string) (*Summary, error) {
	r, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	sum := Summarize(r, s.now())
	return &sum, nil
}

// Delete removes a pipeline row.
func (s *PostgresStore) Delete(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+pipelinesTable+` WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("delete pipeline %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pipeline %s: %w", taskID, ErrNotFound)
	}
	return nil
}

func terminalColumn(r *Record) *time.Time {
	if at, ok := r.terminalAt(); ok {
		return &at
	}
	return nil
}
