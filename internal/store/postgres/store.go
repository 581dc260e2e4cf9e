// Package postgres implements store.TaskStore on PostgreSQL using pgx. The
// schema is owned by the embedded migrations in internal/db.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/indexhook/internal/store"
	"github.com/austindbirch/indexhook/internal/task"
)

var _ store.TaskStore = (*Store)(nil)

// DBTX is the subset of pgxpool.Pool used by the store; a pgx.Tx also satisfies it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a PostgreSQL-backed TaskStore.
type Store struct {
	db   DBTX
	pool *pgxpool.Pool
}

// New returns a store over pool. The caller owns the pool lifecycle unless
// Close is called.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

// WithTx returns a store that runs every statement in tx
func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{db: tx, pool: s.pool}
}

const columns = `id, version, pid, format_id, sys_metadata, object_path, date_sys_meta_modified,
	task_modified_date, next_execution, try_count, deleted, priority, status`

// Save inserts or version-checks and updates a task.
func (s *Store) Save(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := store.ValidateTask(t); err != nil {
		return nil, err
	}
	if t.ID == 0 {
		return s.insert(ctx, t)
	}
	return s.update(ctx, t, "")
}

// Claim updates t only if the row is still in status from at t.Version.
func (s *Store) Claim(ctx context.Context, t *task.Task, from task.Status) (*task.Task, error) {
	if err := store.ValidateTask(t); err != nil {
		return nil, err
	}
	return s.update(ctx, t, from)
}

func (s *Store) insert(ctx context.Context, t *task.Task) (*task.Task, error) {
	out := t.Clone()
	err := s.db.QueryRow(ctx, `
		INSERT INTO index_task (pid, format_id, sys_metadata, object_path, date_sys_meta_modified,
			task_modified_date, next_execution, try_count, deleted, priority, status, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
		RETURNING id, version`,
		t.PID, t.FormatID, nullText(t.Metadata), nullString(t.ObjectPath), nullTime(t.SourceModified),
		t.TaskModified, epochIfZero(t.NextEligible), t.TryCount, t.Deleted, t.Priority, string(t.Status),
	).Scan(&out.ID, &out.Version)
	if err != nil {
		return nil, store.NewStoreError("insert", 0, mapError(err))
	}
	return out, nil
}

// update applies a compare-and-set on version, and on status when from is set.
// Priority is fixed at insert and never rewritten.
func (s *Store) update(ctx context.Context, t *task.Task, from task.Status) (*task.Task, error) {
	args := []any{
		t.ID, t.Version,
		t.PID, t.FormatID, nullText(t.Metadata), nullString(t.ObjectPath), nullTime(t.SourceModified),
		t.TaskModified, epochIfZero(t.NextEligible), t.TryCount, t.Deleted, string(t.Status),
	}
	cond := ""
	if from != "" {
		cond = " AND status = $13"
		args = append(args, string(from))
	}

	out := t.Clone()
	err := s.db.QueryRow(ctx, `
		UPDATE index_task SET
			pid = $3, format_id = $4, sys_metadata = $5, object_path = $6, date_sys_meta_modified = $7,
			task_modified_date = $8, next_execution = $9, try_count = $10, deleted = $11,
			status = $12, version = version + 1
		WHERE id = $1 AND version = $2`+cond+`
		RETURNING version, priority`, args...,
	).Scan(&out.Version, &out.Priority)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, store.NewStoreError("update", t.ID, mapError(err))
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM index_task WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
		return nil, store.NewStoreError("update", t.ID, err)
	}
	if !exists {
		return nil, store.NewStoreError("update", t.ID, store.ErrNotFound)
	}
	return nil, store.NewStoreError("update", t.ID, store.ErrOptimisticLock)
}

// Get returns the task with id.
func (s *Store) Get(ctx context.Context, id int64) (*task.Task, error) {
	rows, err := s.db.Query(ctx, `SELECT `+columns+` FROM index_task WHERE id = $1`, id)
	if err != nil {
		return nil, store.NewStoreError("get", id, err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanTask)
	if err != nil {
		return nil, store.NewStoreError("get", id, mapError(err))
	}
	return t, nil
}

// FindEligible returns eligible tasks in dequeue order.
func (s *Store) FindEligible(ctx context.Context, status task.Status, now time.Time, tryCountLimit, limit int) ([]*task.Task, error) {
	return s.query(ctx, "find eligible", `
		SELECT `+columns+` FROM index_task
		WHERE status = $1 AND try_count < $2 AND next_execution < $3
		ORDER BY priority ASC, task_modified_date ASC, id ASC`+limitClause(limit),
		string(status), tryCountLimit, now)
}

func (s *Store) FindByPID(ctx context.Context, pid string) ([]*task.Task, error) {
	return s.query(ctx, "find by pid", `SELECT `+columns+` FROM index_task WHERE pid = $1`, pid)
}

func (s *Store) FindByPIDAndStatus(ctx context.Context, pid string, status task.Status) ([]*task.Task, error) {
	return s.query(ctx, "find by pid and status",
		`SELECT `+columns+` FROM index_task WHERE pid = $1 AND status = $2`, pid, string(status))
}

func (s *Store) FindStale(ctx context.Context, status task.Status, cutoff time.Time, limit int) ([]*task.Task, error) {
	return s.query(ctx, "find stale", `
		SELECT `+columns+` FROM index_task
		WHERE status = $1 AND task_modified_date < $2
		ORDER BY task_modified_date ASC, id ASC`+limitClause(limit),
		string(status), cutoff)
}

func (s *Store) query(ctx context.Context, op, sql string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, store.NewStoreError(op, 0, err)
	}
	tasks, err := pgx.CollectRows(rows, scanTask)
	if err != nil {
		return nil, store.NewStoreError(op, 0, err)
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	return tasks, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}
