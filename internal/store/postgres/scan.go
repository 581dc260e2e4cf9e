package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/austindbirch/indexhook/internal/store"
	"github.com/austindbirch/indexhook/internal/task"
)

const (
	uniqueViolationCode = "23505"
	checkViolationCode  = "23514"
	notNullViolation    = "23502"
)

func scanTask(row pgx.CollectableRow) (*task.Task, error) {
	var (
		t          task.Task
		meta       pgtype.Text
		path       pgtype.Text
		sourceMod  pgtype.Timestamptz
		status     string
		nextExecAt time.Time
	)
	err := row.Scan(&t.ID, &t.Version, &t.PID, &t.FormatID, &meta, &path, &sourceMod,
		&t.TaskModified, &nextExecAt, &t.TryCount, &t.Deleted, &t.Priority, &status)
	if err != nil {
		return nil, err
	}
	if meta.Valid {
		t.Metadata = []byte(meta.String)
	}
	t.ObjectPath = path.String
	if sourceMod.Valid {
		t.SourceModified = sourceMod.Time
	}
	t.Status = task.Status(status)
	if nextExecAt.Unix() > 0 {
		t.NextEligible = nextExecAt
	}
	return &t, nil
}

// mapError turns driver errors into store sentinels where one applies.
func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case checkViolationCode, notNullViolation, uniqueViolationCode:
			return fmt.Errorf("%w: %s", store.ErrInvalidTask, pgErr.Message)
		}
	}
	return err
}

func nullText(b []byte) pgtype.Text {
	return pgtype.Text{String: string(b), Valid: b != nil}
}

func nullString(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func nullTime(ts time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: ts, Valid: !ts.IsZero()}
}

// next_execution is NOT NULL; the epoch means "eligible now".
func epochIfZero(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return ts
}
