package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SaveRun inserts or replaces the record of a scan run.
func (d *DB) SaveRun(ctx context.Context, r Run) error {
	var finished interface{}
	if r.FinishedAt != nil {
		finished = formatTimestamp(*r.FinishedAt)
	}
	_, err := d.sql.ExecContext(ctx, `
INSERT INTO scan_runs(id, state, stop_reason, started_at, finished_at, total, processed, succeeded, failed, cursor_checked_at, cursor_id)
VALUES(?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  state = excluded.state,
  stop_reason = excluded.stop_reason,
  finished_at = excluded.finished_at,
  total = excluded.total,
  processed = excluded.processed,
  succeeded = excluded.succeeded,
  failed = excluded.failed,
  cursor_checked_at = excluded.cursor_checked_at,
  cursor_id = excluded.cursor_id`,
		r.ID, r.State, nullIfEmpty(r.StopReason), formatTimestamp(r.StartedAt), finished,
		r.Total, r.Processed, r.Succeeded, r.Failed, r.Cursor.CheckedAt, r.Cursor.ID)
	return err
}

// LatestRun returns the most recently started run.
func (d *DB) LatestRun(ctx context.Context) (Run, error) {
	var (
		r                Run
		reason, finished sql.NullString
		started          string
	)
	err := d.sql.QueryRowContext(ctx, `
SELECT id, state, stop_reason, started_at, finished_at, total, processed, succeeded, failed, cursor_checked_at, cursor_id
FROM scan_runs ORDER BY started_at DESC LIMIT 1`).Scan(
		&r.ID, &r.State, &reason, &started, &finished,
		&r.Total, &r.Processed, &r.Succeeded, &r.Failed, &r.Cursor.CheckedAt, &r.Cursor.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	r.StopReason = reason.String
	if t, perr := time.Parse(timestampLayout, started); perr == nil {
		r.StartedAt = t
	}
	r.FinishedAt = parseNullTime(finished, timestampLayout)
	return r, nil
}
