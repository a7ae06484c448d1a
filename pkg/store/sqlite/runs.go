package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lissto-dev/imagewatch/pkg/batch"
)

const runColumns = `id, job_type, status, is_manual, owner, started_at, completed_at, duration_ms,
	checked_count, updated_count, COALESCE(error_message, ''), log_text`

var _ batch.Store = (*Store)(nil)

// AcquireRun checks for a running row of req.JobType and inserts a new one in
// the same immediate transaction. A running row started before
// req.StaleBefore is failed first.
func (s *Store) AcquireRun(ctx context.Context, req batch.AcquireRequest) (batch.AcquireResult, error) {
	var result batch.AcquireResult

	err := s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		result = batch.AcquireResult{}

		var (
			existingID int64
			startedAt  int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, started_at FROM batch_runs
			 WHERE job_type = ? AND status = 'running' AND completed_at IS NULL`,
			string(req.JobType),
		).Scan(&existingID, &startedAt)

		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to query running run: %w", err)
		case startedAt >= toMillis(req.StaleBefore):
			result.ExistingRunID = existingID
			return nil
		default:
			now := toMillis(req.StartedAt)
			if _, err := tx.ExecContext(ctx,
				`UPDATE batch_runs
				 SET status = 'failed', completed_at = ?, duration_ms = ? - started_at, error_message = ?
				 WHERE id = ? AND status = 'running'`,
				now, now, batch.StaleRunMessage, existingID,
			); err != nil {
				return fmt.Errorf("failed to fail stale run %d: %w", existingID, err)
			}
			result.ReapedRunID = existingID
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO batch_runs (job_type, status, is_manual, owner, started_at)
			 VALUES (?, 'running', ?, ?, ?)`,
			string(req.JobType), boolInt(req.IsManual), req.Owner, toMillis(req.StartedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		result.Acquired = true
		result.Run = &batch.Run{
			ID:        id,
			JobType:   req.JobType,
			Status:    batch.StatusRunning,
			IsManual:  req.IsManual,
			Owner:     req.Owner,
			StartedAt: fromMillis(toMillis(req.StartedAt)),
		}
		return nil
	})
	if err != nil {
		return batch.AcquireResult{}, err
	}
	return result, nil
}

// FinishRun performs the terminal transition. It returns batch.ErrRunNotActive
// if the run is no longer running or belongs to another owner.
func (s *Store) FinishRun(ctx context.Context, id int64, owner string, outcome batch.Outcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("invalid terminal status %q", outcome.Status)
	}

	return s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		completed := toMillis(outcome.CompletedAt)
		res, err := tx.ExecContext(ctx,
			`UPDATE batch_runs
			 SET status = ?, completed_at = ?, duration_ms = ? - started_at,
			     checked_count = ?, updated_count = ?, error_message = NULLIF(?, ''), log_text = ?
			 WHERE id = ? AND owner = ? AND status = 'running' AND completed_at IS NULL`,
			string(outcome.Status), completed, completed,
			outcome.CheckedCount, outcome.UpdatedCount, outcome.ErrorMessage, outcome.LogText,
			id, owner,
		)
		if err != nil {
			return fmt.Errorf("failed to finish run %d: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return batch.ErrRunNotActive
		}
		return nil
	})
}

// FailStaleRuns fails every running row started before olderThan
func (s *Store) FailStaleRuns(ctx context.Context, olderThan time.Time, message string, now time.Time) ([]int64, error) {
	var ids []int64

	err := s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		ids = nil
		rows, err := tx.QueryContext(ctx,
			`UPDATE batch_runs
			 SET status = 'failed', completed_at = ?, duration_ms = ? - started_at, error_message = ?
			 WHERE status = 'running' AND completed_at IS NULL AND started_at < ?
			 RETURNING id`,
			toMillis(now), toMillis(now), message, toMillis(olderThan),
		)
		if err != nil {
			return fmt.Errorf("failed to fail stale runs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetRun returns the run with id or ErrNotFound
func (s *Store) GetRun(ctx context.Context, id int64) (*batch.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM batch_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// LatestRun returns the most recent run of jobType, or of any type when empty
func (s *Store) LatestRun(ctx context.Context, jobType batch.JobType) (*batch.Run, error) {
	var row *sql.Row
	if jobType == "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM batch_runs ORDER BY started_at DESC, id DESC LIMIT 1`)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM batch_runs WHERE job_type = ? ORDER BY started_at DESC, id DESC LIMIT 1`,
			string(jobType))
	}

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// LatestRunsByJobType returns the most recent run of each job type
func (s *Store) LatestRunsByJobType(ctx context.Context) (map[batch.JobType]batch.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM batch_runs b
		 WHERE id = (
		     SELECT id FROM batch_runs
		     WHERE job_type = b.job_type
		     ORDER BY started_at DESC, id DESC LIMIT 1
		 )`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest runs: %w", err)
	}
	defer rows.Close()

	latest := make(map[batch.JobType]batch.Run)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		latest[run.JobType] = *run
	}
	return latest, rows.Err()
}

// RecentRuns returns up to limit runs, newest first
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]batch.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM batch_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent runs: %w", err)
	}
	defer rows.Close()

	var runs []batch.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// PruneRuns deletes terminal runs started before olderThan
func (s *Store) PruneRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	var deleted int64
	err := s.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM batch_runs WHERE status != 'running' AND started_at < ?`, toMillis(olderThan))
		if err != nil {
			return fmt.Errorf("failed to prune runs: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*batch.Run, error) {
	var (
		run         batch.Run
		jobType     string
		status      string
		isManual    int
		startedAt   int64
		completedAt sql.NullInt64
		durationMs  sql.NullInt64
	)
	if err := row.Scan(&run.ID, &jobType, &status, &isManual, &run.Owner, &startedAt,
		&completedAt, &durationMs, &run.CheckedCount, &run.UpdatedCount, &run.ErrorMessage, &run.LogText); err != nil {
		return nil, err
	}

	run.JobType = batch.JobType(jobType)
	run.Status = batch.RunStatus(status)
	run.IsManual = isManual != 0
	run.StartedAt = fromMillis(startedAt)
	run.CompletedAt = timePtr(completedAt)
	if durationMs.Valid {
		d := durationMs.Int64
		run.DurationMs = &d
	}
	return &run, nil
}
