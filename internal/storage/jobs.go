package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"
)

type jobRow struct {
	ID          string         `db:"id"`
	Type        string         `db:"type"`
	PayloadJSON string         `db:"payload_json"`
	Status      string         `db:"status"`
	Attempts    int            `db:"attempts"`
	MaxAttempts int            `db:"max_attempts"`
	RunAfter    string         `db:"run_after"`
	CreatedAt   string         `db:"created_at"`
	UpdatedAt   string         `db:"updated_at"`
	LastError   sql.NullString `db:"last_error"`
}

var jobColumns = []string{
	"id", "type", "payload_json", "status", "attempts", "max_attempts",
	"run_after", "created_at", "updated_at", "last_error",
}

func (r jobRow) toJob() (Job, error) {
	j := Job{
		ID:          r.ID,
		Type:        r.Type,
		PayloadJSON: r.PayloadJSON,
		Status:      r.Status,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		LastError:   r.LastError.String,
	}
	var err error
	if j.RunAfter, err = parseTime(r.RunAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", r.ID, err)
	}
	if j.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", r.ID, err)
	}
	if j.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", r.ID, err)
	}
	return j, nil
}

func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := formatTime(time.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = formatTime(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	return s.retry(ctx, "enqueue job", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
			VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
			job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
		)
		return err
	})
}

// ClaimNextJob marks the oldest runnable job of one of types as running and
// returns it. It returns nil when nothing is runnable.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := formatTime(time.Now())

	query, args, err := sq.Select(jobColumns...).
		From("jobs").
		Where(sq.Eq{"status": JobPending, "type": types}).
		Where(sq.LtOrEq{"run_after": now}).
		OrderBy("run_after ASC", "created_at ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building claim query: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var row jobRow
	err = tx.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, row.ID)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	row.Status = JobRunning
	j, err := row.toJob()
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is rescheduled with exponential
// backoff until it reaches max_attempts, after which it stays failed.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var counts struct {
		Attempts    int `db:"attempts"`
		MaxAttempts int `db:"max_attempts"`
	}
	err = tx.GetContext(ctx, &counts, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts := counts.Attempts + 1
	if attempts >= counts.MaxAttempts {
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now), id)
	} else {
		delay := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now.Add(delay)), formatTime(now), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	query, args, err := sq.Select(jobColumns...).From("jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Job{}, err
	}
	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	return row.toJob()
}

// CountJobs counts jobs of jobType that are pending or running.
func (s *Store) CountJobs(ctx context.Context, jobType string) (int, error) {
	query, args, err := sq.Select("COUNT(*)").
		From("jobs").
		Where(sq.Eq{"type": jobType, "status": []string{JobPending, JobRunning}}).
		ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	err = s.retry(ctx, "count jobs", func() error {
		return s.db.GetContext(ctx, &n, query, args...)
	})
	return n, err
}
