package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

const defaultMaxAttempts = 3

// jobTime formats queue timestamps. Second precision in UTC keeps run_after
// comparable as text.
func jobTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// retryBackoff is the delay before attempt n+1 after n failed attempts.
func retryBackoff(attempts int) time.Duration {
	return time.Duration(1<<attempts) * time.Second
}

// EnqueueJob inserts a pending job. MaxAttempts defaults to 3. A job whose
// type and payload match one that is already pending is dropped, so repeated
// index failures for the same record queue a single retry.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := time.Now()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		SELECT ?, ?, ?, 'pending', 0, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM jobs WHERE status = 'pending' AND type = ? AND payload_json = ?
		)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, jobTime(runAfter), jobTime(now), jobTime(now),
		job.Type, job.PayloadJSON,
	)
	if err != nil {
		return fmt.Errorf("enqueueing %s job: %w", job.Type, err)
	}
	return nil
}

// ClaimNextJob atomically moves the oldest runnable job of one of the given
// types to running and returns it. It returns nil when nothing is ready.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := jobTime(time.Now())
	args := make([]any, 0, len(types)+2)
	args = append(args, now, now)
	for _, t := range types {
		args = append(args, t)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'running', updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= ? AND type IN (?`+strings.Repeat(",?", len(types)-1)+`)
			ORDER BY run_after ASC, created_at ASC
			LIMIT 1
		)
		RETURNING id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`,
		args...,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return j, nil
}

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	if err := row.Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	); err != nil {
		return nil, err
	}
	j.LastError = lastError.String
	var err error
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, jobTime(time.Now()), id)
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

// FailJob records a failed attempt. The job returns to pending after a
// backoff of 2^attempts seconds until it runs out of attempts.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now()
	attempts++
	status, runAfter := JobPending, now.Add(retryBackoff(attempts))
	if attempts >= maxAttempts {
		status, runAfter = JobFailed, now
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ?
		WHERE id = ?`,
		status, attempts, errMsg, jobTime(runAfter), jobTime(now), id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// RequeueStaleJobs returns jobs left running for longer than olderThan to
// pending. Jobs are only running between claim and completion, so a stale
// running job belongs to a worker that died mid-job.
func (s *Store) RequeueStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', run_after = ?, updated_at = ?
		WHERE status = 'running' AND updated_at <= ?`,
		jobTime(now), jobTime(now), jobTime(now.Add(-olderThan)),
	)
	if err != nil {
		return 0, fmt.Errorf("requeueing stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// JobCounts returns the number of jobs per status.
func (s *Store) JobCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
