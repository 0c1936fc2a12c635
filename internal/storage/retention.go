package storage

import (
	"context"
	"fmt"
	"time"
)

// PruneResult reports what a retention pass removed.
type PruneResult struct {
	RecordIDs    []string `json:"record_ids"`
	UsageEntries int64    `json:"usage_entries"`
	Jobs         int64    `json:"jobs"`
}

// PruneBefore deletes records that ended before cutoff together with their
// observations, agents, keyword rows and local embeddings, plus usage entries
// and finished jobs older than cutoff.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (PruneResult, error) {
	var res PruneResult
	c := formatTime(cutoff)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("beginning prune: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM orchestrations WHERE ended_at < ? ORDER BY id`, c)
	if err != nil {
		return res, fmt.Errorf("selecting expired records: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return res, err
		}
		res.RecordIDs = append(res.RecordIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, err
	}

	stmts := []string{
		`DELETE FROM orchestrations_fts WHERE record_id IN (SELECT id FROM orchestrations WHERE ended_at < ?)`,
		`DELETE FROM embeddings WHERE orchestration_id IN (SELECT id FROM orchestrations WHERE ended_at < ?)`,
		`DELETE FROM orchestrations WHERE ended_at < ?`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, c); err != nil {
			return res, fmt.Errorf("pruning records: %w", err)
		}
	}

	r, err := tx.ExecContext(ctx, `DELETE FROM usage_entries WHERE recorded_at < ?`, c)
	if err != nil {
		return res, fmt.Errorf("pruning usage entries: %w", err)
	}
	if res.UsageEntries, err = r.RowsAffected(); err != nil {
		return res, err
	}

	r, err = tx.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN ('completed', 'failed') AND updated_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return res, fmt.Errorf("pruning jobs: %w", err)
	}
	if res.Jobs, err = r.RowsAffected(); err != nil {
		return res, err
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("committing prune: %w", err)
	}
	for _, id := range res.RecordIDs {
		s.appendLocks.Delete(id)
	}
	return res, nil
}
