package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertUsageEntry appends a usage entry. An empty ID gets a new UUID and a
// zero RecordedAt becomes now.
func (s *Store) InsertUsageEntry(ctx context.Context, e UsageEntry) (UsageEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	breakdown, err := json.Marshal(e.AgentCosts)
	if err != nil {
		return UsageEntry{}, fmt.Errorf("encoding agent breakdown: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO usage_entries (id, orchestration_id, pattern, cost, tokens_in, tokens_out, tokens_cache, agent_breakdown, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrchestrationID, e.Pattern, e.Cost,
		e.Tokens.Input, e.Tokens.Output, e.Tokens.Cache, string(breakdown), formatTime(e.RecordedAt),
	)
	if err != nil {
		return UsageEntry{}, fmt.Errorf("inserting usage entry: %w", err)
	}
	return e, nil
}

// UsageEntries returns entries recorded in [from, to). Zero bounds are open.
// Success is joined from the matching orchestration when it exists.
func (s *Store) UsageEntries(ctx context.Context, from, to time.Time) ([]UsageEntry, error) {
	where, args := usageRange(from, to)
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.orchestration_id, u.pattern, u.cost, u.tokens_in, u.tokens_out, u.tokens_cache,
			u.agent_breakdown, u.recorded_at, o.success
		FROM usage_entries u
		LEFT JOIN orchestrations o ON o.id = u.orchestration_id
		WHERE 1=1`+where+`
		ORDER BY u.recorded_at ASC, u.id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage entries: %w", err)
	}
	defer rows.Close()

	var entries []UsageEntry
	for rows.Next() {
		var e UsageEntry
		var breakdown, recorded string
		var success sql.NullBool
		if err := rows.Scan(&e.ID, &e.OrchestrationID, &e.Pattern, &e.Cost,
			&e.Tokens.Input, &e.Tokens.Output, &e.Tokens.Cache, &breakdown, &recorded, &success); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(breakdown), &e.AgentCosts); err != nil {
			return nil, fmt.Errorf("decoding agent breakdown for %s: %w", e.ID, err)
		}
		t, err := parseTime(recorded)
		if err != nil {
			return nil, fmt.Errorf("parsing recorded_at for %s: %w", e.ID, err)
		}
		e.RecordedAt = t
		if success.Valid {
			ok := success.Bool
			e.Success = &ok
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SumUsageCost totals the cost of entries recorded in [from, to).
func (s *Store) SumUsageCost(ctx context.Context, from, to time.Time) (float64, error) {
	where, args := usageRange(from, to)
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(u.cost), 0) FROM usage_entries u WHERE 1=1`+where, args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing usage cost: %w", err)
	}
	return total, nil
}

func usageRange(from, to time.Time) (string, []any) {
	var where string
	var args []any
	if !from.IsZero() {
		where += " AND u.recorded_at >= ?"
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		where += " AND u.recorded_at < ?"
		args = append(args, formatTime(to))
	}
	return where, args
}
