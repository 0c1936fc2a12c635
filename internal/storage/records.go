package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const recordColumns = `o.id, o.pattern, o.agents, o.task, o.parameters, o.result, o.agent_outputs,
	o.success, o.tokens_in, o.tokens_out, o.tokens_cache, o.cost, o.started_at, o.ended_at, o.notes`

// SaveRecord persists a completed orchestration and indexes it for keyword
// search in the same transaction. An empty ID is replaced with a new UUID.
func (s *Store) SaveRecord(ctx context.Context, r Record) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Pattern == "" {
		return "", fmt.Errorf("saving record %s: pattern is required", r.ID)
	}

	agents, err := json.Marshal(r.Agents)
	if err != nil {
		return "", fmt.Errorf("encoding agents: %w", err)
	}
	params, err := json.Marshal(r.Parameters)
	if err != nil {
		return "", fmt.Errorf("encoding parameters: %w", err)
	}
	outputs, err := json.Marshal(r.AgentOutputs)
	if err != nil {
		return "", fmt.Errorf("encoding agent outputs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: beginning save: %w", ErrStorage, err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM orchestrations WHERE id = ?`, r.ID).Scan(&exists); err != nil {
		return "", fmt.Errorf("%w: checking id: %w", ErrStorage, err)
	}
	if exists > 0 {
		return "", fmt.Errorf("saving record %s: %w", r.ID, ErrDuplicateID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orchestrations (id, pattern, agents, task, parameters, result, agent_outputs,
			success, tokens_in, tokens_out, tokens_cache, cost, started_at, ended_at, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Pattern, string(agents), r.Task, string(params), r.Result, string(outputs),
		r.Success, r.Tokens.Input, r.Tokens.Output, r.Tokens.Cache, r.Cost,
		formatTime(r.StartedAt), formatTime(r.EndedAt), r.Notes,
	)
	if err != nil {
		return "", fmt.Errorf("%w: inserting record: %w", ErrStorage, err)
	}

	for i, a := range r.Agents {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO orchestration_agents (orchestration_id, position, agent_id, role) VALUES (?, ?, ?, ?)`,
			r.ID, i, a.ID, a.Role,
		); err != nil {
			return "", fmt.Errorf("%w: inserting agent %s: %w", ErrStorage, a.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orchestrations_fts (record_id, task, result, notes, observations) VALUES (?, ?, ?, ?, '')`,
		r.ID, r.Task, searchableResult(r), r.Notes,
	); err != nil {
		return "", fmt.Errorf("%w: indexing record: %w", ErrStorage, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: committing save: %w", ErrStorage, err)
	}
	return r.ID, nil
}

// searchableResult is the result text plus every agent output.
func searchableResult(r Record) string {
	if len(r.AgentOutputs) == 0 {
		return r.Result
	}
	var b strings.Builder
	b.WriteString(r.Result)
	for _, o := range r.AgentOutputs {
		b.WriteString("\n")
		b.WriteString(o.Output)
	}
	return b.String()
}

func (s *Store) GetRecord(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM orchestrations o WHERE o.id = ?`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

// GetRecords loads the records with the given ids. Unknown ids are absent
// from the result.
func (s *Store) GetRecords(ctx context.Context, ids []string) (map[string]Record, error) {
	result := make(map[string]Record, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	placeholders, args := inList(ids)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM orchestrations o WHERE o.id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result[r.ID] = r
	}
	return result, rows.Err()
}

// ListRecords returns records matching the filters, most recent first.
func (s *Store) ListRecords(ctx context.Context, f Filters, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	where, args := filterClause(f)
	query := `SELECT ` + recordColumns + ` FROM orchestrations o WHERE 1=1` + where +
		` ORDER BY o.started_at DESC, o.id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CountRecords returns the number of stored orchestrations.
func (s *Store) CountRecords(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orchestrations`).Scan(&n)
	return n, err
}

// EndTimes returns ended_at for each known id.
func (s *Store) EndTimes(ctx context.Context, ids []string) (map[string]time.Time, error) {
	result := make(map[string]time.Time, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	placeholders, args := inList(ids)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ended_at FROM orchestrations WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, ended string
		if err := rows.Scan(&id, &ended); err != nil {
			return nil, err
		}
		t, err := parseTime(ended)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at for %s: %w", id, err)
		}
		result[id] = t
	}
	return result, rows.Err()
}

// SearchKeyword ranks records by BM25 relevance over task, result, notes and
// observation text. Ties fall back to the most recently ended record, then id.
// A query with no searchable terms returns no hits.
func (s *Store) SearchKeyword(ctx context.Context, query string, f Filters, limit int) ([]KeywordHit, error) {
	match := matchExpr(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	where, args := filterClause(f)
	q := `SELECT o.id, -bm25(orchestrations_fts, 0.0, 2.0, 1.0, 1.0, 1.5) AS score, o.ended_at
		FROM orchestrations_fts
		JOIN orchestrations o ON o.id = orchestrations_fts.record_id
		WHERE orchestrations_fts MATCH ?` + where + `
		ORDER BY score DESC, o.ended_at DESC, o.id ASC
		LIMIT ?`
	args = append([]any{match}, args...)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		var h KeywordHit
		var ended string
		if err := rows.Scan(&h.ID, &h.Score, &ended); err != nil {
			return nil, fmt.Errorf("scanning keyword hit: %w", err)
		}
		if h.EndedAt, err = parseTime(ended); err != nil {
			return nil, fmt.Errorf("parsing ended_at for %s: %w", h.ID, err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// maxQueryTerms bounds the size of the generated MATCH expression.
const maxQueryTerms = 32

// matchExpr turns free text into an FTS5 expression that ORs quoted terms,
// so user input can never inject FTS5 syntax.
func matchExpr(query string) string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, `"`+f+`"`)
		if len(terms) == maxQueryTerms {
			break
		}
	}
	return strings.Join(terms, " OR ")
}

// filterClause renders filters as " AND ..." conditions on alias o.
func filterClause(f Filters) (string, []any) {
	var b strings.Builder
	var args []any
	if f.Pattern != "" {
		b.WriteString(" AND o.pattern = ?")
		args = append(args, f.Pattern)
	}
	if f.Success != nil {
		b.WriteString(" AND o.success = ?")
		args = append(args, *f.Success)
	}
	if !f.From.IsZero() {
		b.WriteString(" AND o.started_at >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		b.WriteString(" AND o.started_at <= ?")
		args = append(args, formatTime(f.To))
	}
	if f.AgentID != "" {
		b.WriteString(" AND EXISTS (SELECT 1 FROM orchestration_agents a WHERE a.orchestration_id = o.id AND a.agent_id = ?)")
		args = append(args, f.AgentID)
	}
	return b.String(), args
}

func inList(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return "?" + strings.Repeat(",?", len(ids)-1), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	var agents, params, outputs, started, ended string
	if err := row.Scan(
		&r.ID, &r.Pattern, &agents, &r.Task, &params, &r.Result, &outputs,
		&r.Success, &r.Tokens.Input, &r.Tokens.Output, &r.Tokens.Cache, &r.Cost,
		&started, &ended, &r.Notes,
	); err != nil {
		return Record{}, err
	}

	if err := json.Unmarshal([]byte(agents), &r.Agents); err != nil {
		return Record{}, fmt.Errorf("decoding agents for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(params), &r.Parameters); err != nil {
		return Record{}, fmt.Errorf("decoding parameters for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(outputs), &r.AgentOutputs); err != nil {
		return Record{}, fmt.Errorf("decoding agent outputs for %s: %w", r.ID, err)
	}

	var err error
	if r.StartedAt, err = parseTime(started); err != nil {
		return Record{}, fmt.Errorf("parsing started_at for %s: %w", r.ID, err)
	}
	if r.EndedAt, err = parseTime(ended); err != nil {
		return Record{}, fmt.Errorf("parsing ended_at for %s: %w", r.ID, err)
	}
	return r, nil
}
