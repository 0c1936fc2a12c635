package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidObservation is returned when an observation fails validation.
var ErrInvalidObservation = errors.New("storage: invalid observation")

// AppendObservations adds a batch of observations to a record. Appends for
// the same record are serialized; the record's keyword index row is rebuilt
// in the same transaction so searches see the new text immediately.
func (s *Store) AppendObservations(ctx context.Context, id string, obs []Observation) error {
	if len(obs) == 0 {
		return nil
	}
	for _, o := range obs {
		if !ValidCategory(o.Category) {
			return fmt.Errorf("%w: unknown category %q", ErrInvalidObservation, o.Category)
		}
		if o.Importance < 1 || o.Importance > 10 {
			return fmt.Errorf("%w: importance %d outside 1-10", ErrInvalidObservation, o.Importance)
		}
		if strings.TrimSpace(o.Content) == "" {
			return fmt.Errorf("%w: empty content", ErrInvalidObservation)
		}
	}

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning append: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM orchestrations WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking record %s: %w", id, err)
	}
	if exists == 0 {
		s.appendLocks.Delete(id)
		return ErrNotFound
	}

	now := time.Now().UTC()
	for _, o := range obs {
		if o.ID == "" {
			o.ID = uuid.NewString()
		}
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		tags, err := json.Marshal(o.Tags)
		if err != nil {
			return fmt.Errorf("encoding tags: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO observations (id, orchestration_id, category, content, tags, importance, agent, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, id, o.Category, o.Content, string(tags), o.Importance, o.Agent, o.Source, formatTime(o.CreatedAt),
		); err != nil {
			return fmt.Errorf("inserting observation: %w", err)
		}
	}

	text, err := observationText(ctx, tx, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE orchestrations_fts SET observations = ? WHERE record_id = ?`, text, id,
	); err != nil {
		return fmt.Errorf("updating keyword index: %w", err)
	}

	return tx.Commit()
}

func (s *Store) lockFor(id string) *sync.Mutex {
	mu, _ := s.appendLocks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// observationText concatenates the content and tags of every observation
// attached to a record.
func observationText(ctx context.Context, q querier, id string) (string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT content, tags FROM observations WHERE orchestration_id = ? ORDER BY created_at, id`, id)
	if err != nil {
		return "", fmt.Errorf("reading observations: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var content, tagsJSON string
		if err := rows.Scan(&content, &tagsJSON); err != nil {
			return "", err
		}
		var tags []string
		_ = json.Unmarshal([]byte(tagsJSON), &tags)
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(content)
		if len(tags) > 0 {
			b.WriteString(" ")
			b.WriteString(strings.Join(tags, " "))
		}
	}
	return b.String(), rows.Err()
}

// ListObservations returns a record's observations, most important first.
func (s *Store) ListObservations(ctx context.Context, id string) ([]Observation, error) {
	all, err := s.ObservationsFor(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	return all[id], nil
}

// ObservationsFor loads observations for several records at once, each list
// ordered by importance descending, then creation time.
func (s *Store) ObservationsFor(ctx context.Context, ids []string) (map[string][]Observation, error) {
	result := make(map[string][]Observation, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	placeholders, args := inList(ids)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, orchestration_id, category, content, tags, importance, agent, source, created_at
		FROM observations WHERE orchestration_id IN (`+placeholders+`)
		ORDER BY importance DESC, created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var o Observation
		var tags, created string
		if err := rows.Scan(&o.ID, &o.OrchestrationID, &o.Category, &o.Content, &tags,
			&o.Importance, &o.Agent, &o.Source, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &o.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags for observation %s: %w", o.ID, err)
		}
		t, err := parseTime(created)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for observation %s: %w", o.ID, err)
		}
		o.CreatedAt = t
		result[o.OrchestrationID] = append(result[o.OrchestrationID], o)
	}
	return result, rows.Err()
}
