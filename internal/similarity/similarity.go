// Package similarity provides semantic nearest-neighbour search over
// orchestration records. Every backend call passes through a circuit breaker
// so callers can fall back to keyword search while the backend is unhealthy.
package similarity

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/orchmem/internal/storage"
)

// ErrUnavailable means the similarity backend cannot serve the call: the
// breaker is open, the call timed out or failed, or no backend is configured.
var ErrUnavailable = errors.New("similarity: unavailable")

// Meta is the subset of a record kept next to its vector for filtering.
type Meta struct {
	Pattern   string
	Agents    []string
	Success   bool
	StartedAt time.Time
}

// MetaFor extracts filter metadata from a record.
func MetaFor(r storage.Record) Meta {
	return Meta{
		Pattern:   r.Pattern,
		Agents:    r.AgentIDs(),
		Success:   r.Success,
		StartedAt: r.StartedAt,
	}
}

// Vector is one record embedding. Backends keep at most one per ID.
type Vector struct {
	ID        string
	Embedding []float32
	Meta      Meta
}

// Hit is a search result with cosine similarity clamped to [0,1].
type Hit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Backend stores vectors and answers nearest-neighbour queries.
type Backend interface {
	// Upsert replaces any existing vector with the same ID.
	Upsert(ctx context.Context, v Vector) error
	// Search returns at most limit hits ordered by descending score.
	Search(ctx context.Context, query []float32, f storage.Filters, limit int) ([]Hit, error)
	Delete(ctx context.Context, ids []string) error
	Count(ctx context.Context) (int, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedText is the text embedded for a record: the task, result and notes.
func EmbedText(r storage.Record) string {
	text := r.Pattern + "\n" + r.Task
	if r.Result != "" {
		text += "\n" + r.Result
	}
	if r.Notes != "" {
		text += "\n" + r.Notes
	}
	return text
}

func clampScore(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
