package similarity

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/kalambet/orchmem/internal/storage"
)

var _ Backend = (*ChromemBackend)(nil)

// chromemOverfetch widens queries whose agent or time filters are applied
// after chromem's exact-match where clause.
const chromemOverfetch = 4

// ChromemBackend is an embedded vector store backed by chromem-go. Pattern and
// success are matched by chromem's where clause; agent and time filters are
// applied to the returned candidates.
type ChromemBackend struct {
	col *chromem.Collection
}

// NewChromemBackend opens a chromem collection. An empty dir keeps the
// collection in memory only; otherwise it is persisted under dir.
func NewChromemBackend(dir, collection string) (*ChromemBackend, error) {
	var db *chromem.DB
	if dir == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db at %s: %w", dir, err)
		}
	}

	// No embedding func: vectors are always supplied by the caller.
	col, err := db.GetOrCreateCollection(collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &ChromemBackend{col: col}, nil
}

// Upsert adds the document; chromem replaces an existing document with the same ID.
func (c *ChromemBackend) Upsert(ctx context.Context, v Vector) error {
	doc := chromem.Document{
		ID:        v.ID,
		Content:   v.ID,
		Embedding: v.Embedding,
		Metadata: map[string]string{
			"pattern":    v.Meta.Pattern,
			"agents":     agentList(v.Meta.Agents),
			"success":    strconv.FormatBool(v.Meta.Success),
			"started_at": v.Meta.StartedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := c.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

func (c *ChromemBackend) Search(ctx context.Context, query []float32, f storage.Filters, limit int) ([]Hit, error) {
	if limit <= 0 || norm(query) == 0 {
		return nil, nil
	}

	where := map[string]string{}
	if f.Pattern != "" {
		where["pattern"] = f.Pattern
	}
	if f.Success != nil {
		where["success"] = strconv.FormatBool(*f.Success)
	}

	n := limit
	if f.AgentID != "" || !f.From.IsZero() || !f.To.IsZero() {
		n = limit * chromemOverfetch
	}
	// chromem-go requires nResults <= collection size.
	if count := c.col.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}
	if len(where) == 0 {
		where = nil
	}

	results, err := c.col.QueryEmbedding(ctx, query, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	hits := make([]Hit, 0, limit)
	for _, r := range results {
		if !chromemMatch(r.Metadata, f) {
			continue
		}
		hits = append(hits, Hit{ID: r.ID, Score: clampScore(float64(r.Similarity))})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

func chromemMatch(md map[string]string, f storage.Filters) bool {
	if f.AgentID != "" && !strings.Contains(md["agents"], ","+f.AgentID+",") {
		return false
	}
	if f.From.IsZero() && f.To.IsZero() {
		return true
	}
	started, err := time.Parse(time.RFC3339Nano, md["started_at"])
	if err != nil {
		return false
	}
	if !f.From.IsZero() && started.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && started.After(f.To) {
		return false
	}
	return true
}

func (c *ChromemBackend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("chromem delete: %w", err)
	}
	return nil
}

func (c *ChromemBackend) Count(_ context.Context) (int, error) {
	return c.col.Count(), nil
}
