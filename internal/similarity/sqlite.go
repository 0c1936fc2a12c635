package similarity

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kalambet/orchmem/internal/storage"
)

// Compile-time check that SQLiteBackend implements Backend.
var _ Backend = (*SQLiteBackend)(nil)

// SQLiteBackend keeps vectors in the embeddings table of the record database
// and answers queries with a brute-force cosine scan. Metadata filters are
// applied in SQL before scoring.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend wraps an existing *sql.DB. The embeddings table must
// already exist (created via storage migrations).
func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

func (s *SQLiteBackend) Upsert(ctx context.Context, v Vector) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (orchestration_id, vector, pattern, agents, success, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(orchestration_id) DO UPDATE SET
			vector = excluded.vector,
			pattern = excluded.pattern,
			agents = excluded.agents,
			success = excluded.success,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at`,
		v.ID, encodeFloat32s(v.Embedding), v.Meta.Pattern, agentList(v.Meta.Agents), v.Meta.Success,
		formatStarted(v.Meta.StartedAt), now,
	)
	if err != nil {
		return fmt.Errorf("upserting embedding %s: %w", v.ID, err)
	}
	return nil
}

// startedLayout is fixed-width so started_at compares lexically.
const startedLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatStarted(t time.Time) string {
	return t.UTC().Format(startedLayout)
}

// agentList renders agent ids as ",a,b," so a single id can be matched with LIKE.
func agentList(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return "," + strings.Join(ids, ",") + ","
}

// idScore holds the ID and score during the scan phase of Search.
type idScore struct {
	ID    string
	Score float32
}

// Search performs brute-force cosine similarity over every vector passing the
// filters and returns the top limit hits.
func (s *SQLiteBackend) Search(ctx context.Context, query []float32, f storage.Filters, limit int) ([]Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	queryNorm := norm(query)
	if queryNorm == 0 {
		return nil, nil
	}

	q := `SELECT orchestration_id, vector FROM embeddings WHERE 1=1`
	var args []any
	if f.Pattern != "" {
		q += ` AND pattern = ?`
		args = append(args, f.Pattern)
	}
	if f.Success != nil {
		q += ` AND success = ?`
		args = append(args, *f.Success)
	}
	if f.AgentID != "" {
		q += ` AND agents LIKE ?`
		args = append(args, "%,"+f.AgentID+",%")
	}
	if !f.From.IsZero() {
		q += ` AND started_at >= ?`
		args = append(args, formatStarted(f.From))
	}
	if !f.To.IsZero() {
		q += ` AND started_at <= ?`
		args = append(args, formatStarted(f.To))
	}

	rows, err := s.db.QueryContext(ctx, q+` ORDER BY orchestration_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := dotProduct(query, buf, queryNorm)
		if h.Len() < limit {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	hits := make([]Hit, h.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		hits[i] = Hit{ID: item.ID, Score: clampScore(float64(item.Score))}
	}
	return hits, nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM embeddings WHERE orchestration_id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return fmt.Errorf("deleting embeddings: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n)
	return n, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score, then reverse ID so
// equal scores keep the lexically smaller id.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int { return len(h) }
func (h idScoreHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].ID > h[j].ID
}
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
