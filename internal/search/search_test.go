package search

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/orchmem/internal/similarity"
	"github.com/kalambet/orchmem/internal/storage"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeStore struct {
	hits  []storage.KeywordHit
	ends  map[string]time.Time
	err   error
	delay time.Duration
}

func (f *fakeStore) SearchKeyword(ctx context.Context, _ string, _ storage.Filters, limit int) ([]storage.KeywordHit, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(f.hits) > limit {
		return f.hits[:limit], nil
	}
	return f.hits, nil
}

func (f *fakeStore) EndTimes(_ context.Context, ids []string) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	for _, id := range ids {
		if t, ok := f.ends[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

type fakeIndex struct {
	hits  []similarity.Hit
	err   error
	delay time.Duration
}

func (f *fakeIndex) Search(ctx context.Context, _ string, _ storage.Filters, limit int) ([]similarity.Hit, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", similarity.ErrUnavailable, ctx.Err())
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(f.hits) > limit {
		return f.hits[:limit], nil
	}
	return f.hits, nil
}

func ids(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

func TestBlend(t *testing.T) {
	assert.InDelta(t, 1.0, Blend(1, 1), 1e-9)
	assert.InDelta(t, 0.7, Blend(1, 0), 1e-9)
	assert.InDelta(t, 0.3, Blend(0, 1), 1e-9)
	assert.InDelta(t, 0.7*0.5+0.3*0.25, Blend(0.5, 0.25), 1e-9)
}

func TestNormalize(t *testing.T) {
	scores := []float64{4, 2, 3}
	got := normalize(len(scores), func(i int) float64 { return scores[i] })
	assert.Equal(t, []float64{1, 0, 0.5}, got)

	equal := []float64{0.4, 0.4}
	got = normalize(len(equal), func(i int) float64 { return equal[i] })
	assert.Equal(t, []float64{1, 1}, got)

	assert.Empty(t, normalize(0, nil))
}

func TestSearch_HybridBlend(t *testing.T) {
	store := &fakeStore{
		hits: []storage.KeywordHit{
			{ID: "both", Score: 8, EndedAt: base},
			{ID: "kw-only", Score: 4, EndedAt: base},
			{ID: "kw-low", Score: 2, EndedAt: base},
		},
		ends: map[string]time.Time{"sim-only": base},
	}
	index := &fakeIndex{hits: []similarity.Hit{
		{ID: "sim-only", Score: 0.9},
		{ID: "both", Score: 0.6},
		{ID: "sim-low", Score: 0.3},
	}}
	s := New(store, index, Options{})

	res, err := s.Search(context.Background(), "q", storage.Filters{}, 10)
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, res.Mode)
	assert.Empty(t, res.Degraded)

	scores := map[string]float64{}
	for _, h := range res.Hits {
		scores[h.ID] = h.Score
	}
	// kw normalized: both=1, kw-only=1/3, kw-low=0; sim: sim-only=1, both=0.5, sim-low=0.
	assert.InDelta(t, 0.7*0.5+0.3*1, scores["both"], 1e-9)
	assert.InDelta(t, 0.7*1, scores["sim-only"], 1e-9)
	assert.InDelta(t, 0.3*(1.0/3), scores["kw-only"], 1e-9)
	assert.InDelta(t, 0.0, scores["kw-low"], 1e-9)
	assert.Equal(t, []string{"sim-only", "both", "kw-only"}, ids(res.Hits)[:3])
}

func TestSearch_TieBreaksByRecencyThenID(t *testing.T) {
	store := &fakeStore{
		hits: []storage.KeywordHit{
			{ID: "b", Score: 1, EndedAt: base},
			{ID: "a", Score: 1, EndedAt: base},
			{ID: "c", Score: 1, EndedAt: base.Add(time.Hour)},
		},
	}
	index := &fakeIndex{hits: []similarity.Hit{}}
	res, err := New(store, index, Options{}).Search(context.Background(), "q", storage.Filters{}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, ids(res.Hits))
}

func TestSearch_SimilarityUnavailableIsKeywordVerbatim(t *testing.T) {
	kw := []storage.KeywordHit{
		{ID: "x", Score: 5, EndedAt: base},
		{ID: "y", Score: 5, EndedAt: base.Add(time.Hour)},
		{ID: "z", Score: 1, EndedAt: base},
	}
	tests := []struct {
		name  string
		index VectorIndex
	}{
		{"error", &fakeIndex{err: similarity.ErrUnavailable}},
		{"timeout", &fakeIndex{delay: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(&fakeStore{hits: kw}, tt.index, Options{Timeout: 50 * time.Millisecond})
			res, err := s.Search(context.Background(), "q", storage.Filters{}, 10)
			require.NoError(t, err)
			assert.Equal(t, ModeKeyword, res.Mode)
			assert.Equal(t, []string{"x", "y", "z"}, ids(res.Hits))
			assert.Equal(t, 1.0, res.Hits[0].Score)
			assert.Equal(t, 0.0, res.Hits[2].Score)
			require.Len(t, res.Degraded, 1)
			assert.Contains(t, res.Degraded[0], "similarity")
		})
	}
}

func TestSearch_NoIndexIsKeywordWithoutDegradation(t *testing.T) {
	kw := []storage.KeywordHit{{ID: "x", Score: 3, EndedAt: base}, {ID: "y", Score: 1, EndedAt: base}}
	s := New(&fakeStore{hits: kw}, nil, Options{})

	res, err := s.Search(context.Background(), "q", storage.Filters{}, 10)
	require.NoError(t, err)
	assert.Equal(t, ModeKeyword, res.Mode)
	assert.Equal(t, []string{"x", "y"}, ids(res.Hits))
	assert.Empty(t, res.Degraded)

	s = New(&fakeStore{err: errors.New("database is locked")}, nil, Options{})
	res, err = s.Search(context.Background(), "q", storage.Filters{}, 10)
	require.NoError(t, err)
	assert.Equal(t, ModeNone, res.Mode)
}

func TestSearch_KeywordFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("database is locked")}
	index := &fakeIndex{hits: []similarity.Hit{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.1}}}

	res, err := New(store, index, Options{}).Search(context.Background(), "q", storage.Filters{}, 10)
	require.NoError(t, err)
	assert.Equal(t, ModeSimilarity, res.Mode)
	assert.Equal(t, []string{"a", "b"}, ids(res.Hits))
}

func TestSearch_BothFail(t *testing.T) {
	store := &fakeStore{err: errors.New("boom")}
	index := &fakeIndex{err: similarity.ErrUnavailable}

	res, err := New(store, index, Options{}).Search(context.Background(), "q", storage.Filters{}, 10)
	require.NoError(t, err)
	assert.Equal(t, ModeNone, res.Mode)
	assert.Empty(t, res.Hits)
	assert.Len(t, res.Degraded, 2)
}

func TestSearch_Limit(t *testing.T) {
	var kw []storage.KeywordHit
	for i := 0; i < 10; i++ {
		kw = append(kw, storage.KeywordHit{ID: fmt.Sprintf("r%d", i), Score: float64(10 - i), EndedAt: base})
	}
	res, err := New(&fakeStore{hits: kw}, &fakeIndex{}, Options{}).Search(context.Background(), "q", storage.Filters{}, 3)
	require.NoError(t, err)
	assert.Len(t, res.Hits, 3)
}

// failingEmbedder always errors so the breaker trips.
type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding provider down")
}

func TestSearch_OpenBreakerMatchesKeywordSearch(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	tasks := []string{
		"deploy the payment service",
		"review payment retries",
		"fix payment webhook bug",
		"write onboarding docs",
	}
	for i, task := range tasks {
		_, err := store.SaveRecord(ctx, storage.Record{
			ID:        fmt.Sprintf("rec-%d", i),
			Pattern:   "sequential",
			Agents:    []storage.Agent{{ID: "coder", Role: "implementer"}},
			Task:      task,
			Result:    "done: " + task,
			Success:   true,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			EndedAt:   base.Add(time.Duration(i)*time.Hour + time.Minute),
		})
		require.NoError(t, err)
	}

	br := similarity.NewBreaker(similarity.BreakerSettings{Failures: 1, Cooldown: time.Hour})
	index := similarity.NewIndex(similarity.NewSQLiteBackend(store.DB()), failingEmbedder{}, br, similarity.Options{})
	_, err = index.Search(ctx, "warm", storage.Filters{}, 1)
	require.Error(t, err)
	require.Equal(t, similarity.StateOpen, index.State())

	res, err := New(store, index, Options{}).Search(ctx, "payment", storage.Filters{}, 10)
	require.NoError(t, err)
	assert.Equal(t, ModeKeyword, res.Mode)

	kw, err := store.SearchKeyword(ctx, "payment", storage.Filters{}, 10)
	require.NoError(t, err)
	want := make([]string, len(kw))
	for i, h := range kw {
		want[i] = h.ID
	}
	assert.Equal(t, want, ids(res.Hits))
	assert.Len(t, res.Hits, 3)
}
