package similarity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/orchmem/internal/storage"
)

// fakeEmbedder returns a fixed vector, an error, or blocks until ctx ends.
type fakeEmbedder struct {
	err   error
	block bool
	calls atomic.Int32
}

func (f *fakeEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

// memBackend is an in-memory Backend recording upserts.
type memBackend struct {
	mu      sync.Mutex
	vectors map[string]Vector
	hits    []Hit
}

func newMemBackend() *memBackend { return &memBackend{vectors: map[string]Vector{}} }

func (m *memBackend) Upsert(_ context.Context, v Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[v.ID] = v
	return nil
}

func (m *memBackend) Search(_ context.Context, _ []float32, _ storage.Filters, limit int) ([]Hit, error) {
	if len(m.hits) > limit {
		return m.hits[:limit], nil
	}
	return m.hits, nil
}

func (m *memBackend) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.vectors, id)
	}
	return nil
}

func (m *memBackend) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.vectors), nil
}

func TestIndex_NoBackendIsUnavailable(t *testing.T) {
	idx := NewIndex(nil, nil, nil, Options{})

	assert.False(t, idx.Enabled())
	assert.Equal(t, "disabled", idx.State())

	_, err := idx.Search(context.Background(), "q", storage.Filters{}, 5)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, idx.Index(context.Background(), "r1", "text", Meta{}), ErrUnavailable)

	// Fire-and-forget on a disabled index is a no-op.
	idx.IndexAsync("r1", "text", Meta{})
	idx.Wait()
}

func TestIndex_IndexAsyncUpserts(t *testing.T) {
	b := newMemBackend()
	idx := NewIndex(b, &fakeEmbedder{}, nil, Options{})

	idx.IndexAsync("r1", "text", Meta{Pattern: "parallel"})
	idx.IndexAsync("r1", "text again", Meta{Pattern: "parallel"})
	idx.Wait()

	n, err := idx.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "parallel", b.vectors["r1"].Meta.Pattern)
}

func TestIndex_IndexAsyncReportsFailure(t *testing.T) {
	var mu sync.Mutex
	var failed []string
	idx := NewIndex(newMemBackend(), &fakeEmbedder{err: errors.New("provider down")}, nil, Options{
		OnIndexFailure: func(id string, err error) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, id)
			assert.ErrorIs(t, err, ErrUnavailable)
		},
	})

	idx.IndexAsync("r1", "text", Meta{})
	idx.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"r1"}, failed)
}

func TestIndex_SearchPassesHits(t *testing.T) {
	b := newMemBackend()
	b.hits = []Hit{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.5}, {ID: "c", Score: 0.1}}
	idx := NewIndex(b, &fakeEmbedder{}, nil, Options{})

	hits, err := idx.Search(context.Background(), "q", storage.Filters{}, 2)
	require.NoError(t, err)
	assert.Equal(t, b.hits[:2], hits)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("boom")}
	br := NewBreaker(BreakerSettings{Failures: 3, Cooldown: time.Hour})
	idx := NewIndex(newMemBackend(), emb, br, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := idx.Search(ctx, "q", storage.Filters{}, 5)
		require.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, StateOpen, idx.State())

	// Open breaker fails fast without reaching the embedder.
	_, err := idx.Search(ctx, "q", storage.Filters{}, 5)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), emb.calls.Load())
}

func TestBreaker_SingleTimeoutOpens(t *testing.T) {
	var transitions []string
	br := NewBreaker(BreakerSettings{
		Failures: 3,
		Cooldown: time.Hour,
		OnStateChange: func(_, from, to string) {
			transitions = append(transitions, from+"->"+to)
		},
	})
	idx := NewIndex(newMemBackend(), &fakeEmbedder{block: true}, br, Options{CallTimeout: 10 * time.Millisecond})

	_, err := idx.Search(context.Background(), "q", storage.Filters{}, 5)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateOpen, idx.State())
	assert.Equal(t, []string{"closed->open"}, transitions)
}

func TestBreaker_HalfOpenTrialCloses(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("boom")}
	br := NewBreaker(BreakerSettings{Failures: 1, Cooldown: 20 * time.Millisecond})
	idx := NewIndex(newMemBackend(), emb, br, Options{})
	ctx := context.Background()

	_, err := idx.Search(ctx, "q", storage.Filters{}, 5)
	require.Error(t, err)
	require.Equal(t, StateOpen, idx.State())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, idx.State())

	emb.err = nil
	_, err = idx.Search(ctx, "q", storage.Filters{}, 5)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, idx.State())
}

func TestBreaker_CallerCancelDoesNotTrip(t *testing.T) {
	br := NewBreaker(BreakerSettings{Failures: 1, Cooldown: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := br.Do(ctx, 0, func(ctx context.Context) error { return ctx.Err() })
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, StateClosed, br.State())
}

func TestIndex_Reindex(t *testing.T) {
	b := newMemBackend()
	idx := NewIndex(b, NewHashEmbedder(32), nil, Options{})

	recs := make([]storage.Record, 20)
	for i := range recs {
		recs[i] = storage.Record{ID: string(rune('a' + i)), Pattern: "sequential", Task: "task"}
	}
	n, err := idx.Reindex(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Len(t, b.vectors, 20)
}

func TestTruncateUTF8(t *testing.T) {
	s := "héllo"
	assert.Equal(t, "h", truncateUTF8(s, 2))
	assert.Equal(t, "hé", truncateUTF8(s, 3))
	assert.Equal(t, s, truncateUTF8(s, 100))
}

func TestTruncateUTF8_InvalidByteBeforeCut(t *testing.T) {
	s := "ok \xff " + strings.Repeat("refactored the handler ", 1000)
	got := truncateUTF8(s, maxEmbedBytes)
	assert.Len(t, got, maxEmbedBytes)
	assert.Equal(t, s[:maxEmbedBytes], got)
}
