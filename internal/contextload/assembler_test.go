package contextload

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/orchmem/internal/search"
	"github.com/kalambet/orchmem/internal/storage"
)

type fakeSearcher struct {
	hits     []search.Hit
	mode     string
	degraded []string
	err      error
	calls    atomic.Int32
	delay    time.Duration
}

func (f *fakeSearcher) Search(_ context.Context, _ string, _ storage.Filters, limit int) (search.Result, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return search.Result{}, f.err
	}
	hits := f.hits
	if len(hits) > limit {
		hits = hits[:limit]
	}
	mode := f.mode
	if mode == "" {
		mode = search.ModeHybrid
	}
	return search.Result{Hits: hits, Mode: mode, Degraded: f.degraded}, nil
}

type fakeLoader struct {
	recs   map[string]storage.Record
	obs    map[string][]storage.Observation
	obsErr error
}

func (f *fakeLoader) GetRecords(_ context.Context, ids []string) (map[string]storage.Record, error) {
	out := map[string]storage.Record{}
	for _, id := range ids {
		if r, ok := f.recs[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (f *fakeLoader) ObservationsFor(_ context.Context, _ []string) (map[string][]storage.Observation, error) {
	return f.obs, f.obsErr
}

func fixture(n int, result string) (*fakeSearcher, *fakeLoader) {
	s := &fakeSearcher{}
	l := &fakeLoader{recs: map[string]storage.Record{}}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("rec-%02d", i)
		s.hits = append(s.hits, search.Hit{ID: id, Score: 1 - float64(i)/float64(n+1)})
		l.recs[id] = storage.Record{
			ID:      id,
			Pattern: "parallel",
			Agents:  []storage.Agent{{ID: "coder"}, {ID: "reviewer"}},
			Task:    fmt.Sprintf("task number %d", i),
			Result:  result,
			Success: i%2 == 0,
		}
	}
	return s, l
}

// fixedDetails makes every Layer-2 detail cost detail tokens and every index line 10.
func fixedDetails(detail int) Estimator {
	return func(s string) int {
		if strings.HasPrefix(s, "### ") {
			return detail
		}
		return 10
	}
}

func ids(p Payload) (details, index []string) {
	for _, d := range p.Details {
		details = append(details, d.ID)
	}
	for _, e := range p.Index {
		index = append(index, e.ID)
	}
	return details, index
}

func TestLoad_ExpandsWhilePoolAllows(t *testing.T) {
	s, l := fixture(3, "ok")
	a := New(s, l, Options{Estimator: fixedDetails(600)})

	p, err := a.Load(context.Background(), "new task", 2000, storage.Filters{})
	require.NoError(t, err)

	details, index := ids(p)
	assert.Equal(t, []string{"rec-00", "rec-01"}, details, "only the top two fit 1600 tokens")
	assert.Equal(t, []string{"rec-02"}, index)
	assert.Equal(t, 1200, p.Layer2Tokens)
	assert.Equal(t, p.Layer1Tokens+p.Layer2Tokens, p.TotalTokens)
}

func TestLoad_PoolNotLimitedByIndexReserve(t *testing.T) {
	// Budget 100: the 20-token reserve holds two index lines, the 80-token
	// pool holds four details.
	s, l := fixture(5, "ok")
	a := New(s, l, Options{Estimator: fixedDetails(20)})

	p, err := a.Load(context.Background(), "new task", 100, storage.Filters{})
	require.NoError(t, err)

	details, index := ids(p)
	assert.Equal(t, []string{"rec-00", "rec-01", "rec-02", "rec-03"}, details)
	assert.Equal(t, []string{"rec-04"}, index)
	assert.Equal(t, 80, p.Layer2Tokens)
	assert.Equal(t, 10, p.Layer1Tokens)
}

func TestLoad_LeftoverIndexLinesBoundedByReserve(t *testing.T) {
	// Nothing fits the pool, so every candidate competes for the 20-token reserve.
	s, l := fixture(5, "ok")
	a := New(s, l, Options{Estimator: fixedDetails(500)})

	p, err := a.Load(context.Background(), "new task", 100, storage.Filters{})
	require.NoError(t, err)

	details, index := ids(p)
	assert.Empty(t, details)
	assert.Equal(t, []string{"rec-00", "rec-01"}, index, "index keeps rank order")
	assert.Equal(t, 20, p.Layer1Tokens)
}

func TestLoad_StaysWithinBudget(t *testing.T) {
	long := strings.Repeat("the agent refactored the handler and added tests. ", 200)
	for _, budget := range []int{100, 500, 2000, 8000} {
		t.Run(fmt.Sprint(budget), func(t *testing.T) {
			s, l := fixture(25, long)
			a := New(s, l, Options{})

			p, err := a.Load(context.Background(), "refactor handler", budget, storage.Filters{})
			require.NoError(t, err)

			assert.LessOrEqual(t, float64(p.Layer2Tokens), 0.8*float64(budget))
			assert.LessOrEqual(t, float64(p.Layer1Tokens), 0.2*float64(budget))
			assert.LessOrEqual(t, p.TotalTokens, budget)
			assert.LessOrEqual(t, len(p.Details)+len(p.Index), 20)
			for _, d := range p.Details {
				assert.LessOrEqual(t, EstimateTokens(d.Excerpt), 500, "excerpt for %s", d.ID)
			}
		})
	}
}

func TestLoad_NoHistory(t *testing.T) {
	a := New(&fakeSearcher{}, &fakeLoader{}, Options{})

	p, err := a.Load(context.Background(), "anything", 0, storage.Filters{})
	require.NoError(t, err)
	assert.True(t, p.Empty(), "expected empty payload, got %+v", p)
	assert.Equal(t, 2000, p.Budget, "default budget")
	assert.Empty(t, p.Render())
}

func TestLoad_CachesByKey(t *testing.T) {
	s, l := fixture(2, "ok")
	a := New(s, l, Options{})
	ctx := context.Background()

	first, err := a.Load(ctx, "task", 1000, storage.Filters{})
	require.NoError(t, err)
	second, err := a.Load(ctx, "task", 1000, storage.Filters{})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.EqualValues(t, 1, s.calls.Load())

	_, err = a.Load(ctx, "task", 1500, storage.Filters{})
	require.NoError(t, err)
	_, err = a.Load(ctx, "task", 1000, storage.Filters{Pattern: "parallel"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, s.calls.Load(), "budget and filter changes miss the cache")
}

func TestLoad_CacheExpires(t *testing.T) {
	s, l := fixture(1, "ok")
	a := New(s, l, Options{CacheTTL: 20 * time.Millisecond})
	ctx := context.Background()

	a.Load(ctx, "task", 1000, storage.Filters{})
	time.Sleep(50 * time.Millisecond)
	a.Load(ctx, "task", 1000, storage.Filters{})

	assert.EqualValues(t, 2, s.calls.Load())
}

func TestLoad_SingleflightCollapsesConcurrentMisses(t *testing.T) {
	s, l := fixture(2, "ok")
	s.delay = 50 * time.Millisecond
	a := New(s, l, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Load(context.Background(), "same task", 1000, storage.Filters{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, s.calls.Load())
}

func TestLoad_DegradedNotCached(t *testing.T) {
	s, l := fixture(1, "ok")
	s.mode = search.ModeKeyword
	s.degraded = []string{"similarity search unavailable"}
	a := New(s, l, Options{})
	ctx := context.Background()

	p, err := a.Load(ctx, "task", 1000, storage.Filters{})
	require.NoError(t, err)
	assert.Equal(t, search.ModeKeyword, p.Mode)
	assert.Len(t, p.Degraded, 1)

	a.Load(ctx, "task", 1000, storage.Filters{})
	assert.EqualValues(t, 2, s.calls.Load())
}

func TestLoad_SearchError(t *testing.T) {
	a := New(&fakeSearcher{err: context.Canceled}, &fakeLoader{}, Options{})
	_, err := a.Load(context.Background(), "task", 1000, storage.Filters{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRender(t *testing.T) {
	s, l := fixture(3, "merged the fix")
	l.obs = map[string][]storage.Observation{
		"rec-00": {{Category: storage.CategoryDecision, Content: "chose parallel review", Agent: "reviewer"}},
	}
	a := New(s, l, Options{Estimator: fixedDetails(600)})

	p, err := a.Load(context.Background(), "task", 2000, storage.Filters{})
	require.NoError(t, err)

	out := p.Render()
	for _, want := range []string{
		"### rec-00 (parallel, succeeded",
		"- [decision] chose parallel review (reviewer)",
		"Result:\nmerged the fix",
		"## Other related orchestrations",
		"- rec-02 | parallel, succeeded: task number 2",
	} {
		assert.Contains(t, out, want)
	}
}

func TestTruncateTokens(t *testing.T) {
	text := strings.Repeat("abcd", 1000)
	got := truncateTokens(text, 500, EstimateTokens)
	assert.LessOrEqual(t, EstimateTokens(got), 500)
	assert.GreaterOrEqual(t, len(got), 1800, "truncated too aggressively")
	assert.Equal(t, "short", truncateTokens("short", 500, EstimateTokens))
}

func TestTruncateBytes(t *testing.T) {
	assert.Equal(t, "h", truncateBytes("hé", 2), "never splits a rune")

	// An invalid byte before the cut must not collapse the excerpt.
	text := "ok \xff " + strings.Repeat("refactored the handler ", 100)
	got := truncateBytes(text, 1000)
	assert.Equal(t, text[:1000], got)

	got = truncateTokens(text, 100, EstimateTokens)
	assert.Greater(t, len(got), 300)
}
