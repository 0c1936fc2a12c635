package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/orchmem/internal/config"
	"github.com/kalambet/orchmem/internal/search"
	"github.com/kalambet/orchmem/internal/similarity"
	"github.com/kalambet/orchmem/internal/storage"
	"github.com/kalambet/orchmem/internal/usage"
	"github.com/kalambet/orchmem/internal/worker"
)

var now = time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Storage.DBPath = ":memory:"
	cfg.Vector.Embedder = "hash"
	cfg.Vector.Dims = 64
	cfg.Usage.DailyBudget = 10
	cfg.Usage.MonthlyBudget = 100
	return cfg
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err, "Open(:memory:)")
	t.Cleanup(func() { s.Close() })
	return s
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding provider down")
}

func newTestService(t *testing.T, cfg config.Config, emb similarity.Embedder) *Service {
	t.Helper()
	store := openTestStore(t)
	if emb == nil {
		emb = similarity.NewHashEmbedder(cfg.Vector.Dims)
	}
	svc, err := New(context.Background(), cfg, Deps{
		Store:    store,
		Backend:  similarity.NewSQLiteBackend(store.DB()),
		Embedder: emb,
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func record(task, result string, success bool, cost float64, ended time.Time) storage.Record {
	return storage.Record{
		Pattern: "parallel",
		Agents: []storage.Agent{
			{ID: "researcher", Role: "research"},
			{ID: "writer", Role: "write"},
		},
		Task:      task,
		Result:    result,
		Success:   success,
		Cost:      cost,
		Tokens:    storage.TokenUsage{Input: 1000, Output: 200},
		StartedAt: ended.Add(-2 * time.Minute),
		EndedAt:   ended,
	}
}

func TestService_DisabledIsInert(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.Enabled = false
	svc, err := New(context.Background(), cfg, Deps{})
	require.NoError(t, err)
	ctx := context.Background()

	id, err := svc.Save(ctx, record("anything", "", true, 1, now))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = svc.Get(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	res, err := svc.HybridSearch(ctx, "anything", storage.Filters{}, 5)
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
	assert.Empty(t, svc.RecommendPattern(ctx, "anything"))

	st := svc.UsageStatus(ctx)
	assert.Equal(t, usage.AlertNone, st.AlertLevel)
	assert.Zero(t, st.DailySpend)
	assert.False(t, svc.Health(ctx).Enabled)
	assert.NoError(t, svc.Close())
}

func TestService_SaveFansOut(t *testing.T) {
	svc := newTestService(t, testConfig(), nil)
	ctx := context.Background()

	id, err := svc.Save(ctx, record("compare vector databases for retrieval", "We decided to use qdrant for production.", true, 2, now))
	require.NoError(t, err)
	svc.index.Wait()

	got, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "compare vector databases for retrieval", got.Task)

	n, err := svc.index.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	counts, err := svc.Store().JobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["pending"], "extraction job queued")

	st := svc.UsageStatus(ctx)
	assert.Equal(t, 2.0, st.DailySpend)
	assert.Equal(t, 2.0, st.MonthlySpend)

	rows, err := svc.UsageReport(ctx, usage.PeriodDay, usage.GroupByAgent)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1.0, rows[0].Cost, "even split of 2")
	assert.Equal(t, 1.0, rows[1].Cost)
}

func TestService_HybridSearchAndContext(t *testing.T) {
	svc := newTestService(t, testConfig(), nil)
	ctx := context.Background()

	for _, r := range []storage.Record{
		record("research vector databases", "qdrant and chromem compared", true, 0.5, now.Add(-time.Hour)),
		record("write release notes", "notes drafted", true, 0.5, now.Add(-2*time.Hour)),
	} {
		_, err := svc.Save(ctx, r)
		require.NoError(t, err)
	}
	svc.index.Wait()

	res, err := svc.HybridSearch(ctx, "vector databases", storage.Filters{}, 5)
	require.NoError(t, err)
	assert.Equal(t, search.ModeHybrid, res.Mode, "degraded: %v", res.Degraded)
	require.NotEmpty(t, res.Hits)

	kw := svc.SearchKeyword(ctx, "vector", storage.Filters{}, 5)
	assert.Equal(t, search.ModeKeyword, kw.Mode)
	require.Len(t, kw.Hits, 1)
	assert.Equal(t, kw.Hits[0].ID, res.Hits[0].ID, "top hybrid hit matches the keyword hit")

	p, err := svc.LoadContext(ctx, "vector databases", 0, storage.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 2000, p.Budget, "configured default")
	assert.LessOrEqual(t, p.TotalTokens, p.Budget)
	assert.False(t, p.Empty())
}

func TestService_VectorDisabledIsKeywordOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Vector.Backend = "disabled"
	svc := newTestService(t, cfg, nil)
	ctx := context.Background()

	_, err := svc.Save(ctx, record("deploy the service", "deployed", true, 0, now))
	require.NoError(t, err)

	res, err := svc.HybridSearch(ctx, "deploy", storage.Filters{}, 5)
	require.NoError(t, err)
	assert.Equal(t, search.ModeKeyword, res.Mode)
	assert.Empty(t, res.Degraded)
	assert.Len(t, res.Hits, 1)

	_, err = svc.Reindex(ctx)
	assert.ErrorIs(t, err, similarity.ErrUnavailable)
	assert.Equal(t, "disabled", svc.Health(ctx).Similarity)
}

func TestService_IndexFailureSchedulesRetry(t *testing.T) {
	svc := newTestService(t, testConfig(), failingEmbedder{})
	ctx := context.Background()

	id, err := svc.Save(ctx, record("flaky embedding", "", true, 0, now))
	require.NoError(t, err, "Save must not fail when indexing fails")
	svc.index.Wait()

	job, err := svc.Store().ClaimNextJob(ctx, []string{worker.JobIndexRecord})
	require.NoError(t, err)
	require.NotNil(t, job, "no index_record job scheduled")
	assert.Equal(t, `{"record_id":"`+id+`"}`, job.PayloadJSON)
}

func TestService_WorkerExtractsObservations(t *testing.T) {
	svc := newTestService(t, testConfig(), nil)
	ctx := context.Background()

	id, err := svc.Save(ctx, record("pick a queue",
		"We decided to use SQLite for the job queue. The writer fixed the retry bug in the poller.", true, 0, now))
	require.NoError(t, err)

	w := worker.New(svc.Store(), svc, 0, nil)
	didWork, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, didWork)

	obs, err := svc.Store().ListObservations(ctx, id)
	require.NoError(t, err)
	require.Len(t, obs, 2)

	var cats []string
	for _, o := range obs {
		cats = append(cats, o.Category)
		assert.Equal(t, "rules", o.Source)
	}
	assert.ElementsMatch(t, []string{storage.CategoryDecision, storage.CategoryBugfix}, cats)
}

func TestService_Recommend(t *testing.T) {
	svc := newTestService(t, testConfig(), nil)
	ctx := context.Background()

	for i, ok := range []bool{true, true, false} {
		r := record("summarize research papers", "summary", ok, 0.1, now.Add(-time.Duration(i)*time.Hour))
		_, err := svc.Save(ctx, r)
		require.NoError(t, err)
	}
	svc.index.Wait()

	recs := svc.RecommendPattern(ctx, "summarize research papers")
	require.Len(t, recs, 1)
	assert.Greater(t, recs[0].Confidence, 0.0)
	assert.Less(t, recs[0].Confidence, 1.0)

	cfg := testConfig()
	cfg.Recommend.Enabled = false
	off := newTestService(t, cfg, nil)
	got := off.RecommendPattern(ctx, "anything")
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestService_BudgetExceededDoesNotFailSave(t *testing.T) {
	cfg := testConfig()
	cfg.Usage.DailyBudget = 1
	svc := newTestService(t, cfg, nil)
	ctx := context.Background()

	_, err := svc.Save(ctx, record("expensive", "", true, 5, now))
	require.NoError(t, err)
	assert.ErrorIs(t, svc.CheckBudget(ctx), usage.ErrBudgetExceeded)
	assert.Equal(t, usage.AlertCritical, svc.UsageStatus(ctx).AlertLevel)
}

func TestService_Prune(t *testing.T) {
	svc := newTestService(t, testConfig(), nil)
	ctx := context.Background()

	oldID, err := svc.Save(ctx, record("old task", "", true, 0, now.AddDate(0, 0, -200)))
	require.NoError(t, err)
	newID, err := svc.Save(ctx, record("new task", "", true, 0, now.Add(-time.Hour)))
	require.NoError(t, err)
	svc.index.Wait()

	res, err := svc.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{oldID}, res.RecordIDs)

	_, err = svc.Get(ctx, oldID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = svc.Get(ctx, newID)
	assert.NoError(t, err)

	n, _ := svc.index.Count(ctx)
	assert.EqualValues(t, 1, n, "vectors after prune")
}

func TestService_Reindex(t *testing.T) {
	svc := newTestService(t, testConfig(), nil)
	ctx := context.Background()

	for _, task := range []string{"a task", "b task", "c task"} {
		_, err := svc.Store().SaveRecord(ctx, record(task, "", true, 0, now))
		require.NoError(t, err)
	}
	n, err := svc.Reindex(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	c, _ := svc.index.Count(ctx)
	assert.EqualValues(t, 3, c)
}
