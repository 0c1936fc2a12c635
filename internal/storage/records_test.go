package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 14, 9, 30, 0, 123456789, time.UTC)

func testRecord(id, pattern, task string, success bool, agents ...string) Record {
	r := Record{
		ID:        id,
		Pattern:   pattern,
		Task:      task,
		Result:    "done",
		Success:   success,
		Tokens:    TokenUsage{Input: 100, Output: 50, Cache: 10},
		Cost:      0.25,
		StartedAt: baseTime,
		EndedAt:   baseTime.Add(2 * time.Minute),
	}
	for _, a := range agents {
		r.Agents = append(r.Agents, Agent{ID: a, Role: "worker"})
	}
	return r
}

func mustSave(t *testing.T, s *Store, r Record) string {
	t.Helper()
	id, err := s.SaveRecord(context.Background(), r)
	require.NoError(t, err, "SaveRecord(%s)", r.ID)
	return id
}

func hitIDs(hits []KeywordHit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return ids
}

func TestSaveAndGetRecord_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	want := Record{
		ID:      "orch-1",
		Pattern: "consensus",
		Agents: []Agent{
			{ID: "researcher", Role: "lead", Config: map[string]any{"model": "large"}},
			{ID: "critic", Role: "reviewer"},
		},
		Task:         "Design the caching layer for the billing service",
		Parameters:   map[string]any{"rounds": "3", "strict": true},
		Result:       "Chose write-through cache with 5 minute TTL",
		AgentOutputs: []AgentOutput{{AgentID: "critic", Output: "TTL too long for invoices"}},
		Success:      true,
		Tokens:       TokenUsage{Input: 1200, Output: 800, Cache: 300},
		Cost:         0.042,
		StartedAt:    baseTime,
		EndedAt:      baseTime.Add(90 * time.Second),
		Notes:        "second attempt",
	}

	id := mustSave(t, s, want)
	require.Equal(t, want.ID, id)

	got, err := s.GetRecord(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveRecord_GeneratesID(t *testing.T) {
	s := openTestStore(t)

	id := mustSave(t, s, testRecord("", "parallel", "summarize logs", true, "a"))
	assert.Len(t, id, 36, "generated id should be a UUID")
	_, err := s.GetRecord(context.Background(), id)
	assert.NoError(t, err)
}

func TestSaveRecord_DuplicateID(t *testing.T) {
	s := openTestStore(t)
	mustSave(t, s, testRecord("dup", "parallel", "first", true, "a"))

	_, err := s.SaveRecord(context.Background(), testRecord("dup", "debate", "second", false, "b"))
	require.ErrorIs(t, err, ErrDuplicateID)

	got, err := s.GetRecord(context.Background(), "dup")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Task, "original record was overwritten")
}

func TestSaveRecord_StorageFailure(t *testing.T) {
	s := openTestStore(t)
	s.Close()

	_, err := s.SaveRecord(context.Background(), testRecord("x", "parallel", "task", true))
	assert.ErrorIs(t, err, ErrStorage)
}

func TestGetRecord_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetRecord(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearchKeyword_Relevance(t *testing.T) {
	s := openTestStore(t)

	mustSave(t, s, testRecord("db", "parallel", "database migration rollback plan", true, "a"))
	mustSave(t, s, testRecord("ui", "parallel", "frontend styling for settings page", true, "a"))
	mustSave(t, s, testRecord("db2", "debate", "migration of migration scripts and migration tooling", true, "b"))

	hits, err := s.SearchKeyword(context.Background(), "migration", Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.NotContains(t, hitIDs(hits), "ui")
	for _, h := range hits {
		assert.Positive(t, h.Score, "score for %s", h.ID)
	}
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score, "descending score order")
}

func TestSearchKeyword_TieBreaksByRecency(t *testing.T) {
	s := openTestStore(t)

	older := testRecord("older", "parallel", "rotate api keys", true, "a")
	newer := testRecord("newer", "parallel", "rotate api keys", true, "a")
	newer.EndedAt = older.EndedAt.Add(time.Hour)
	mustSave(t, s, older)
	mustSave(t, s, newer)

	hits, err := s.SearchKeyword(context.Background(), "rotate keys", Filters{}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"newer", "older"}, hitIDs(hits))
}

func TestSearchKeyword_Filters(t *testing.T) {
	s := openTestStore(t)

	r1 := testRecord("r1", "parallel", "index tuning", true, "alice", "bob")
	r2 := testRecord("r2", "debate", "index tuning", false, "carol")
	r3 := testRecord("r3", "parallel", "index tuning", false, "bob")
	r3.StartedAt = baseTime.Add(48 * time.Hour)
	r3.EndedAt = r3.StartedAt.Add(time.Minute)
	for _, r := range []Record{r1, r2, r3} {
		mustSave(t, s, r)
	}

	yes := true
	tests := []struct {
		name    string
		filters Filters
		want    []string
	}{
		{"agent", Filters{AgentID: "bob"}, []string{"r1", "r3"}},
		{"pattern", Filters{Pattern: "debate"}, []string{"r2"}},
		{"success", Filters{Success: &yes}, []string{"r1"}},
		{"from", Filters{From: baseTime.Add(24 * time.Hour)}, []string{"r3"}},
		{"to", Filters{To: baseTime.Add(time.Hour)}, []string{"r1", "r2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := s.SearchKeyword(context.Background(), "index", tt.filters, 10)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, hitIDs(hits))
		})
	}
}

func TestSearchKeyword_SanitizesQuery(t *testing.T) {
	s := openTestStore(t)
	mustSave(t, s, testRecord("r1", "parallel", "fix NEAR(parser) crash", true, "a"))

	for _, q := range []string{`"unbalanced`, `parser AND OR NOT`, `col:value*`, `***`, ``} {
		_, err := s.SearchKeyword(context.Background(), q, Filters{}, 5)
		assert.NoError(t, err, "SearchKeyword(%q)", q)
	}
}

func TestMatchExpr(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"  ", ""},
		{"Hello world", `"hello" OR "world"`},
		{"a-b a-b", `"a" OR "b"`},
		{`x"y`, `"x" OR "y"`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchExpr(tt.in), "matchExpr(%q)", tt.in)
	}
}

func TestAppendObservations_SearchableImmediately(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustSave(t, s, testRecord("r1", "parallel", "refresh dashboards", true, "a"))

	hits, err := s.SearchKeyword(ctx, "idempotency", Filters{}, 5)
	require.NoError(t, err)
	require.Empty(t, hits)

	require.NoError(t, s.AppendObservations(ctx, "r1", []Observation{{
		Category:   CategoryDiscovery,
		Content:    "Webhook handler lacked idempotency keys",
		Tags:       []string{"webhooks"},
		Importance: 7,
		Source:     "ai",
	}}))

	hits, err = s.SearchKeyword(ctx, "idempotency", Filters{}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, hitIDs(hits))

	hits, err = s.SearchKeyword(ctx, "webhooks", Filters{}, 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1, "tags are searchable")
}

func TestAppendObservations_Additive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustSave(t, s, testRecord("r1", "parallel", "task", true, "a"))

	first := []Observation{{Category: CategoryDecision, Content: "use postgres", Importance: 5, Source: "rules"}}
	second := []Observation{{Category: CategoryBugfix, Content: "fixed race", Importance: 8, Source: "rules"}}
	for _, batch := range [][]Observation{first, second} {
		require.NoError(t, s.AppendObservations(ctx, "r1", batch))
	}

	obs, err := s.ListObservations(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, "fixed race", obs[0].Content, "highest importance first")
	assert.Equal(t, "r1", obs[0].OrchestrationID)
	assert.NotEmpty(t, obs[0].ID)
}

func TestAppendObservations_UnknownRecord(t *testing.T) {
	s := openTestStore(t)

	err := s.AppendObservations(context.Background(), "ghost", []Observation{
		{Category: CategoryFeature, Content: "x", Importance: 3},
	})
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok := s.appendLocks.Load("ghost")
	assert.False(t, ok, "append lock kept for unknown record")
}

func TestAppendObservations_Validation(t *testing.T) {
	s := openTestStore(t)
	mustSave(t, s, testRecord("r1", "parallel", "task", true))

	bad := []Observation{
		{Category: "musing", Content: "x", Importance: 3},
		{Category: CategoryFeature, Content: "x", Importance: 0},
		{Category: CategoryFeature, Content: "x", Importance: 11},
		{Category: CategoryFeature, Content: "  ", Importance: 3},
	}
	for _, o := range bad {
		err := s.AppendObservations(context.Background(), "r1", []Observation{o})
		assert.ErrorIs(t, err, ErrInvalidObservation, "%+v", o)
	}
}

func TestAppendObservations_ConcurrentSameID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustSave(t, s, testRecord("r1", "parallel", "task", true))

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.AppendObservations(ctx, "r1", []Observation{{
				Category:   CategoryDiscovery,
				Content:    fmt.Sprintf("finding %d", i),
				Importance: 5,
				Source:     "rules",
			}})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	obs, err := s.ListObservations(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, obs, n)
}

func TestGetRecordsAndEndTimes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustSave(t, s, testRecord("a", "parallel", "one", true))
	mustSave(t, s, testRecord("b", "parallel", "two", true))

	recs, err := s.GetRecords(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, "one", recs["a"].Task)

	times, err := s.EndTimes(ctx, []string{"a"})
	require.NoError(t, err)
	assert.True(t, times["a"].Equal(baseTime.Add(2*time.Minute)), "EndTimes[a] = %v", times["a"])
}

func TestPatternStats(t *testing.T) {
	s := openTestStore(t)

	mustSave(t, s, testRecord("p1", "parallel", "t", true, "b", "a"))
	mustSave(t, s, testRecord("p2", "parallel", "t", true, "a", "b"))
	mustSave(t, s, testRecord("p3", "parallel", "t", false, "a", "b"))
	mustSave(t, s, testRecord("d1", "debate", "t", true, "c"))

	stats, err := s.PatternStats(context.Background(), Filters{})
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "debate", stats[0].Pattern, "rate 1.0 sorts first")

	par := stats[1]
	assert.Equal(t, "parallel", par.Pattern)
	assert.Equal(t, "a,b", par.Team)
	assert.Equal(t, 3, par.Attempts)
	assert.Equal(t, 2, par.Successes)
	assert.Equal(t, 2*time.Minute, par.AvgDuration)
}

func TestAgentStats(t *testing.T) {
	s := openTestStore(t)

	mustSave(t, s, testRecord("p1", "parallel", "t", true, "a", "b"))
	mustSave(t, s, testRecord("p2", "parallel", "t", false, "a"))

	stats, err := s.AgentStats(context.Background(), Filters{})
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "a", stats[0].AgentID)
	assert.Equal(t, 2, stats[0].Attempts)
	assert.Equal(t, 1, stats[0].Successes)
}

func TestUsageEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustSave(t, s, testRecord("r1", "parallel", "t", true, "a"))

	day := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)
	entries := []UsageEntry{
		{OrchestrationID: "r1", Pattern: "parallel", Cost: 1.5, AgentCosts: map[string]float64{"a": 1.5}, RecordedAt: day.Add(time.Hour)},
		{OrchestrationID: "gone", Pattern: "debate", Cost: 2, RecordedAt: day.Add(2 * time.Hour)},
		{OrchestrationID: "r1", Pattern: "parallel", Cost: 4, RecordedAt: day.Add(25 * time.Hour)},
	}
	for _, e := range entries {
		_, err := s.InsertUsageEntry(ctx, e)
		require.NoError(t, err)
	}

	sum, err := s.SumUsageCost(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 3.5, sum, 1e-9)

	got, err := s.UsageEntries(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NotNil(t, got[0].Success)
	assert.True(t, *got[0].Success, "entry for r1 carries the record outcome")
	assert.Nil(t, got[1].Success, "entry for an unknown record has no outcome")
	assert.Equal(t, 1.5, got[0].AgentCosts["a"])
}

func TestPruneBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := testRecord("old", "parallel", "ancient history", true, "a")
	mustSave(t, s, old)
	fresh := testRecord("fresh", "parallel", "ancient history", true, "a")
	fresh.StartedAt = baseTime.Add(30 * 24 * time.Hour)
	fresh.EndedAt = fresh.StartedAt.Add(time.Minute)
	mustSave(t, s, fresh)

	require.NoError(t, s.AppendObservations(ctx, "old", []Observation{{Category: CategoryDecision, Content: "x", Importance: 2}}))
	_, err := s.InsertUsageEntry(ctx, UsageEntry{OrchestrationID: "old", Cost: 1, RecordedAt: old.EndedAt})
	require.NoError(t, err)

	res, err := s.PruneBefore(ctx, baseTime.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, res.RecordIDs)
	assert.EqualValues(t, 1, res.UsageEntries)

	_, err = s.GetRecord(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)

	var orphans int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM observations WHERE orchestration_id = 'old'`).Scan(&orphans))
	assert.Zero(t, orphans, "observations cascade with the record")

	hits, err := s.SearchKeyword(ctx, "ancient", Filters{}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, hitIDs(hits))

	_, ok := s.appendLocks.Load("old")
	assert.False(t, ok, "append lock kept for pruned record")
}

func TestFiltersKeyAndMatch(t *testing.T) {
	yes := true
	a := Filters{Pattern: "parallel", Success: &yes}
	b := Filters{Pattern: "parallel"}
	assert.NotEqual(t, a.Key(), b.Key(), "filters with different success share a key")

	assert.True(t, a.Match("parallel", nil, true, baseTime))
	assert.False(t, a.Match("parallel", nil, false, baseTime), "success filter")
	assert.False(t, Filters{AgentID: "x"}.Match("parallel", []string{"y"}, true, baseTime), "agent filter")
}

func TestTeamSignature(t *testing.T) {
	assert.Equal(t, "amy,bob,zed", TeamSignature([]string{"zed", "amy", "bob"}))
}
