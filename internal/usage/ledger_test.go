package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/orchmem/internal/storage"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time           { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newLedger(t *testing.T, s Store, b Budget, c *clock) *Ledger {
	t.Helper()
	l, err := New(context.Background(), s, b, Options{Now: c.now})
	require.NoError(t, err)
	return l
}

func entry(cost float64) storage.UsageEntry {
	return storage.UsageEntry{Pattern: "parallel", Cost: cost}
}

func TestRecord_AlertThresholds(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	l := newLedger(t, newStore(t), Budget{Daily: 10}, c)

	st, err := l.Record(ctx, entry(7.99))
	require.NoError(t, err)
	assert.Equal(t, AlertNone, st.AlertLevel)

	st, err = l.Record(ctx, entry(0.01))
	require.NoError(t, err)
	assert.Equal(t, AlertWarning, st.AlertLevel, "exactly 80%% must warn")
	assert.InDelta(t, 80, st.DailyPercent, 1e-6)

	st, err = l.Record(ctx, entry(1.49))
	require.NoError(t, err)
	assert.Equal(t, AlertWarning, st.AlertLevel)

	st, err = l.Record(ctx, entry(0.01))
	require.NoError(t, err)
	assert.Equal(t, AlertCritical, st.AlertLevel, "exactly 95%% must be critical")

	st, err = l.Record(ctx, entry(0.5))
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, AlertCritical, st.AlertLevel)
	assert.InDelta(t, 10, st.DailySpend, 1e-9)
}

func TestRecord_LevelIsMaxOverActiveCaps(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	l := newLedger(t, newStore(t), Budget{Daily: 0, Monthly: 100}, c)

	st, err := l.Record(ctx, entry(80))
	require.NoError(t, err)
	assert.Equal(t, AlertWarning, st.AlertLevel)
	assert.Zero(t, st.DailyPercent, "unlimited daily cap has no percent")

	l2 := newLedger(t, newStore(t), Budget{Daily: 20, Monthly: 100}, c)
	st, err = l2.Record(ctx, entry(19))
	require.NoError(t, err)
	assert.Equal(t, AlertCritical, st.AlertLevel, "daily critical dominates monthly none")
}

func TestRecord_UnlimitedNeverAlerts(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	l := newLedger(t, newStore(t), Budget{}, c)

	st, err := l.Record(context.Background(), entry(1e6))
	require.NoError(t, err)
	assert.Equal(t, AlertNone, st.AlertLevel)
	assert.NoError(t, l.Check(context.Background()))
}

func TestRecord_CountersMatchStore(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	c := &clock{t: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)}
	l := newLedger(t, s, Budget{Daily: 100, Monthly: 1000}, c)

	for _, cost := range []float64{0.12, 1.5, 0.003, 2.25, 0.75} {
		_, err := l.Record(ctx, entry(cost))
		require.NoError(t, err)
		c.advance(time.Minute)
	}

	st := l.Status(ctx)
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	want, err := s.SumUsageCost(ctx, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.InDelta(t, want, st.DailySpend, 1e-9)
	assert.InDelta(t, 4.623, st.MonthlySpend, 1e-9)
	assert.Equal(t, "2026-03-10", st.Day)
	assert.Equal(t, "2026-03", st.Month)
}

func TestNew_SeedsFromStore(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for _, e := range []storage.UsageEntry{
		{Pattern: "p", Cost: 3, RecordedAt: now.Add(-time.Hour)},
		{Pattern: "p", Cost: 4, RecordedAt: now.AddDate(0, 0, -2)},
		{Pattern: "p", Cost: 50, RecordedAt: now.AddDate(0, -1, 0)},
	} {
		_, err := s.InsertUsageEntry(ctx, e)
		require.NoError(t, err)
	}

	l := newLedger(t, s, Budget{Daily: 10}, &clock{t: now})
	st := l.Status(ctx)
	assert.InDelta(t, 3, st.DailySpend, 1e-9)
	assert.InDelta(t, 7, st.MonthlySpend, 1e-9)
}

func TestStatus_Rollover(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 3, 30, 22, 0, 0, 0, time.UTC)}
	l := newLedger(t, newStore(t), Budget{Daily: 10, Monthly: 100}, c)

	_, err := l.Record(ctx, entry(9))
	require.NoError(t, err)
	assert.Equal(t, AlertWarning, l.Status(ctx).AlertLevel)

	c.advance(4 * time.Hour) // 2026-03-31 02:00
	st := l.Status(ctx)
	assert.Zero(t, st.DailySpend)
	assert.InDelta(t, 9, st.MonthlySpend, 1e-9)
	assert.Equal(t, AlertNone, st.AlertLevel)

	_, err = l.Record(ctx, entry(2))
	require.NoError(t, err)

	c.advance(24 * time.Hour) // 2026-04-01 02:00
	st = l.Status(ctx)
	assert.Zero(t, st.DailySpend)
	assert.Zero(t, st.MonthlySpend)
	assert.Equal(t, "2026-04", st.Month)
}

func TestRecord_BackdatedEntryOutsidePeriod(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	l := newLedger(t, newStore(t), Budget{Daily: 10}, c)

	e := entry(5)
	e.RecordedAt = c.t.AddDate(0, 0, -1)
	st, err := l.Record(ctx, e)
	require.NoError(t, err)
	assert.Zero(t, st.DailySpend)
	assert.InDelta(t, 5, st.MonthlySpend, 1e-9)
}

func TestStatus_RolloverCountsEntriesRecordedAhead(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)}
	l := newLedger(t, newStore(t), Budget{Daily: 10, Monthly: 100}, c)

	// An orchestration that ends after midnight is recorded before the day rolls.
	e := entry(4)
	e.RecordedAt = time.Date(2026, 3, 11, 0, 30, 0, 0, time.UTC)
	st, err := l.Record(ctx, e)
	require.NoError(t, err)
	assert.Zero(t, st.DailySpend)
	assert.InDelta(t, 4, st.MonthlySpend, 1e-9)

	c.advance(2 * time.Hour) // 2026-03-11 01:00
	st = l.Status(ctx)
	assert.InDelta(t, 4, st.DailySpend, 1e-9, "new day must include the entry recorded ahead")
	assert.InDelta(t, 4, st.MonthlySpend, 1e-9)

	_, err = l.Record(ctx, entry(1))
	require.NoError(t, err)
	assert.InDelta(t, 5, l.Status(ctx).DailySpend, 1e-9)
}

type failingStore struct {
	Store
}

func (failingStore) InsertUsageEntry(context.Context, storage.UsageEntry) (storage.UsageEntry, error) {
	return storage.UsageEntry{}, errors.New("disk full")
}

func TestRecord_StorageErrorLeavesCounters(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	l := newLedger(t, failingStore{Store: newStore(t)}, Budget{Daily: 10}, c)

	_, err := l.Record(ctx, entry(5))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBudgetExceeded)
	assert.Zero(t, l.Status(ctx).DailySpend)
}

func TestRecord_RejectsNegativeCost(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	l := newLedger(t, newStore(t), Budget{}, c)

	_, err := l.Record(context.Background(), entry(-1))
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	l := newLedger(t, newStore(t), Budget{Daily: 1}, c)

	require.NoError(t, l.Check(ctx))
	_, err := l.Record(ctx, entry(1))
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.ErrorIs(t, l.Check(ctx), ErrBudgetExceeded)

	c.advance(24 * time.Hour)
	assert.NoError(t, l.Check(ctx))
}
