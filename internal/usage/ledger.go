// Package usage keeps the append-only cost ledger for orchestrations and
// reports spend against daily and monthly budgets.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kalambet/orchmem/internal/storage"
	"github.com/kalambet/orchmem/internal/telemetry"
)

// ErrBudgetExceeded reports that spend reached a configured cap. It is
// informational: the ledger never refuses to record.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Alert levels reported in Status.AlertLevel.
const (
	AlertNone     = "none"
	AlertWarning  = "warning"
	AlertCritical = "critical"
)

// Alert thresholds as fractions of a cap.
const (
	WarningThreshold  = 0.80
	CriticalThreshold = 0.95
)

// Absorbs float drift from summing many small costs.
const epsilon = 1e-9

// Budget caps spend per UTC day and calendar month. Zero means unlimited.
type Budget struct {
	Daily   float64 `json:"daily"`
	Monthly float64 `json:"monthly"`
}

// Status is a snapshot of the ledger counters.
type Status struct {
	DailySpend     float64 `json:"daily_spend"`
	MonthlySpend   float64 `json:"monthly_spend"`
	DailyBudget    float64 `json:"daily_budget"`
	MonthlyBudget  float64 `json:"monthly_budget"`
	DailyPercent   float64 `json:"daily_percent"`
	MonthlyPercent float64 `json:"monthly_percent"`
	AlertLevel     string  `json:"alert_level"`
	Day            string  `json:"day"`
	Month          string  `json:"month"`
}

// Exceeded reports whether any active cap has been reached.
func (s Status) Exceeded() bool {
	return reached(s.DailySpend, s.DailyBudget, 1) || reached(s.MonthlySpend, s.MonthlyBudget, 1)
}

// Store is the persistence the ledger needs.
type Store interface {
	InsertUsageEntry(ctx context.Context, e storage.UsageEntry) (storage.UsageEntry, error)
	UsageEntries(ctx context.Context, from, to time.Time) ([]storage.UsageEntry, error)
	SumUsageCost(ctx context.Context, from, to time.Time) (float64, error)
}

// Options tunes a Ledger.
type Options struct {
	Now      func() time.Time
	Location *time.Location // period boundaries, default UTC
	Logger   *slog.Logger
}

// Ledger tracks spend for the current day and month. Counters are seeded
// from the store at construction and re-read when a period rolls over, so
// entries recorded ahead of time for the new period are counted.
type Ledger struct {
	store  Store
	budget Budget
	now    func() time.Time
	loc    *time.Location
	logger *slog.Logger

	mu         sync.Mutex
	day        time.Time
	month      time.Time
	daySpend   float64
	monthSpend float64
	alert      string

	spend metric.Float64Counter
}

// New builds a Ledger and loads the current period totals from store.
func New(ctx context.Context, store Store, budget Budget, opts Options) (*Ledger, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	spend, _ := telemetry.Meter("orchmem/usage").Float64Counter("orchmem.usage.cost",
		metric.WithDescription("Recorded orchestration cost, by pattern"),
		metric.WithUnit("USD"),
	)
	l := &Ledger{
		store:  store,
		budget: budget,
		now:    opts.Now,
		loc:    opts.Location,
		logger: opts.Logger,
		spend:  spend,
	}

	now := l.now().In(l.loc)
	l.day, l.month = dayStart(now), monthStart(now)
	var err error
	if l.daySpend, err = l.sumDay(ctx); err != nil {
		return nil, fmt.Errorf("loading daily spend: %w", err)
	}
	if l.monthSpend, err = l.sumMonth(ctx); err != nil {
		return nil, fmt.Errorf("loading monthly spend: %w", err)
	}
	l.alert = l.statusLocked().AlertLevel
	return l, nil
}

// Budget returns the configured caps.
func (l *Ledger) Budget() Budget { return l.budget }

// Record persists e and adds its cost to the period counters. When a cap has
// been reached the returned error wraps ErrBudgetExceeded and the status is
// still valid. Storage failures leave the counters untouched.
func (l *Ledger) Record(ctx context.Context, e storage.UsageEntry) (Status, error) {
	if e.Cost < 0 {
		return Status{}, fmt.Errorf("negative cost %.4f", e.Cost)
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = l.now()
	}

	// The insert happens under the lock so a rollover re-read and the
	// counter update see the same set of entries.
	l.mu.Lock()
	l.rollLocked(ctx, l.now())
	saved, err := l.store.InsertUsageEntry(ctx, e)
	if err != nil {
		l.mu.Unlock()
		return Status{}, fmt.Errorf("recording usage: %w", err)
	}
	at := saved.RecordedAt.In(l.loc)
	if !at.Before(l.day) && at.Before(l.day.AddDate(0, 0, 1)) {
		l.daySpend += saved.Cost
	}
	if !at.Before(l.month) && at.Before(l.month.AddDate(0, 1, 0)) {
		l.monthSpend += saved.Cost
	}
	st := l.statusLocked()
	prev := l.alert
	l.alert = st.AlertLevel
	l.mu.Unlock()

	l.spend.Add(ctx, saved.Cost, metric.WithAttributes(attribute.String("pattern", saved.Pattern)))
	if st.AlertLevel != prev {
		l.logTransition(prev, st)
	}
	if st.Exceeded() {
		return st, fmt.Errorf("%w: daily %.2f/%.2f, monthly %.2f/%.2f",
			ErrBudgetExceeded, st.DailySpend, st.DailyBudget, st.MonthlySpend, st.MonthlyBudget)
	}
	return st, nil
}

// Status reports the current counters.
func (l *Ledger) Status(ctx context.Context) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked(ctx, l.now())
	return l.statusLocked()
}

// Check returns ErrBudgetExceeded when an active cap has been reached. It is
// meant to be called before dispatching an orchestration; acting on it is up
// to the caller.
func (l *Ledger) Check(ctx context.Context) error {
	st := l.Status(ctx)
	if st.Exceeded() {
		return fmt.Errorf("%w: daily %.2f/%.2f, monthly %.2f/%.2f",
			ErrBudgetExceeded, st.DailySpend, st.DailyBudget, st.MonthlySpend, st.MonthlyBudget)
	}
	return nil
}

// rollLocked moves the counters to the periods containing now and re-reads
// their totals. A failed read leaves the counter at zero until the next
// rollover.
func (l *Ledger) rollLocked(ctx context.Context, now time.Time) {
	now = now.In(l.loc)
	if d := dayStart(now); !d.Equal(l.day) {
		l.logger.Info("usage day rolled over", "from", l.day.Format(time.DateOnly), "to", d.Format(time.DateOnly))
		l.day = d
		spend, err := l.sumDay(ctx)
		if err != nil {
			l.logger.Warn("reloading daily spend", "day", d.Format(time.DateOnly), "error", err)
		}
		l.daySpend = spend
	}
	if m := monthStart(now); !m.Equal(l.month) {
		l.month = m
		spend, err := l.sumMonth(ctx)
		if err != nil {
			l.logger.Warn("reloading monthly spend", "month", m.Format("2006-01"), "error", err)
		}
		l.monthSpend = spend
	}
}

func (l *Ledger) sumDay(ctx context.Context) (float64, error) {
	return l.store.SumUsageCost(ctx, l.day, l.day.AddDate(0, 0, 1))
}

func (l *Ledger) sumMonth(ctx context.Context) (float64, error) {
	return l.store.SumUsageCost(ctx, l.month, l.month.AddDate(0, 1, 0))
}

func (l *Ledger) statusLocked() Status {
	st := Status{
		DailySpend:    l.daySpend,
		MonthlySpend:  l.monthSpend,
		DailyBudget:   l.budget.Daily,
		MonthlyBudget: l.budget.Monthly,
		Day:           l.day.Format(time.DateOnly),
		Month:         l.month.Format("2006-01"),
	}
	if l.budget.Daily > 0 {
		st.DailyPercent = 100 * l.daySpend / l.budget.Daily
	}
	if l.budget.Monthly > 0 {
		st.MonthlyPercent = 100 * l.monthSpend / l.budget.Monthly
	}
	st.AlertLevel = maxLevel(
		level(l.daySpend, l.budget.Daily),
		level(l.monthSpend, l.budget.Monthly),
	)
	return st
}

func (l *Ledger) logTransition(from string, st Status) {
	attrs := []any{
		"from", from, "to", st.AlertLevel,
		"daily_spend", st.DailySpend, "daily_budget", st.DailyBudget,
		"monthly_spend", st.MonthlySpend, "monthly_budget", st.MonthlyBudget,
	}
	switch st.AlertLevel {
	case AlertCritical:
		l.logger.Error("usage budget critical", attrs...)
	case AlertWarning:
		l.logger.Warn("usage budget warning", attrs...)
	default:
		l.logger.Info("usage budget alert cleared", attrs...)
	}
}

func level(spend, limit float64) string {
	switch {
	case reached(spend, limit, CriticalThreshold):
		return AlertCritical
	case reached(spend, limit, WarningThreshold):
		return AlertWarning
	default:
		return AlertNone
	}
}

func reached(spend, limit, fraction float64) bool {
	return limit > 0 && spend >= fraction*limit-epsilon
}

func maxLevel(levels ...string) string {
	rank := map[string]int{AlertNone: 0, AlertWarning: 1, AlertCritical: 2}
	out := AlertNone
	for _, lv := range levels {
		if rank[lv] > rank[out] {
			out = lv
		}
	}
	return out
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
