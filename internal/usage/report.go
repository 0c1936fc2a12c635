package usage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// Report periods and groupings.
const (
	PeriodDay   = "day"
	PeriodMonth = "month"
	PeriodAll   = "all"

	GroupByAgent   = "agent"
	GroupByPattern = "pattern"
)

// ReportRow aggregates usage for one agent or pattern.
type ReportRow struct {
	Key            string  `json:"key"`
	Cost           float64 `json:"cost"`
	Tokens         int64   `json:"tokens"`
	Orchestrations int     `json:"orchestrations"`
	Successes      int     `json:"successes"`
	SuccessRate    float64 `json:"success_rate"`
}

// Report groups usage entries in period by agent or pattern, most expensive
// first. Agent rows use each entry's per-agent breakdown; tokens are split in
// proportion to each agent's share of the cost.
func (l *Ledger) Report(ctx context.Context, period, groupBy string) ([]ReportRow, error) {
	from, to, err := l.periodRange(period)
	if err != nil {
		return nil, err
	}
	if groupBy != GroupByAgent && groupBy != GroupByPattern {
		return nil, fmt.Errorf("unknown grouping %q", groupBy)
	}
	entries, err := l.store.UsageEntries(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("loading usage entries: %w", err)
	}

	rows := map[string]*ReportRow{}
	add := func(key string, cost float64, tokens int64, success *bool) {
		r, ok := rows[key]
		if !ok {
			r = &ReportRow{Key: key}
			rows[key] = r
		}
		r.Cost += cost
		r.Tokens += tokens
		r.Orchestrations++
		if success != nil && *success {
			r.Successes++
		}
	}
	for _, e := range entries {
		total := e.Tokens.Input + e.Tokens.Output + e.Tokens.Cache
		if groupBy == GroupByPattern {
			add(e.Pattern, e.Cost, total, e.Success)
			continue
		}
		if len(e.AgentCosts) == 0 {
			continue
		}
		var sum float64
		for _, c := range e.AgentCosts {
			sum += c
		}
		for agent, c := range e.AgentCosts {
			share := 1 / float64(len(e.AgentCosts))
			if sum > 0 {
				share = c / sum
			}
			add(agent, c, int64(math.Round(float64(total)*share)), e.Success)
		}
	}

	out := make([]ReportRow, 0, len(rows))
	for _, r := range rows {
		if r.Orchestrations > 0 {
			r.SuccessRate = float64(r.Successes) / float64(r.Orchestrations)
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost > out[j].Cost
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (l *Ledger) periodRange(period string) (time.Time, time.Time, error) {
	now := l.now().In(l.loc)
	switch period {
	case PeriodDay:
		d := dayStart(now)
		return d, d.AddDate(0, 0, 1), nil
	case PeriodMonth, "":
		m := monthStart(now)
		return m, m.AddDate(0, 1, 0), nil
	case PeriodAll:
		return time.Time{}, time.Time{}, nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown period %q", period)
	}
}

// Projection extrapolates month-to-date spend to the end of the month.
type Projection struct {
	Month             string  `json:"month"`
	MonthToDate       float64 `json:"month_to_date"`
	DaysElapsed       int     `json:"days_elapsed"`
	DaysInMonth       int     `json:"days_in_month"`
	DailyAverage      float64 `json:"daily_average"`
	ProjectedMonthEnd float64 `json:"projected_month_end"`
	MonthlyBudget     float64 `json:"monthly_budget"`
	ProjectedPercent  float64 `json:"projected_percent"`
	OverBudget        bool    `json:"over_budget"`
}

// Projection averages spend over the elapsed days of the month, today
// included, and scales it to the full month.
func (l *Ledger) Projection(ctx context.Context) Projection {
	st := l.Status(ctx)
	now := l.now().In(l.loc)
	days := monthStart(now).AddDate(0, 1, -1).Day()
	p := Projection{
		Month:         st.Month,
		MonthToDate:   st.MonthlySpend,
		DaysElapsed:   now.Day(),
		DaysInMonth:   days,
		MonthlyBudget: st.MonthlyBudget,
	}
	p.DailyAverage = p.MonthToDate / float64(p.DaysElapsed)
	p.ProjectedMonthEnd = p.DailyAverage * float64(days)
	if p.MonthlyBudget > 0 {
		p.ProjectedPercent = 100 * p.ProjectedMonthEnd / p.MonthlyBudget
		p.OverBudget = p.ProjectedMonthEnd > p.MonthlyBudget+epsilon
	}
	return p
}
