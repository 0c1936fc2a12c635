package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// PatternStats aggregates attempts, successes, cost and duration per
// (pattern, team signature) over the records matching the filters. Groups
// are ordered by success rate descending, then attempts, then pattern.
func (s *Store) PatternStats(ctx context.Context, f Filters) ([]PatternStat, error) {
	where, args := filterClause(f)
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.pattern, o.agents, o.success, o.cost, o.started_at, o.ended_at
		FROM orchestrations o WHERE 1=1`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pattern stats: %w", err)
	}
	defer rows.Close()

	type acc struct {
		stat     PatternStat
		cost     float64
		duration time.Duration
	}
	groups := make(map[string]*acc)

	for rows.Next() {
		var pattern, agentsJSON, started, ended string
		var success bool
		var cost float64
		if err := rows.Scan(&pattern, &agentsJSON, &success, &cost, &started, &ended); err != nil {
			return nil, err
		}
		var agents []Agent
		if err := json.Unmarshal([]byte(agentsJSON), &agents); err != nil {
			return nil, fmt.Errorf("decoding agents: %w", err)
		}
		rec := Record{Pattern: pattern, Agents: agents}
		rec.StartedAt, _ = parseTime(started)
		rec.EndedAt, _ = parseTime(ended)

		key := pattern + "\x00" + rec.TeamSignature()
		g, ok := groups[key]
		if !ok {
			g = &acc{stat: PatternStat{Pattern: pattern, Team: rec.TeamSignature()}}
			groups[key] = g
		}
		g.stat.Attempts++
		if success {
			g.stat.Successes++
		}
		g.cost += cost
		g.duration += rec.Duration()
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats := make([]PatternStat, 0, len(groups))
	for _, g := range groups {
		n := float64(g.stat.Attempts)
		g.stat.AvgCost = g.cost / n
		g.stat.AvgDuration = time.Duration(float64(g.duration) / n)
		stats = append(stats, g.stat)
	}
	sort.Slice(stats, func(i, j int) bool {
		a, b := stats[i], stats[j]
		if a.SuccessRate() != b.SuccessRate() {
			return a.SuccessRate() > b.SuccessRate()
		}
		if a.Attempts != b.Attempts {
			return a.Attempts > b.Attempts
		}
		if a.Pattern != b.Pattern {
			return a.Pattern < b.Pattern
		}
		return a.Team < b.Team
	})
	return stats, nil
}

// AgentStats aggregates outcomes per participating agent.
func (s *Store) AgentStats(ctx context.Context, f Filters) ([]AgentStat, error) {
	where, args := filterClause(f)
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.agent_id, COUNT(*), SUM(o.success), AVG(o.cost)
		FROM orchestration_agents a
		JOIN orchestrations o ON o.id = a.orchestration_id
		WHERE 1=1`+where+`
		GROUP BY a.agent_id
		ORDER BY COUNT(*) DESC, a.agent_id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agent stats: %w", err)
	}
	defer rows.Close()

	var stats []AgentStat
	for rows.Next() {
		var st AgentStat
		if err := rows.Scan(&st.AgentID, &st.Attempts, &st.Successes, &st.AvgCost); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
