// Package recommend suggests the orchestration pattern and team most likely
// to succeed on a new task, based on the outcomes of similar past runs.
package recommend

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/orchmem/internal/search"
	"github.com/kalambet/orchmem/internal/storage"
)

// Searcher ranks past orchestrations for a task.
type Searcher interface {
	Search(ctx context.Context, query string, f storage.Filters, limit int) (search.Result, error)
}

// RecordLoader hydrates ranked ids.
type RecordLoader interface {
	GetRecords(ctx context.Context, ids []string) (map[string]storage.Record, error)
}

// Options tunes a Recommender. Zero values take the defaults.
type Options struct {
	TopN        int     // similar records considered, default 50
	PriorRate   float64 // success rate assumed before evidence, default 0.5
	PriorWeight float64 // pseudo-attempts behind the prior, default 2
	MaxExamples int     // record ids listed per recommendation, default 3
	Logger      *slog.Logger
}

// Recommendation is one (pattern, team) candidate.
type Recommendation struct {
	Pattern       string        `json:"pattern"`
	Team          string        `json:"team"`
	Agents        []string      `json:"agents"`
	Attempts      int           `json:"attempts"`
	Successes     int           `json:"successes"`
	SuccessRate   float64       `json:"success_rate"`
	ShrunkRate    float64       `json:"shrunk_rate"`
	AvgSimilarity float64       `json:"avg_similarity"`
	Confidence    float64       `json:"confidence"`
	AvgCost       float64       `json:"avg_cost"`
	AvgDuration   time.Duration `json:"avg_duration"`
	Examples      []string      `json:"examples"`
}

// Recommender ranks (pattern, team) groups among similar past orchestrations.
type Recommender struct {
	searcher Searcher
	loader   RecordLoader
	opts     Options
	logger   *slog.Logger
}

func New(s Searcher, l RecordLoader, opts Options) *Recommender {
	if opts.TopN <= 0 {
		opts.TopN = 50
	}
	if opts.PriorRate <= 0 || opts.PriorRate >= 1 {
		opts.PriorRate = 0.5
	}
	if opts.PriorWeight <= 0 {
		opts.PriorWeight = 2
	}
	if opts.MaxExamples <= 0 {
		opts.MaxExamples = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Recommender{searcher: s, loader: l, opts: opts, logger: opts.Logger}
}

// Shrink pulls an observed success rate toward prior by weight pseudo-attempts.
func Shrink(successes, attempts int, prior, weight float64) float64 {
	return (float64(successes) + prior*weight) / (float64(attempts) + weight)
}

// Confidence scales a shrunk rate by how similar the evidence is to the task.
func Confidence(shrunk, avgSimilarity float64) float64 {
	return shrunk * (0.7 + 0.3*avgSimilarity)
}

type group struct {
	rec      Recommendation
	simSum   float64
	costSum  float64
	durSum   time.Duration
	examples []string
}

// Recommend returns candidates ordered by confidence. It never fails: with
// no history or on any error the result is empty.
func (r *Recommender) Recommend(ctx context.Context, task string) []Recommendation {
	res, err := r.searcher.Search(ctx, task, storage.Filters{}, r.opts.TopN)
	if err != nil {
		r.logger.Warn("recommendation search failed", "error", err)
		return []Recommendation{}
	}
	if len(res.Hits) == 0 {
		return []Recommendation{}
	}

	ids := make([]string, len(res.Hits))
	for i, h := range res.Hits {
		ids[i] = h.ID
	}
	recs, err := r.loader.GetRecords(ctx, ids)
	if err != nil {
		r.logger.Warn("loading records for recommendation", "error", err)
		return []Recommendation{}
	}

	groups := make(map[string]*group)
	for _, h := range res.Hits {
		rec, ok := recs[h.ID]
		if !ok {
			continue
		}
		team := rec.TeamSignature()
		key := rec.Pattern + "\x00" + team
		g, ok := groups[key]
		if !ok {
			g = &group{rec: Recommendation{Pattern: rec.Pattern, Team: team, Agents: splitTeam(team)}}
			groups[key] = g
		}
		g.rec.Attempts++
		if rec.Success {
			g.rec.Successes++
		}
		g.simSum += h.Score
		g.costSum += rec.Cost
		g.durSum += rec.Duration()
		if len(g.examples) < r.opts.MaxExamples {
			g.examples = append(g.examples, rec.ID)
		}
	}

	out := make([]Recommendation, 0, len(groups))
	for _, g := range groups {
		rc := g.rec
		n := float64(rc.Attempts)
		rc.SuccessRate = float64(rc.Successes) / n
		rc.ShrunkRate = Shrink(rc.Successes, rc.Attempts, r.opts.PriorRate, r.opts.PriorWeight)
		rc.AvgSimilarity = g.simSum / n
		rc.Confidence = Confidence(rc.ShrunkRate, rc.AvgSimilarity)
		rc.AvgCost = g.costSum / n
		rc.AvgDuration = time.Duration(float64(g.durSum) / n)
		rc.Examples = g.examples
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.AvgCost != b.AvgCost {
			return a.AvgCost < b.AvgCost
		}
		if a.Pattern != b.Pattern {
			return a.Pattern < b.Pattern
		}
		return a.Team < b.Team
	})
	return out
}

func splitTeam(team string) []string {
	if team == "" {
		return []string{}
	}
	return strings.Split(team, ",")
}
