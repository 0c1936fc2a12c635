// Package contextload assembles a token-bounded history payload for a new
// task in two layers: a compact index of relevant past orchestrations and
// full detail for the best of them.
package contextload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/orchmem/internal/search"
	"github.com/kalambet/orchmem/internal/storage"
	"github.com/kalambet/orchmem/internal/telemetry"
)

// Searcher ranks past orchestrations for a task.
type Searcher interface {
	Search(ctx context.Context, query string, f storage.Filters, limit int) (search.Result, error)
}

// RecordLoader hydrates ranked ids into records and observations.
type RecordLoader interface {
	GetRecords(ctx context.Context, ids []string) (map[string]storage.Record, error)
	ObservationsFor(ctx context.Context, ids []string) (map[string][]storage.Observation, error)
}

// Estimator returns the token cost of a piece of text.
type Estimator func(text string) int

// EstimateTokens approximates tokens as one per four bytes, rounded up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Options tunes an Assembler. Zero values take the defaults.
type Options struct {
	DefaultBudget  int     // tokens when Load is called with budget <= 0, default 2000
	SafetyFraction float64 // share of the budget reserved for the index layer, default 0.2
	IndexCap       int     // maximum index entries, default 20
	ExcerptTokens  int     // result excerpt cap per detail, default 500
	CacheSize      int     // default 100
	CacheTTL       time.Duration
	Estimator      Estimator
	Logger         *slog.Logger
}

// Assembler builds context payloads and caches them per (task, budget, filters).
type Assembler struct {
	searcher Searcher
	loader   RecordLoader
	opts     Options
	logger   *slog.Logger

	cache *expirable.LRU[string, Payload]
	group singleflight.Group

	tracer    trace.Tracer
	cacheHits metric.Int64Counter
}

func New(s Searcher, l RecordLoader, opts Options) *Assembler {
	if opts.DefaultBudget <= 0 {
		opts.DefaultBudget = 2000
	}
	if opts.SafetyFraction <= 0 || opts.SafetyFraction >= 1 {
		opts.SafetyFraction = 0.2
	}
	if opts.IndexCap <= 0 {
		opts.IndexCap = 20
	}
	if opts.ExcerptTokens <= 0 {
		opts.ExcerptTokens = 500
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 100
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Estimator == nil {
		opts.Estimator = EstimateTokens
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	hits, _ := telemetry.Meter("orchmem/contextload").Int64Counter("orchmem.context.cache",
		metric.WithDescription("Context loads, by cache outcome"),
	)
	return &Assembler{
		searcher:  s,
		loader:    l,
		opts:      opts,
		logger:    opts.Logger,
		cache:     expirable.NewLRU[string, Payload](opts.CacheSize, nil, opts.CacheTTL),
		tracer:    telemetry.Tracer("orchmem/contextload"),
		cacheHits: hits,
	}
}

// cacheKey fingerprints a request. Cached payloads are only invalidated by TTL.
func cacheKey(task string, budget int, f storage.Filters) string {
	sum := sha256.Sum256([]byte(task))
	return hex.EncodeToString(sum[:]) + "|" + fmt.Sprint(budget) + "|" + f.Key()
}

// Load returns the context payload for task within budget tokens.
func (a *Assembler) Load(ctx context.Context, task string, budget int, f storage.Filters) (Payload, error) {
	if budget <= 0 {
		budget = a.opts.DefaultBudget
	}
	ctx, span := a.tracer.Start(ctx, "contextload.load")
	defer span.End()

	key := cacheKey(task, budget, f)
	if p, ok := a.cache.Get(key); ok {
		a.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "hit")))
		p.Cached = true
		return p, nil
	}
	a.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "miss")))

	v, err, _ := a.group.Do(key, func() (any, error) {
		p, err := a.assemble(ctx, task, budget, f)
		if err != nil {
			return Payload{}, err
		}
		// Degraded payloads are not cached so a recovered backend is used next time.
		if len(p.Degraded) == 0 {
			a.cache.Add(key, p)
		}
		return p, nil
	})
	if err != nil {
		return Payload{}, err
	}
	p := v.(Payload)
	span.SetAttributes(
		attribute.Int("orchmem.context.budget", budget),
		attribute.Int("orchmem.context.tokens", p.TotalTokens),
		attribute.String("orchmem.search.mode", p.Mode),
	)
	return p, nil
}

// Purge drops every cached payload.
func (a *Assembler) Purge() {
	a.cache.Purge()
}

func (a *Assembler) assemble(ctx context.Context, task string, budget int, f storage.Filters) (Payload, error) {
	p := Payload{Task: task, Budget: budget}

	res, err := a.searcher.Search(ctx, task, f, a.opts.IndexCap)
	if err != nil {
		return p, fmt.Errorf("searching history: %w", err)
	}
	p.Mode = res.Mode
	p.Degraded = res.Degraded
	if len(res.Hits) == 0 {
		return p, nil
	}

	ids := make([]string, len(res.Hits))
	for i, h := range res.Hits {
		ids[i] = h.ID
	}
	recs, err := a.loader.GetRecords(ctx, ids)
	if err != nil {
		return p, fmt.Errorf("loading records: %w", err)
	}
	obs, err := a.loader.ObservationsFor(ctx, ids)
	if err != nil {
		a.logger.Warn("loading observations for context", "error", err)
		p.Degraded = append(p.Degraded, "observations unavailable")
		obs = nil
	}

	est := a.opts.Estimator
	reserve := int(float64(budget) * a.opts.SafetyFraction)
	pool := int(float64(budget) * (1 - a.opts.SafetyFraction))

	// Every hit is a candidate; the search limit is the index cap.
	var candidates []candidate
	for _, h := range res.Hits {
		rec, ok := recs[h.ID]
		if !ok {
			continue
		}
		entry := IndexEntry{ID: rec.ID, Summary: summarize(rec), Score: h.Score}
		entry.Tokens = est(entry.line())
		candidates = append(candidates, candidate{entry: entry, rec: rec})
	}

	// Layer 2: expand in rank order until the next detail would overflow the pool.
	layer2 := 0
	expanded := 0
	for _, c := range candidates {
		d := Detail{
			ID:           c.rec.ID,
			Pattern:      c.rec.Pattern,
			Agents:       c.rec.AgentIDs(),
			Task:         c.rec.Task,
			Success:      c.rec.Success,
			Score:        c.entry.Score,
			Excerpt:      truncateTokens(c.rec.Result, a.opts.ExcerptTokens, est),
			Observations: obs[c.rec.ID],
		}
		d.Tokens = est(d.render())
		if layer2+d.Tokens > pool {
			break
		}
		layer2 += d.Tokens
		p.Details = append(p.Details, d)
		expanded++
	}

	// Layer 1: the remaining candidates keep an index line while the reserve allows.
	for _, c := range candidates[expanded:] {
		if p.Layer1Tokens+c.entry.Tokens > reserve {
			break
		}
		p.Index = append(p.Index, c.entry)
		p.Layer1Tokens += c.entry.Tokens
	}
	p.Layer2Tokens = layer2
	p.TotalTokens = p.Layer1Tokens + p.Layer2Tokens
	return p, nil
}

type candidate struct {
	entry IndexEntry
	rec   storage.Record
}

// summarize renders the one-line summary used in the index layer.
func summarize(r storage.Record) string {
	outcome := "succeeded"
	if !r.Success {
		outcome = "failed"
	}
	task := r.Task
	if i := strings.IndexByte(task, '\n'); i >= 0 {
		task = task[:i]
	}
	if len(task) > 80 {
		task = truncateBytes(task, 77) + "..."
	}
	return fmt.Sprintf("%s, %s: %s", r.Pattern, outcome, task)
}

// truncateTokens shortens text until est reports at most n tokens.
func truncateTokens(text string, n int, est Estimator) string {
	t := est(text)
	if t <= n {
		return text
	}
	cut := len(text) * n / t
	for cut > 0 {
		s := truncateBytes(text, cut)
		if est(s) <= n {
			return s
		}
		cut = cut * 9 / 10
	}
	return ""
}

func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
