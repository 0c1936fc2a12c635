// Package search blends keyword and similarity retrieval over orchestration
// records, degrading to whichever source is still answering.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/orchmem/internal/similarity"
	"github.com/kalambet/orchmem/internal/storage"
	"github.com/kalambet/orchmem/internal/telemetry"
)

// Search modes reported in Result.Mode.
const (
	ModeHybrid     = "hybrid"
	ModeKeyword    = "keyword"
	ModeSimilarity = "similarity"
	ModeNone       = "none"
)

// Blend weights for the combined score.
const (
	SimilarityWeight = 0.7
	KeywordWeight    = 0.3
)

// KeywordStore is the keyword side of a hybrid search.
type KeywordStore interface {
	SearchKeyword(ctx context.Context, query string, f storage.Filters, limit int) ([]storage.KeywordHit, error)
	EndTimes(ctx context.Context, ids []string) (map[string]time.Time, error)
}

// VectorIndex is the similarity side of a hybrid search.
type VectorIndex interface {
	Search(ctx context.Context, query string, f storage.Filters, limit int) ([]similarity.Hit, error)
}

// Hit is one merged result. Similarity and Keyword are the normalized
// per-source scores, zero when the source did not return the record.
type Hit struct {
	ID         string    `json:"id"`
	Score      float64   `json:"score"`
	Similarity float64   `json:"similarity"`
	Keyword    float64   `json:"keyword"`
	EndedAt    time.Time `json:"ended_at"`
}

// Result is the outcome of a Search.
type Result struct {
	Hits     []Hit    `json:"hits"`
	Mode     string   `json:"mode"`
	Degraded []string `json:"degraded,omitempty"`
}

// Options tunes a Searcher.
type Options struct {
	Timeout time.Duration // both sub-searches, default 2s
	Logger  *slog.Logger
}

// Searcher runs keyword and similarity search concurrently and merges them.
type Searcher struct {
	store   KeywordStore
	index   VectorIndex
	timeout time.Duration
	logger  *slog.Logger

	tracer      trace.Tracer
	searches    metric.Int64Counter
	searchDurMs metric.Float64Histogram
}

// New builds a Searcher. index may be nil, in which case every search runs
// in keyword mode without being reported as degraded.
func New(store KeywordStore, index VectorIndex, opts Options) *Searcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	meter := telemetry.Meter("orchmem/search")
	searches, _ := meter.Int64Counter("orchmem.search.count",
		metric.WithDescription("Searches executed, by mode"),
	)
	dur, _ := meter.Float64Histogram("orchmem.search.duration",
		metric.WithDescription("Time to execute hybrid search (ms)"),
		metric.WithUnit("ms"),
	)
	return &Searcher{
		store:       store,
		index:       index,
		timeout:     opts.Timeout,
		logger:      opts.Logger,
		tracer:      telemetry.Tracer("orchmem/search"),
		searches:    searches,
		searchDurMs: dur,
	}
}

// Search returns at most limit records ranked by the blended score.
// It only returns an error when ctx itself is done; backend failures are
// reported through Result.Mode and Result.Degraded.
func (s *Searcher) Search(ctx context.Context, query string, f storage.Filters, limit int) (Result, error) {
	if limit <= 0 {
		limit = 10
	}
	ctx, span := s.tracer.Start(ctx, "search.hybrid")
	defer span.End()
	start := time.Now()

	// Each side fetches a wider pool so the merge has material to rerank.
	fetch := 2 * limit

	var (
		kwHits  []storage.KeywordHit
		simHits []similarity.Hit
		kwErr   error
		simErr  error
	)
	subCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// A plain group: one side failing must not cancel the other.
	var g errgroup.Group
	g.Go(func() error {
		kwHits, kwErr = s.store.SearchKeyword(subCtx, query, f, fetch)
		if kwErr == nil && subCtx.Err() != nil {
			kwErr = subCtx.Err()
		}
		return nil
	})
	g.Go(func() error {
		if s.index == nil {
			return nil
		}
		simHits, simErr = s.index.Search(subCtx, query, f, fetch)
		if simErr == nil && subCtx.Err() != nil {
			simErr = subCtx.Err()
		}
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Result{Mode: ModeNone}, err
	}

	var res Result
	if simErr != nil {
		res.Degraded = append(res.Degraded, fmt.Sprintf("similarity search unavailable: %v", simErr))
		s.logger.Warn("similarity search unavailable, using keyword results", "error", simErr)
	}
	if kwErr != nil {
		res.Degraded = append(res.Degraded, fmt.Sprintf("keyword search unavailable: %v", kwErr))
		s.logger.Warn("keyword search failed", "error", kwErr)
	}

	switch {
	case kwErr == nil && s.index == nil:
		res.Mode = ModeKeyword
		res.Hits = keywordOnly(kwHits)
	case kwErr == nil && simErr == nil:
		res.Mode = ModeHybrid
		res.Hits = s.merge(ctx, kwHits, simHits)
	case kwErr == nil:
		res.Mode = ModeKeyword
		res.Hits = keywordOnly(kwHits)
	case simErr == nil && s.index != nil:
		res.Mode = ModeSimilarity
		res.Hits = s.similarityOnly(ctx, simHits)
	default:
		res.Mode = ModeNone
	}

	if len(res.Hits) > limit {
		res.Hits = res.Hits[:limit]
	}

	attrs := metric.WithAttributes(attribute.String("mode", res.Mode))
	s.searches.Add(ctx, 1, attrs)
	s.searchDurMs.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	span.SetAttributes(attribute.String("orchmem.search.mode", res.Mode), attribute.Int("orchmem.search.hits", len(res.Hits)))
	return res, nil
}

// merge blends both result sets. Similarity-only hits need their end times
// from the store for tie-breaking; a failure there leaves them zero.
func (s *Searcher) merge(ctx context.Context, kw []storage.KeywordHit, sim []similarity.Hit) []Hit {
	kwNorm := normalize(len(kw), func(i int) float64 { return kw[i].Score })
	simNorm := normalize(len(sim), func(i int) float64 { return sim[i].Score })

	byID := make(map[string]*Hit, len(kw)+len(sim))
	order := make([]string, 0, len(kw)+len(sim))
	get := func(id string) *Hit {
		h, ok := byID[id]
		if !ok {
			h = &Hit{ID: id}
			byID[id] = h
			order = append(order, id)
		}
		return h
	}
	for i, k := range kw {
		h := get(k.ID)
		h.Keyword = kwNorm[i]
		h.EndedAt = k.EndedAt
	}
	var missing []string
	for i, sh := range sim {
		h := get(sh.ID)
		h.Similarity = simNorm[i]
		if h.EndedAt.IsZero() {
			missing = append(missing, sh.ID)
		}
	}
	if len(missing) > 0 {
		ends, err := s.store.EndTimes(ctx, missing)
		if err != nil {
			s.logger.Warn("loading end times for similarity hits", "error", err)
		}
		for id, t := range ends {
			byID[id].EndedAt = t
		}
	}

	hits := make([]Hit, 0, len(order))
	for _, id := range order {
		h := byID[id]
		h.Score = Blend(h.Similarity, h.Keyword)
		hits = append(hits, *h)
	}
	sortHits(hits)
	return hits
}

// keywordOnly keeps the keyword ranking verbatim with normalized scores.
func keywordOnly(kw []storage.KeywordHit) []Hit {
	norm := normalize(len(kw), func(i int) float64 { return kw[i].Score })
	hits := make([]Hit, len(kw))
	for i, k := range kw {
		hits[i] = Hit{ID: k.ID, Score: norm[i], Keyword: norm[i], EndedAt: k.EndedAt}
	}
	return hits
}

// similarityOnly keeps the similarity ranking with normalized scores.
func (s *Searcher) similarityOnly(ctx context.Context, sim []similarity.Hit) []Hit {
	norm := normalize(len(sim), func(i int) float64 { return sim[i].Score })
	ids := make([]string, len(sim))
	for i, h := range sim {
		ids[i] = h.ID
	}
	ends, err := s.store.EndTimes(ctx, ids)
	if err != nil {
		s.logger.Warn("loading end times for similarity hits", "error", err)
	}
	hits := make([]Hit, len(sim))
	for i, h := range sim {
		hits[i] = Hit{ID: h.ID, Score: norm[i], Similarity: norm[i], EndedAt: ends[h.ID]}
	}
	return hits
}

// Blend combines normalized per-source scores. A source that did not return
// the record contributes zero.
func Blend(sim, kw float64) float64 {
	return SimilarityWeight*sim + KeywordWeight*kw
}

// normalize min-max scales n scores into [0,1]. When every score is equal,
// each normalizes to 1.
func normalize(n int, score func(i int) float64) []float64 {
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	lo, hi := score(0), score(0)
	for i := 1; i < n; i++ {
		v := score(i)
		lo = min(lo, v)
		hi = max(hi, v)
	}
	for i := range out {
		if hi == lo {
			out[i] = 1
			continue
		}
		out[i] = (score(i) - lo) / (hi - lo)
	}
	return out
}

// sortHits orders by score, then most recent end time, then id.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.EndedAt.Equal(b.EndedAt) {
			return a.EndedAt.After(b.EndedAt)
		}
		return a.ID < b.ID
	})
}
