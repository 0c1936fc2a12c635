// Package memory composes the record store, similarity index, hybrid search,
// context assembler, observation extractor, pattern recommender and usage
// ledger into the one API the orchestrator talks to.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kalambet/orchmem/internal/config"
	"github.com/kalambet/orchmem/internal/contextload"
	"github.com/kalambet/orchmem/internal/observe"
	"github.com/kalambet/orchmem/internal/recommend"
	"github.com/kalambet/orchmem/internal/search"
	"github.com/kalambet/orchmem/internal/similarity"
	"github.com/kalambet/orchmem/internal/storage"
	"github.com/kalambet/orchmem/internal/telemetry"
	"github.com/kalambet/orchmem/internal/usage"
	"github.com/kalambet/orchmem/internal/worker"
)

// Deps are the collaborators New cannot build from config alone. A nil Store
// makes the Service inert; a nil Backend or Embedder disables similarity; a
// nil Categorizer leaves extraction to the rules.
type Deps struct {
	Store       *storage.Store
	Backend     similarity.Backend
	Embedder    similarity.Embedder
	Categorizer observe.Categorizer
	Now         func() time.Time
	Logger      *slog.Logger

	closeStore bool
}

// Service is the orchestrator-facing memory API. Every enhancement degrades
// on its own; only storage failures on Save are hard errors.
type Service struct {
	cfg    config.Config
	store  *storage.Store
	now    func() time.Time
	logger *slog.Logger

	index       *similarity.Index
	searcher    *search.Searcher
	assembler   *contextload.Assembler
	extractor   *observe.Extractor
	recommender *recommend.Recommender
	ledger      *usage.Ledger

	closeStore bool
	closers    []io.Closer

	saves       metric.Int64Counter
	transitions metric.Int64Counter
}

// New wires the services over deps according to cfg.
func New(ctx context.Context, cfg config.Config, deps Deps) (*Service, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	meter := telemetry.Meter("orchmem/memory")
	saves, _ := meter.Int64Counter("orchmem.memory.saves",
		metric.WithDescription("Orchestration records saved"),
	)
	transitions, _ := meter.Int64Counter("orchmem.breaker.transitions",
		metric.WithDescription("Similarity circuit breaker state changes, by target state"),
	)
	s := &Service{
		cfg:         cfg,
		store:       deps.Store,
		now:         deps.Now,
		logger:      deps.Logger,
		closeStore:  deps.closeStore,
		saves:       saves,
		transitions: transitions,
	}
	if deps.Store == nil || !cfg.Memory.Enabled {
		s.store = nil
		s.logger.Info("memory disabled")
		return s, nil
	}
	if c, ok := deps.Backend.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}

	var backend similarity.Backend
	var embedder similarity.Embedder
	if cfg.Vector.Backend != "disabled" {
		backend, embedder = deps.Backend, deps.Embedder
	}
	breaker := similarity.NewBreaker(similarity.BreakerSettings{
		Name:     "similarity-" + cfg.Vector.Backend,
		Failures: cfg.Vector.BreakerFailures,
		Cooldown: config.Duration(cfg.Vector.BreakerCooldown),
		Logger:   s.logger,
		OnStateChange: func(_, _, to string) {
			s.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", to)))
		},
	})
	s.index = similarity.NewIndex(backend, embedder, breaker, similarity.Options{
		CallTimeout:    config.Duration(cfg.Vector.CallTimeout),
		Logger:         s.logger,
		OnIndexFailure: s.scheduleReindex,
	})
	var vectors search.VectorIndex
	if s.index.Enabled() {
		vectors = s.index
	} else {
		s.logger.Info("similarity search disabled, using keyword search only")
	}

	s.searcher = search.New(s.store, vectors, search.Options{
		Timeout: config.Duration(cfg.Vector.SearchTimeout),
		Logger:  s.logger,
	})
	s.assembler = contextload.New(s.searcher, s.store, contextload.Options{
		DefaultBudget:  cfg.Context.TokenBudget,
		SafetyFraction: cfg.Context.SafetyFraction,
		IndexCap:       cfg.Context.IndexCap,
		CacheSize:      cfg.Context.CacheSize,
		CacheTTL:       config.Duration(cfg.Context.CacheTTL),
		Logger:         s.logger,
	})

	var categorizer observe.Categorizer
	if cfg.AI.Enabled {
		categorizer = deps.Categorizer
	}
	s.extractor = observe.NewExtractor(categorizer, config.Duration(cfg.AI.Timeout), s.logger)

	if cfg.Recommend.Enabled {
		s.recommender = recommend.New(s.searcher, s.store, recommend.Options{
			PriorRate:   cfg.Recommend.PriorRate,
			PriorWeight: cfg.Recommend.PriorWeight,
			Logger:      s.logger,
		})
	}

	if cfg.Usage.Enabled {
		ledger, err := usage.New(ctx, s.store, usage.Budget{
			Daily:   cfg.Usage.DailyBudget,
			Monthly: cfg.Usage.MonthlyBudget,
		}, usage.Options{Now: s.now, Logger: s.logger})
		if err != nil {
			return nil, fmt.Errorf("loading usage ledger: %w", err)
		}
		s.ledger = ledger
	}
	return s, nil
}

// Enabled reports whether memory is active.
func (s *Service) Enabled() bool { return s.store != nil }

// Store exposes the record store to the worker and server wiring. Nil when
// memory is disabled.
func (s *Service) Store() *storage.Store { return s.store }

// Config returns the configuration the Service was built from.
func (s *Service) Config() config.Config { return s.cfg }

// Close waits for in-flight indexing and releases backends and the store.
func (s *Service) Close() error {
	if s.index != nil {
		s.index.Wait()
	}
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	if s.closeStore && s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}

// Save persists rec and fans out the follow-up work: background indexing, an
// observation extraction job and a usage entry. Only the store write can
// fail the call. The usage entry splits the cost evenly across agents.
func (s *Service) Save(ctx context.Context, rec storage.Record) (string, error) {
	return s.SaveWithCosts(ctx, rec, nil)
}

// SaveWithCosts is Save with an explicit per-agent cost breakdown.
func (s *Service) SaveWithCosts(ctx context.Context, rec storage.Record, agentCosts map[string]float64) (string, error) {
	if !s.Enabled() {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		return rec.ID, nil
	}

	id, err := s.store.SaveRecord(ctx, rec)
	if err != nil {
		return "", err
	}
	rec.ID = id
	s.saves.Add(ctx, 1, metric.WithAttributes(attribute.String("pattern", rec.Pattern)))

	if s.index.Enabled() {
		s.index.IndexAsync(id, similarity.EmbedText(rec), similarity.MetaFor(rec))
	}
	if err := worker.Enqueue(ctx, s.store, worker.JobExtractObservations, id); err != nil {
		s.logger.Warn("observation extraction not scheduled", "record_id", id, "error", err)
	}

	if s.ledger != nil {
		if agentCosts == nil {
			agentCosts = evenSplit(rec)
		}
		_, err := s.ledger.Record(ctx, storage.UsageEntry{
			OrchestrationID: id,
			Pattern:         rec.Pattern,
			Cost:            rec.Cost,
			Tokens:          rec.Tokens,
			AgentCosts:      agentCosts,
			RecordedAt:      rec.EndedAt,
		})
		switch {
		case errors.Is(err, usage.ErrBudgetExceeded):
			s.logger.Warn("usage budget exceeded", "record_id", id, "error", err)
		case err != nil:
			s.logger.Error("recording usage failed", "record_id", id, "error", err)
		}
	}
	return id, nil
}

func evenSplit(rec storage.Record) map[string]float64 {
	ids := rec.AgentIDs()
	if len(ids) == 0 {
		return nil
	}
	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		out[id] += rec.Cost / float64(len(ids))
	}
	return out
}

// scheduleReindex is the index failure hook: the worker retries through the
// durable queue.
func (s *Service) scheduleReindex(id string, _ error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := worker.Enqueue(ctx, s.store, worker.JobIndexRecord, id); err != nil {
		s.logger.Error("index retry not scheduled", "record_id", id, "error", err)
	}
}

// Get returns the record with id, or storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (storage.Record, error) {
	if !s.Enabled() {
		return storage.Record{}, storage.ErrNotFound
	}
	return s.store.GetRecord(ctx, id)
}

// List returns records matching f, newest first.
func (s *Service) List(ctx context.Context, f storage.Filters, limit, offset int) ([]storage.Record, error) {
	if !s.Enabled() {
		return []storage.Record{}, nil
	}
	return s.store.ListRecords(ctx, f, limit, offset)
}

// AppendObservations attaches caller-supplied observations to a record.
func (s *Service) AppendObservations(ctx context.Context, id string, obs []storage.Observation) error {
	if !s.Enabled() {
		return nil
	}
	return s.store.AppendObservations(ctx, id, obs)
}

// Observations lists the observations attached to a record.
func (s *Service) Observations(ctx context.Context, id string) ([]storage.Observation, error) {
	if !s.Enabled() {
		return []storage.Observation{}, nil
	}
	if _, err := s.store.GetRecord(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListObservations(ctx, id)
}

// SearchKeyword runs keyword search alone. A store failure yields an empty
// result flagged as degraded.
func (s *Service) SearchKeyword(ctx context.Context, query string, f storage.Filters, limit int) search.Result {
	res := search.Result{Hits: []search.Hit{}, Mode: search.ModeKeyword}
	if !s.Enabled() {
		res.Mode = search.ModeNone
		return res
	}
	hits, err := s.store.SearchKeyword(ctx, query, f, limit)
	if err != nil {
		s.logger.Warn("keyword search failed", "error", err)
		res.Mode = search.ModeNone
		res.Degraded = []string{"keyword"}
		return res
	}
	for _, h := range hits {
		res.Hits = append(res.Hits, search.Hit{ID: h.ID, Score: h.Score, Keyword: h.Score, EndedAt: h.EndedAt})
	}
	return res
}

// HybridSearch blends keyword and similarity search.
func (s *Service) HybridSearch(ctx context.Context, query string, f storage.Filters, limit int) (search.Result, error) {
	if !s.Enabled() {
		return search.Result{Hits: []search.Hit{}, Mode: search.ModeNone}, nil
	}
	return s.searcher.Search(ctx, query, f, limit)
}

// LoadContext assembles a token-bounded context for task. budget <= 0 uses
// the configured default.
func (s *Service) LoadContext(ctx context.Context, task string, budget int, f storage.Filters) (contextload.Payload, error) {
	if !s.Enabled() {
		return contextload.Payload{Task: task, Budget: budget, Mode: search.ModeNone}, nil
	}
	return s.assembler.Load(ctx, task, budget, f)
}

// ExtractObservations derives observations from a stored record and appends
// them. It is what the extraction job runs.
func (s *Service) ExtractObservations(ctx context.Context, id string) ([]storage.Observation, error) {
	if !s.Enabled() {
		return nil, nil
	}
	rec, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	obs := s.extractor.Extract(ctx, rec)
	if len(obs) == 0 {
		return obs, nil
	}
	if err := s.store.AppendObservations(ctx, id, obs); err != nil {
		return nil, fmt.Errorf("saving observations for %s: %w", id, err)
	}
	return obs, nil
}

// IndexRecord synchronously (re)indexes one stored record. It is what the
// index retry job runs.
func (s *Service) IndexRecord(ctx context.Context, id string) error {
	if !s.Enabled() || !s.index.Enabled() {
		return nil
	}
	rec, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	return s.index.Index(ctx, id, similarity.EmbedText(rec), similarity.MetaFor(rec))
}

// Reindex embeds every stored record again, page by page.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if !s.Enabled() || !s.index.Enabled() {
		return 0, similarity.ErrUnavailable
	}
	const page = 200
	total := 0
	for offset := 0; ; offset += page {
		recs, err := s.store.ListRecords(ctx, storage.Filters{}, page, offset)
		if err != nil {
			return total, err
		}
		n, err := s.index.Reindex(ctx, recs)
		total += n
		if err != nil {
			return total, err
		}
		if len(recs) < page {
			return total, nil
		}
	}
}

// RecommendPattern ranks (pattern, team) candidates for task. It is empty
// when recommendations are disabled or there is no history.
func (s *Service) RecommendPattern(ctx context.Context, task string) []recommend.Recommendation {
	if !s.Enabled() || s.recommender == nil {
		return []recommend.Recommendation{}
	}
	return s.recommender.Recommend(ctx, task)
}

// RecordUsage appends a usage entry. The error may wrap
// usage.ErrBudgetExceeded alongside a valid status.
func (s *Service) RecordUsage(ctx context.Context, e storage.UsageEntry) (usage.Status, error) {
	if !s.Enabled() || s.ledger == nil {
		return usage.Status{AlertLevel: usage.AlertNone}, nil
	}
	return s.ledger.Record(ctx, e)
}

// UsageStatus reports spend against the budgets.
func (s *Service) UsageStatus(ctx context.Context) usage.Status {
	if !s.Enabled() || s.ledger == nil {
		return usage.Status{AlertLevel: usage.AlertNone}
	}
	return s.ledger.Status(ctx)
}

// CheckBudget returns usage.ErrBudgetExceeded when a cap has been reached.
func (s *Service) CheckBudget(ctx context.Context) error {
	if !s.Enabled() || s.ledger == nil {
		return nil
	}
	return s.ledger.Check(ctx)
}

// UsageReport groups usage for period by agent or pattern.
func (s *Service) UsageReport(ctx context.Context, period, groupBy string) ([]usage.ReportRow, error) {
	if !s.Enabled() || s.ledger == nil {
		return []usage.ReportRow{}, nil
	}
	return s.ledger.Report(ctx, period, groupBy)
}

// UsageProjection extrapolates the month's spend.
func (s *Service) UsageProjection(ctx context.Context) usage.Projection {
	if !s.Enabled() || s.ledger == nil {
		return usage.Projection{}
	}
	return s.ledger.Projection(ctx)
}

// PatternStats aggregates outcomes per (pattern, team).
func (s *Service) PatternStats(ctx context.Context, f storage.Filters) ([]storage.PatternStat, error) {
	if !s.Enabled() {
		return []storage.PatternStat{}, nil
	}
	return s.store.PatternStats(ctx, f)
}

// AgentStats aggregates outcomes per agent.
func (s *Service) AgentStats(ctx context.Context, f storage.Filters) ([]storage.AgentStat, error) {
	if !s.Enabled() {
		return []storage.AgentStat{}, nil
	}
	return s.store.AgentStats(ctx, f)
}

// Prune deletes history older than olderThan, or the configured retention
// window when olderThan <= 0, and drops the pruned vectors.
func (s *Service) Prune(ctx context.Context, olderThan time.Duration) (storage.PruneResult, error) {
	if !s.Enabled() {
		return storage.PruneResult{}, nil
	}
	if olderThan <= 0 {
		if s.cfg.Storage.RetentionDays <= 0 {
			return storage.PruneResult{}, nil
		}
		olderThan = time.Duration(s.cfg.Storage.RetentionDays) * 24 * time.Hour
	}
	res, err := s.store.PruneBefore(ctx, s.now().Add(-olderThan))
	if err != nil {
		return res, err
	}
	if len(res.RecordIDs) > 0 && s.index.Enabled() {
		if err := s.index.Delete(ctx, res.RecordIDs); err != nil {
			s.logger.Warn("pruned vectors not deleted", "count", len(res.RecordIDs), "error", err)
		}
	}
	if len(res.RecordIDs) > 0 {
		s.assembler.Purge()
	}
	s.logger.Info("retention pass complete",
		"records", len(res.RecordIDs), "usage_entries", res.UsageEntries, "jobs", res.Jobs)
	return res, nil
}

// RunRetention prunes with the configured window every interval until ctx is
// done.
func (s *Service) RunRetention(ctx context.Context, interval time.Duration) {
	if !s.Enabled() || s.cfg.Storage.RetentionDays <= 0 {
		return
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := s.Prune(ctx, 0); err != nil && ctx.Err() == nil {
			s.logger.Error("retention pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Health summarizes component state.
type Health struct {
	Enabled    bool           `json:"enabled"`
	Store      string         `json:"store"`
	Similarity string         `json:"similarity"`
	Records    int            `json:"records"`
	Jobs       map[string]int `json:"jobs,omitempty"`
	AI         bool           `json:"ai"`
	Usage      bool           `json:"usage"`
}

// Health reports store reachability, breaker state and queue depth.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{Enabled: s.Enabled(), Store: "disabled", Similarity: "disabled"}
	if !s.Enabled() {
		return h
	}
	h.AI = s.cfg.AI.Enabled
	h.Usage = s.ledger != nil
	h.Similarity = s.index.State()
	h.Store = "ok"
	if err := s.store.Ping(ctx); err != nil {
		h.Store = "error: " + err.Error()
		return h
	}
	h.Records, _ = s.store.CountRecords(ctx)
	h.Jobs, _ = s.store.JobCounts(ctx)
	return h
}
