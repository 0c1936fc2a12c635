// Package api serves the memory service over a local HTTP API and as MCP
// tools.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/orchmem/internal/contextload"
	"github.com/kalambet/orchmem/internal/memory"
	"github.com/kalambet/orchmem/internal/recommend"
	"github.com/kalambet/orchmem/internal/search"
	"github.com/kalambet/orchmem/internal/similarity"
	"github.com/kalambet/orchmem/internal/storage"
	"github.com/kalambet/orchmem/internal/usage"
)

// Memory is the service surface the HTTP and MCP layers expose.
type Memory interface {
	SaveWithCosts(ctx context.Context, rec storage.Record, agentCosts map[string]float64) (string, error)
	Get(ctx context.Context, id string) (storage.Record, error)
	List(ctx context.Context, f storage.Filters, limit, offset int) ([]storage.Record, error)
	Observations(ctx context.Context, id string) ([]storage.Observation, error)
	AppendObservations(ctx context.Context, id string, obs []storage.Observation) error
	ExtractObservations(ctx context.Context, id string) ([]storage.Observation, error)
	SearchKeyword(ctx context.Context, query string, f storage.Filters, limit int) search.Result
	HybridSearch(ctx context.Context, query string, f storage.Filters, limit int) (search.Result, error)
	LoadContext(ctx context.Context, task string, budget int, f storage.Filters) (contextload.Payload, error)
	RecommendPattern(ctx context.Context, task string) []recommend.Recommendation
	RecordUsage(ctx context.Context, e storage.UsageEntry) (usage.Status, error)
	UsageStatus(ctx context.Context) usage.Status
	UsageReport(ctx context.Context, period, groupBy string) ([]usage.ReportRow, error)
	UsageProjection(ctx context.Context) usage.Projection
	PatternStats(ctx context.Context, f storage.Filters) ([]storage.PatternStat, error)
	AgentStats(ctx context.Context, f storage.Filters) ([]storage.AgentStat, error)
	Prune(ctx context.Context, olderThan time.Duration) (storage.PruneResult, error)
	Reindex(ctx context.Context) (int, error)
	Health(ctx context.Context) memory.Health
}

// SaveRequest is a record plus its optional per-agent cost breakdown.
type SaveRequest struct {
	storage.Record
	AgentCosts map[string]float64 `json:"agent_costs,omitempty"`
}

// ContextRequest is the body of POST /context.
type ContextRequest struct {
	Task    string          `json:"task"`
	Budget  int             `json:"budget"`
	Filters storage.Filters `json:"filters"`
}

// ContextResponse carries the structured payload and its rendered text.
type ContextResponse struct {
	contextload.Payload
	Text string `json:"text"`
}

// UsageResponse is returned by POST /usage.
type UsageResponse struct {
	Status         usage.Status `json:"status"`
	BudgetExceeded bool         `json:"budget_exceeded"`
}

type HandlerDeps struct {
	Memory Memory
	Token  string
}

// NewHandler returns the HTTP API. Everything except /health requires the
// bearer token.
func NewHandler(deps HandlerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/orchestrations", handleSave(deps))
		r.Get("/orchestrations", handleList(deps))
		r.Get("/orchestrations/{id}", handleGet(deps))
		r.Get("/orchestrations/{id}/observations", handleListObservations(deps))
		r.Post("/orchestrations/{id}/observations", handleAppendObservations(deps))
		r.Post("/orchestrations/{id}/extract", handleExtract(deps))
		r.Get("/search", handleSearch(deps))
		r.Post("/context", handleContext(deps))
		r.Get("/recommend", handleRecommend(deps))
		r.Post("/usage", handleRecordUsage(deps))
		r.Get("/usage/status", handleUsageStatus(deps))
		r.Get("/usage/report", handleUsageReport(deps))
		r.Get("/usage/projection", handleUsageProjection(deps))
		r.Get("/stats/patterns", handlePatternStats(deps))
		r.Get("/stats/agents", handleAgentStats(deps))
		r.Post("/prune", handlePrune(deps))
		r.Post("/reindex", handleReindex(deps))
	})
	return r
}

func handleHealth(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := deps.Memory.Health(r.Context())
		code := http.StatusOK
		if h.Enabled && h.Store != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	}
}

func handleSave(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SaveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Pattern == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "pattern is required")
			return
		}

		id, err := deps.Memory.SaveWithCosts(r.Context(), req.Record, req.AgentCosts)
		if errors.Is(err, storage.ErrDuplicateID) {
			httpError(w, http.StatusConflict, "conflict", "orchestration %s already exists", req.ID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save orchestration: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func handleList(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilters(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		recs, err := deps.Memory.List(r.Context(), f, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list orchestrations: %v", err)
			return
		}
		if recs == nil {
			recs = []storage.Record{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleGet(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Memory.Get(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "orchestration not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get orchestration: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleListObservations(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		obs, err := deps.Memory.Observations(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "orchestration not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list observations: %v", err)
			return
		}
		if obs == nil {
			obs = []storage.Observation{}
		}
		writeJSON(w, http.StatusOK, obs)
	}
}

func handleAppendObservations(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var obs []storage.Observation
		if err := json.NewDecoder(r.Body).Decode(&obs); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		err := deps.Memory.AppendObservations(r.Context(), chi.URLParam(r, "id"), obs)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "orchestration not found")
		case errors.Is(err, storage.ErrInvalidObservation):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to append observations: %v", err)
		default:
			writeJSON(w, http.StatusOK, map[string]int{"appended": len(obs)})
		}
	}
}

func handleExtract(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		obs, err := deps.Memory.ExtractObservations(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "orchestration not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to extract observations: %v", err)
			return
		}
		if obs == nil {
			obs = []storage.Observation{}
		}
		writeJSON(w, http.StatusOK, obs)
	}
}

func handleSearch(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		f, err := parseFilters(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		limit := parseIntParam(r, "limit", 10, 100)

		var res search.Result
		switch r.URL.Query().Get("mode") {
		case "", search.ModeHybrid:
			res, err = deps.Memory.HybridSearch(r.Context(), q, f, limit)
		case search.ModeKeyword:
			res = deps.Memory.SearchKeyword(r.Context(), q, f, limit)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "mode must be hybrid or keyword")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleContext(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ContextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Task == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "task is required")
			return
		}
		p, err := deps.Memory.LoadContext(r.Context(), req.Task, req.Budget, req.Filters)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load context: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, ContextResponse{Payload: p, Text: p.Render()})
	}
}

func handleRecommend(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task := r.URL.Query().Get("task")
		if task == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "task is required")
			return
		}
		writeJSON(w, http.StatusOK, deps.Memory.RecommendPattern(r.Context(), task))
	}
}

func handleRecordUsage(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var e storage.UsageEntry
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if e.Cost < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "cost must not be negative")
			return
		}
		st, err := deps.Memory.RecordUsage(r.Context(), e)
		if err != nil && !errors.Is(err, usage.ErrBudgetExceeded) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record usage: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, UsageResponse{Status: st, BudgetExceeded: err != nil})
	}
}

func handleUsageStatus(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Memory.UsageStatus(r.Context()))
	}
}

func handleUsageReport(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		period := r.URL.Query().Get("period")
		if period == "" {
			period = usage.PeriodMonth
		}
		by := r.URL.Query().Get("by")
		if by == "" {
			by = usage.GroupByPattern
		}
		rows, err := deps.Memory.UsageReport(r.Context(), period, by)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

func handleUsageProjection(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Memory.UsageProjection(r.Context()))
	}
}

func handlePatternStats(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilters(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		stats, err := deps.Memory.PatternStats(r.Context(), f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute pattern stats: %v", err)
			return
		}
		if stats == nil {
			stats = []storage.PatternStat{}
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleAgentStats(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilters(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		stats, err := deps.Memory.AgentStats(r.Context(), f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute agent stats: %v", err)
			return
		}
		if stats == nil {
			stats = []storage.AgentStat{}
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handlePrune(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			OlderThan string `json:"older_than"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		var olderThan time.Duration
		if req.OlderThan != "" {
			d, err := ParseAge(req.OlderThan)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			olderThan = d
		}
		res, err := deps.Memory.Prune(r.Context(), olderThan)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "prune failed: %v", err)
			return
		}
		if res.RecordIDs == nil {
			res.RecordIDs = []string{}
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleReindex(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Memory.Reindex(r.Context())
		if errors.Is(err, similarity.ErrUnavailable) {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "similarity index is disabled")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reindex failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"indexed": n})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
