package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateID is returned when saving a record whose id is already taken.
	ErrDuplicateID = errors.New("storage: duplicate id")
	// ErrStorage wraps durable-store I/O failures on the save path.
	ErrStorage = errors.New("storage: failure")
)

// Observation categories.
const (
	CategoryDecision     = "decision"
	CategoryBugfix       = "bugfix"
	CategoryFeature      = "feature"
	CategoryPatternUsage = "pattern-usage"
	CategoryDiscovery    = "discovery"
	CategoryRefactor     = "refactor"
)

// Categories lists every valid observation category.
var Categories = []string{
	CategoryDecision,
	CategoryBugfix,
	CategoryFeature,
	CategoryPatternUsage,
	CategoryDiscovery,
	CategoryRefactor,
}

// ValidCategory reports whether c is one of Categories.
func ValidCategory(c string) bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

type Agent struct {
	ID     string         `json:"id"`
	Role   string         `json:"role,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

type AgentOutput struct {
	AgentID string `json:"agent_id"`
	Output  string `json:"output"`
}

type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Cache  int64 `json:"cache"`
}

func (t TokenUsage) Total() int64 {
	return t.Input + t.Output + t.Cache
}

// Record is one completed orchestration. Records are immutable once saved.
type Record struct {
	ID           string         `json:"id"`
	Pattern      string         `json:"pattern"`
	Agents       []Agent        `json:"agents"`
	Task         string         `json:"task"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Result       string         `json:"result"`
	AgentOutputs []AgentOutput  `json:"agent_outputs,omitempty"`
	Success      bool           `json:"success"`
	Tokens       TokenUsage     `json:"tokens"`
	Cost         float64        `json:"cost"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      time.Time      `json:"ended_at"`
	Notes        string         `json:"notes,omitempty"`
}

// AgentIDs returns the agent ids in participation order.
func (r Record) AgentIDs() []string {
	ids := make([]string, len(r.Agents))
	for i, a := range r.Agents {
		ids[i] = a.ID
	}
	return ids
}

// TeamSignature identifies the set of participating agents independent of order.
func (r Record) TeamSignature() string {
	return TeamSignature(r.AgentIDs())
}

// TeamSignature joins the sorted agent ids with commas.
func TeamSignature(agentIDs []string) string {
	ids := append([]string(nil), agentIDs...)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func (r Record) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

type Observation struct {
	ID              string    `json:"id"`
	OrchestrationID string    `json:"orchestration_id"`
	Category        string    `json:"category"`
	Content         string    `json:"content"`
	Tags            []string  `json:"tags"`
	Importance      int       `json:"importance"`
	Agent           string    `json:"agent,omitempty"`
	Source          string    `json:"source"` // "ai" or "rules"
	CreatedAt       time.Time `json:"created_at"`
}

// Filters restrict keyword, similarity and analytics queries. Zero values
// mean "no restriction".
type Filters struct {
	AgentID string    `json:"agent_id,omitempty"`
	Pattern string    `json:"pattern,omitempty"`
	From    time.Time `json:"from,omitempty"`
	To      time.Time `json:"to,omitempty"`
	Success *bool     `json:"success,omitempty"`
}

// Key returns a stable fingerprint of the filters.
func (f Filters) Key() string {
	success := "any"
	if f.Success != nil {
		success = fmt.Sprintf("%t", *f.Success)
	}
	var from, to string
	if !f.From.IsZero() {
		from = formatTime(f.From)
	}
	if !f.To.IsZero() {
		to = formatTime(f.To)
	}
	return strings.Join([]string{f.AgentID, f.Pattern, from, to, success}, "|")
}

// Match reports whether a record with the given attributes passes the filters.
func (f Filters) Match(pattern string, agentIDs []string, success bool, startedAt time.Time) bool {
	if f.Pattern != "" && f.Pattern != pattern {
		return false
	}
	if f.Success != nil && *f.Success != success {
		return false
	}
	if !f.From.IsZero() && startedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && startedAt.After(f.To) {
		return false
	}
	if f.AgentID != "" {
		found := false
		for _, id := range agentIDs {
			if id == f.AgentID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// KeywordHit is one full-text match with its relevance score (higher is better).
type KeywordHit struct {
	ID      string
	Score   float64
	EndedAt time.Time
}

// PatternStat aggregates outcomes for one (pattern, team) group.
type PatternStat struct {
	Pattern     string        `json:"pattern"`
	Team        string        `json:"team"`
	Attempts    int           `json:"attempts"`
	Successes   int           `json:"successes"`
	AvgCost     float64       `json:"avg_cost"`
	AvgDuration time.Duration `json:"avg_duration"`
}

func (p PatternStat) SuccessRate() float64 {
	if p.Attempts == 0 {
		return 0
	}
	return float64(p.Successes) / float64(p.Attempts)
}

// AgentStat aggregates outcomes for one agent across orchestrations.
type AgentStat struct {
	AgentID   string  `json:"agent_id"`
	Attempts  int     `json:"attempts"`
	Successes int     `json:"successes"`
	AvgCost   float64 `json:"avg_cost"`
}

// UsageEntry is the append-only cost record for one orchestration.
type UsageEntry struct {
	ID              string             `json:"id"`
	OrchestrationID string             `json:"orchestration_id"`
	Pattern         string             `json:"pattern"`
	Cost            float64            `json:"cost"`
	Tokens          TokenUsage         `json:"tokens"`
	AgentCosts      map[string]float64 `json:"agent_costs,omitempty"`
	RecordedAt      time.Time          `json:"recorded_at"`

	// Success is filled on read from the matching orchestration, if any.
	Success *bool `json:"success,omitempty"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
