// Package observe distills orchestration results into categorized
// observations, using a model categorizer when one is configured and a
// keyword rule set otherwise.
package observe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kalambet/orchmem/internal/storage"
	"github.com/kalambet/orchmem/internal/telemetry"
)

// Observation sources.
const (
	SourceAI    = "ai"
	SourceRules = "rules"
)

const defaultTimeout = 10 * time.Second

// maxModelObservations caps what is kept from one categorizer reply.
const maxModelObservations = 10

// Categorizer sends a categorization prompt to a model and returns its raw
// reply, expected to be a JSON object matching observationSchema.
type Categorizer interface {
	Categorize(ctx context.Context, system, prompt string) (string, error)
}

// Extractor turns a record into observations. It never fails: when the
// categorizer is missing or misbehaves, the rule set is used instead.
type Extractor struct {
	categorizer Categorizer
	timeout     time.Duration
	logger      *slog.Logger
	extractions metric.Int64Counter
}

// NewExtractor creates an Extractor. categorizer may be nil for rules only;
// timeout <= 0 uses 10s.
func NewExtractor(categorizer Categorizer, timeout time.Duration, logger *slog.Logger) *Extractor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	counter, _ := telemetry.Meter("orchmem/observe").Int64Counter("orchmem.observe.extractions",
		metric.WithDescription("Observation extractions, by path"),
	)
	return &Extractor{categorizer: categorizer, timeout: timeout, logger: logger, extractions: counter}
}

// Extract returns observations for rec with OrchestrationID set. The slice is
// empty when neither path finds anything.
func (e *Extractor) Extract(ctx context.Context, rec storage.Record) []storage.Observation {
	var obs []storage.Observation
	path := SourceRules

	if e.categorizer != nil {
		var err error
		obs, err = e.categorize(ctx, rec)
		switch {
		case err != nil:
			e.logger.Warn("categorizer failed, using rules", "record", rec.ID, "error", err)
		case len(obs) == 0:
			e.logger.Info("categorizer returned no valid observations, using rules", "record", rec.ID)
		default:
			path = SourceAI
		}
	}
	if path == SourceRules {
		obs = ExtractRules(rec)
	}

	for i := range obs {
		obs[i].OrchestrationID = rec.ID
	}
	e.extractions.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
	return obs
}

// modelObservation is one item of the categorizer's JSON reply.
type modelObservation struct {
	Category   string   `json:"category"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags"`
	Importance int      `json:"importance"`
	Agent      string   `json:"agent"`
}

type modelReply struct {
	Observations []modelObservation `json:"observations"`
}

var errMalformedReply = errors.New("malformed categorizer reply")

func (e *Extractor) categorize(ctx context.Context, rec storage.Record) ([]storage.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.categorizer.Categorize(ctx, systemPrompt, BuildPrompt(rec))
	if err != nil {
		return nil, err
	}
	return parseReply(raw, rec)
}

// parseReply decodes the categorizer JSON, dropping unknown categories and
// empty content and clamping importance to 1-10.
func parseReply(raw string, rec storage.Record) ([]storage.Observation, error) {
	body := extractJSONObject(raw)
	if body == "" {
		return nil, fmt.Errorf("%w: no JSON object in %q", errMalformedReply, truncate(raw, 120))
	}
	var reply modelReply
	if err := json.Unmarshal([]byte(body), &reply); err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformedReply, err)
	}

	known := make(map[string]bool, len(rec.Agents))
	for _, a := range rec.Agents {
		known[a.ID] = true
	}

	var out []storage.Observation
	for _, m := range reply.Observations {
		category := strings.ToLower(strings.TrimSpace(m.Category))
		content := strings.TrimSpace(m.Content)
		if !storage.ValidCategory(category) || content == "" {
			continue
		}
		agent := strings.TrimSpace(m.Agent)
		if !known[agent] {
			agent = ""
		}
		out = append(out, storage.Observation{
			Category:   category,
			Content:    content,
			Tags:       cleanTags(m.Tags),
			Importance: min(max(m.Importance, 1), 10),
			Agent:      agent,
			Source:     SourceAI,
		})
		if len(out) == maxModelObservations {
			break
		}
	}
	return out, nil
}

// extractJSONObject returns the outermost {...} span of s, tolerating code
// fences or prose around it.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func cleanTags(tags []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
