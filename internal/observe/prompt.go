package observe

import (
	"fmt"
	"strings"

	"github.com/kalambet/orchmem/internal/ollama"
	"github.com/kalambet/orchmem/internal/storage"
)

// maxPromptText bounds each text section sent to the categorizer.
const maxPromptText = 6000

const systemPrompt = `You extract lessons from a completed multi-agent orchestration. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Categories:
- "decision": a choice the agents made and the reason for it
- "bugfix": a defect that was found and fixed
- "feature": new behavior that was added
- "pattern-usage": how the orchestration pattern or team composition worked out
- "discovery": something learned about the codebase, tools or problem
- "refactor": structural change without new behavior

Rules:
- Return at most 5 observations, the most useful first.
- Each content is one self-contained sentence.
- importance is 1 (trivia) to 10 (critical for future runs).
- Set agent to the id of the agent the observation comes from, or leave it empty.`

// BuildPrompt renders a record for the categorizer with HTML stripped.
func BuildPrompt(rec storage.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pattern: %s\n", rec.Pattern)
	if len(rec.Agents) > 0 {
		b.WriteString("Agents:\n")
		for _, a := range rec.Agents {
			fmt.Fprintf(&b, "- %s (%s)\n", a.ID, a.Role)
		}
	}
	outcome := "success"
	if !rec.Success {
		outcome = "failure"
	}
	fmt.Fprintf(&b, "Outcome: %s\n", outcome)
	fmt.Fprintf(&b, "\nTask:\n%s\n", truncate(StripHTML(rec.Task), maxPromptText))
	fmt.Fprintf(&b, "\nResult:\n%s\n", truncate(StripHTML(rec.Result), maxPromptText))
	for _, o := range rec.AgentOutputs {
		fmt.Fprintf(&b, "\nOutput of %s:\n%s\n", o.AgentID, truncate(StripHTML(o.Output), maxPromptText))
	}
	if rec.Notes != "" {
		fmt.Fprintf(&b, "\nNotes:\n%s\n", truncate(StripHTML(rec.Notes), maxPromptText))
	}
	return b.String()
}

func ptr(f float64) *float64 { return &f }

// observationSchema is the JSON schema the categorizer reply must follow.
func observationSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"observations": {
				Type:        "array",
				Description: "Lessons from the orchestration",
				Items: &ollama.Schema{
					Type: "object",
					Properties: map[string]ollama.SchemaProperty{
						"category":   {Type: "string", Enum: storage.Categories},
						"content":    {Type: "string", Description: "One self-contained sentence"},
						"tags":       {Type: "array", Items: &ollama.Schema{Type: "string"}},
						"importance": {Type: "integer", Minimum: ptr(1), Maximum: ptr(10)},
						"agent":      {Type: "string", Description: "Agent id the lesson comes from, or empty"},
					},
					Required: []string{"category", "content", "importance"},
				},
			},
		},
		Required: []string{"observations"},
	}
}
