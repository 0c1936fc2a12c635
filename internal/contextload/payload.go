package contextload

import (
	"fmt"
	"strings"

	"github.com/kalambet/orchmem/internal/storage"
)

// IndexEntry is one Layer-1 line.
type IndexEntry struct {
	ID      string  `json:"id"`
	Summary string  `json:"summary"`
	Score   float64 `json:"score"`
	Tokens  int     `json:"tokens"`
}

func (e IndexEntry) line() string {
	return fmt.Sprintf("- %s | %s | relevance %.2f", e.ID, e.Summary, e.Score)
}

// Detail is one fully expanded Layer-2 record.
type Detail struct {
	ID           string                `json:"id"`
	Pattern      string                `json:"pattern"`
	Agents       []string              `json:"agents"`
	Task         string                `json:"task"`
	Success      bool                  `json:"success"`
	Score        float64               `json:"score"`
	Excerpt      string                `json:"excerpt"`
	Observations []storage.Observation `json:"observations,omitempty"`
	Tokens       int                   `json:"tokens"`
}

func (d Detail) render() string {
	var b strings.Builder
	outcome := "succeeded"
	if !d.Success {
		outcome = "failed"
	}
	fmt.Fprintf(&b, "### %s (%s, %s, relevance %.2f)\n", d.ID, d.Pattern, outcome, d.Score)
	fmt.Fprintf(&b, "Task: %s\n", d.Task)
	if len(d.Agents) > 0 {
		fmt.Fprintf(&b, "Agents: %s\n", strings.Join(d.Agents, ", "))
	}
	if len(d.Observations) > 0 {
		b.WriteString("Observations:\n")
		for _, o := range d.Observations {
			fmt.Fprintf(&b, "- [%s] %s", o.Category, o.Content)
			if o.Agent != "" {
				fmt.Fprintf(&b, " (%s)", o.Agent)
			}
			b.WriteByte('\n')
		}
	}
	if d.Excerpt != "" {
		fmt.Fprintf(&b, "Result:\n%s\n", d.Excerpt)
	}
	return b.String()
}

// Payload is an assembled context. Details are Layer 2; Index holds the
// Layer-1 lines of candidates that were not expanded.
type Payload struct {
	Task         string       `json:"task"`
	Budget       int          `json:"budget"`
	Details      []Detail     `json:"details"`
	Index        []IndexEntry `json:"index"`
	Layer1Tokens int          `json:"layer1_tokens"`
	Layer2Tokens int          `json:"layer2_tokens"`
	TotalTokens  int          `json:"total_tokens"`
	Mode         string       `json:"mode"`
	Degraded     []string     `json:"degraded,omitempty"`
	Cached       bool         `json:"cached"`
}

// Empty reports whether the payload carries no history.
func (p Payload) Empty() bool {
	return len(p.Details) == 0 && len(p.Index) == 0
}

// Render produces the text block handed to agents.
func (p Payload) Render() string {
	if p.Empty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Relevant past orchestrations\n\n")
	for _, d := range p.Details {
		b.WriteString(d.render())
		b.WriteByte('\n')
	}
	if len(p.Index) > 0 {
		b.WriteString("## Other related orchestrations\n")
		for _, e := range p.Index {
			b.WriteString(e.line())
			b.WriteByte('\n')
		}
	}
	return b.String()
}
