package observe

import (
	"strings"
	"unicode"

	"github.com/kalambet/orchmem/internal/storage"
)

const (
	ruleImportance   = 4
	maxRuleFindings  = 5
	minSentenceBytes = 12
)

// vocabulary maps each category to the phrases that signal it. Categories
// are tried in this order; the first hit wins.
var vocabulary = []struct {
	category string
	phrases  []string
}{
	{storage.CategoryBugfix, []string{"fixed", "fixes", "bug", "resolved", "patched", "regression", "root cause", "crash"}},
	{storage.CategoryDecision, []string{"decided", "chose", "chosen", "opted", "selected", "went with", "trade-off", "tradeoff", "instead of"}},
	{storage.CategoryRefactor, []string{"refactor", "restructured", "cleaned up", "simplified", "extracted", "renamed", "reorganized", "deduplicated"}},
	{storage.CategoryFeature, []string{"implemented", "added", "introduced", "new feature", "support for", "now supports", "created"}},
	{storage.CategoryDiscovery, []string{"discovered", "found that", "learned", "noticed", "turns out", "realized", "observed", "insight"}},
	{storage.CategoryPatternUsage, []string{"parallel", "sequential", "pipeline", "fan-out", "hierarchical", "consensus", "debate", "handoff", "pattern"}},
}

// classify returns the category of a sentence and the phrase that matched.
func classify(sentence string) (category, phrase string, ok bool) {
	lower := strings.ToLower(sentence)
	for _, v := range vocabulary {
		for _, p := range v.phrases {
			if containsWord(lower, p) {
				return v.category, p, true
			}
		}
	}
	return "", "", false
}

// containsWord reports whether phrase occurs in s starting at a word boundary.
func containsWord(s, phrase string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], phrase)
		if j < 0 {
			return false
		}
		at := i + j
		if at == 0 || !isWordRune(rune(s[at-1])) {
			return true
		}
		i = at + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// source is one block of text and the agent it came from.
type source struct {
	agent string
	text  string
}

// ExtractRules classifies the sentences of the result and agent outputs
// against a fixed vocabulary. It returns at most five observations.
func ExtractRules(rec storage.Record) []storage.Observation {
	sources := []source{{text: rec.Result}}
	for _, o := range rec.AgentOutputs {
		sources = append(sources, source{agent: o.AgentID, text: o.Output})
	}

	var out []storage.Observation
	seen := make(map[string]bool)
	for _, src := range sources {
		for _, sentence := range sentences(StripHTML(src.text)) {
			if len(sentence) < minSentenceBytes {
				continue
			}
			category, phrase, ok := classify(sentence)
			if !ok {
				continue
			}
			key := strings.ToLower(sentence)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, storage.Observation{
				Category:   category,
				Content:    sentence,
				Tags:       []string{phrase},
				Importance: ruleImportance,
				Agent:      src.agent,
				Source:     SourceRules,
			})
			if len(out) == maxRuleFindings {
				return out
			}
		}
	}
	return out
}

// sentences splits text on terminal punctuation followed by space, and on
// line breaks. List markers are trimmed.
func sentences(text string) []string {
	var out []string
	emit := func(s string) {
		s = strings.TrimSpace(s)
		s = strings.TrimLeft(s, "-*• \t")
		if s != "" {
			out = append(out, s)
		}
	}
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '\n':
			emit(text[start:i])
			start = i + 1
		case c == '.' || c == '!' || c == '?':
			if i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t' {
				emit(text[start : i+1])
				start = i + 1
			}
		}
	}
	emit(text[start:])
	return out
}
