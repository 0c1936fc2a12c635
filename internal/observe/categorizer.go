package observe

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kalambet/orchmem/internal/ollama"
)

// OllamaChatter is the interface for chat completion via Ollama.
type OllamaChatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, schema *ollama.Schema) (string, error)
}

// OllamaCategorizer asks a local Ollama model for schema-constrained JSON.
type OllamaCategorizer struct {
	client OllamaChatter
	model  string
}

func NewOllamaCategorizer(client OllamaChatter, model string) *OllamaCategorizer {
	return &OllamaCategorizer{client: client, model: model}
}

func (c *OllamaCategorizer) Categorize(ctx context.Context, system, prompt string) (string, error) {
	return c.client.Chat(ctx, c.model, []ollama.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: prompt},
	}, observationSchema())
}

// anthropicMessages is the subset of the Anthropic messages service used here.
type anthropicMessages interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicCategorizer uses the Anthropic Messages API.
type AnthropicCategorizer struct {
	messages  anthropicMessages
	model     string
	maxTokens int64
}

// NewAnthropicCategorizer creates a categorizer authenticated with apiKey.
func NewAnthropicCategorizer(apiKey, model string) *AnthropicCategorizer {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &AnthropicCategorizer{messages: &client.Messages, model: model, maxTokens: 1024}
}

func (c *AnthropicCategorizer) Categorize(ctx context.Context, system, prompt string) (string, error) {
	msg, err := c.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("anthropic: reply has no text")
	}
	return b.String(), nil
}
