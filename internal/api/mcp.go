package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/orchmem/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Memory Memory
}

// NewMCPServer creates an MCP server exposing orchestration memory to agents.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"orchmem",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("orchmem: memory of past orchestrations, their outcomes and costs."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("memory_search",
			mcp.WithDescription("Search past orchestrations by keyword and similarity."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("pattern", mcp.Description("Only orchestrations using this pattern")),
			mcp.WithString("agent", mcp.Description("Only orchestrations this agent took part in")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("load_context",
			mcp.WithDescription("Build a token-budgeted summary of past orchestrations relevant to a task."),
			mcp.WithString("task", mcp.Description("Task about to be orchestrated"), mcp.Required()),
			mcp.WithNumber("budget", mcp.Description("Token budget for the context (default from config)")),
		),
		mcpLoadContext(deps),
	)

	s.AddTool(
		mcp.NewTool("recommend_pattern",
			mcp.WithDescription("Recommend orchestration patterns and teams that succeeded on similar tasks."),
			mcp.WithString("task", mcp.Description("Task description"), mcp.Required()),
		),
		mcpRecommend(deps),
	)

	s.AddTool(
		mcp.NewTool("usage_status",
			mcp.WithDescription("Current daily and monthly spend against the configured budget."),
		),
		mcpUsageStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("save_orchestration",
			mcp.WithDescription("Save a completed orchestration record."),
			mcp.WithString("record", mcp.Description("Orchestration record as a JSON object"), mcp.Required()),
		),
		mcpSave(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"orchmem://usage/status",
			"Usage Status",
			mcp.WithResourceDescription("Current spend and budget alert level as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceUsage(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"orchmem://recent",
			"Recent Orchestrations",
			mcp.WithResourceDescription("Last 10 saved orchestrations (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || query == "" {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}
		f := storage.Filters{
			Pattern: req.GetString("pattern", ""),
			AgentID: req.GetString("agent", ""),
		}

		res, err := deps.Memory.HybridSearch(ctx, query, f, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpLoadContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		task, err := req.RequireString("task")
		if err != nil || task == "" {
			return mcpError("task is required"), nil
		}
		p, err := deps.Memory.LoadContext(ctx, task, req.GetInt("budget", 0), storage.Filters{})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load context: %v", err)), nil
		}
		if p.Empty() {
			return mcpText("No relevant past orchestrations."), nil
		}
		return mcpText(p.Render()), nil
	}
}

func mcpRecommend(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		task, err := req.RequireString("task")
		if err != nil || task == "" {
			return mcpError("task is required"), nil
		}
		recs := deps.Memory.RecommendPattern(ctx, task)
		if len(recs) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(recs)
	}
}

func mcpUsageStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Memory.UsageStatus(ctx))
	}
}

func mcpSave(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("record")
		if err != nil {
			return mcpError("record is required"), nil
		}
		var sr SaveRequest
		if err := json.Unmarshal([]byte(raw), &sr); err != nil {
			return mcpError(fmt.Sprintf("invalid record JSON: %v", err)), nil
		}
		if sr.Pattern == "" {
			return mcpError("pattern is required"), nil
		}
		id, err := deps.Memory.SaveWithCosts(ctx, sr.Record, sr.AgentCosts)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Saved orchestration %s", id)), nil
	}
}

func mcpResourceUsage(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Memory.UsageStatus(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal usage status: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		recs, err := deps.Memory.List(ctx, storage.Filters{}, 10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list recent orchestrations: %w", err)
		}

		type recordSummary struct {
			ID      string  `json:"id"`
			EndedAt string  `json:"ended_at"`
			Pattern string  `json:"pattern"`
			Task    string  `json:"task"`
			Success bool    `json:"success"`
			Cost    float64 `json:"cost"`
		}

		summaries := make([]recordSummary, len(recs))
		for i, r := range recs {
			task := r.Task
			if utf8.RuneCountInString(task) > 200 {
				runes := []rune(task)
				task = string(runes[:200]) + "..."
			}
			summaries[i] = recordSummary{
				ID:      r.ID,
				EndedAt: r.EndedAt.Format(time.RFC3339),
				Pattern: r.Pattern,
				Task:    task,
				Success: r.Success,
				Cost:    r.Cost,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal orchestrations: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
