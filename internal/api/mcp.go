package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/genreview/internal/review"
	"github.com/kalambet/genreview/internal/stats"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Review *review.Service
	Stats  *stats.Aggregator
	// Actor is recorded as the reviewer when a tool call names none.
	Actor string
}

// NewMCPServer creates an MCP server exposing the review queue and
// generation stats to assistants.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"genreview",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("genreview: review queue and generation statistics for AI-generated learning content."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("review_queue",
			mcp.WithDescription("List content items waiting for review, oldest first."),
			mcp.WithString("kind", mcp.Description("Filter by kind: vision_annotation, fill_in_blank or multiple_choice")),
			mcp.WithString("target_id", mcp.Description("Filter by target id")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of items (default 10)")),
		),
		mcpReviewQueue(deps),
	)

	s.AddTool(
		mcp.NewTool("approve_item",
			mcp.WithDescription("Approve a pending content item."),
			mcp.WithString("id", mcp.Description("Content item id"), mcp.Required()),
			mcp.WithString("actor", mcp.Description("Reviewer name")),
			mcp.WithString("notes", mcp.Description("Optional review notes")),
		),
		mcpApproveItem(deps),
	)

	s.AddTool(
		mcp.NewTool("reject_item",
			mcp.WithDescription("Reject a pending content item with a reason."),
			mcp.WithString("id", mcp.Description("Content item id"), mcp.Required()),
			mcp.WithString("reason", mcp.Description("Why the item was rejected"), mcp.Required()),
			mcp.WithString("actor", mcp.Description("Reviewer name")),
		),
		mcpRejectItem(deps),
	)

	s.AddTool(
		mcp.NewTool("generation_stats",
			mcp.WithDescription("Report cache efficiency, job throughput, reviewer workload and queue depth."),
		),
		mcpGenerationStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"genreview://stats",
			"Generation Dashboard",
			mcp.WithResourceDescription("Current generation and review statistics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func (d MCPDeps) actor(req mcp.CallToolRequest) string {
	return req.GetString("actor", d.Actor)
}

func mcpReviewQueue(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}
		q, err := deps.Review.PendingQueue(ctx, review.QueueFilter{
			Kind:     req.GetString("kind", ""),
			TargetID: req.GetString("target_id", ""),
			Limit:    limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("listing queue failed: %v", err)), nil
		}
		return mcpJSON(q)
	}
}

func mcpApproveItem(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		item, err := deps.Review.Approve(ctx, id, deps.actor(req), req.GetString("notes", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("approve failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Approved %s (%s)", item.ID, item.Kind)), nil
	}
}

func mcpRejectItem(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		reason, err := req.RequireString("reason")
		if err != nil {
			return mcpError("reason is required"), nil
		}
		item, err := deps.Review.Reject(ctx, id, deps.actor(req), reason)
		if err != nil {
			return mcpError(fmt.Sprintf("reject failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Rejected %s (%s)", item.ID, item.Kind)), nil
	}
}

func mcpGenerationStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		d, err := deps.Stats.Dashboard(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("computing stats failed: %v", err)), nil
		}
		return mcpJSON(d)
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		d, err := deps.Stats.Dashboard(ctx)
		if err != nil {
			return nil, fmt.Errorf("computing stats: %w", err)
		}
		b, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
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
