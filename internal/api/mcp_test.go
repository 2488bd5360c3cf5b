package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/genreview/internal/review"
	"github.com/kalambet/genreview/internal/stats"
	"github.com/kalambet/genreview/internal/storage"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *testEnv) {
	t.Helper()
	e := newTestEnv(t, nil)
	return MCPDeps{Review: e.deps.Review, Stats: e.deps.Stats, Actor: "assistant"}, e
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPTool_ReviewQueue(t *testing.T) {
	deps, e := newTestMCPDeps(t)
	e.generate(t, "cardinal")
	e.generate(t, "robin")

	result, err := mcpReviewQueue(deps)(context.Background(), makeCallToolRequest("review_queue", map[string]interface{}{
		"limit": 1,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var q review.Queue
	if err := json.Unmarshal([]byte(toolText(t, result)), &q); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if q.Total != 2 || len(q.Items) != 1 {
		t.Fatalf("queue total = %d items = %d, want 2/1", q.Total, len(q.Items))
	}
}

func TestMCPTool_ApproveUsesDefaultActor(t *testing.T) {
	deps, e := newTestMCPDeps(t)
	id := e.generate(t, "cardinal").ContentIDs[0]

	result, err := mcpApproveItem(deps)(context.Background(), makeCallToolRequest("approve_item", map[string]interface{}{
		"id": id,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	item, err := e.store.GetContentItem(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != storage.ContentApproved || item.ReviewedBy != "assistant" {
		t.Errorf("item = %s by %q, want approved by assistant", item.Status, item.ReviewedBy)
	}

	// A second decision on the same item is refused.
	result, _ = mcpRejectItem(deps)(context.Background(), makeCallToolRequest("reject_item", map[string]interface{}{
		"id":     id,
		"reason": "changed my mind",
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "already reviewed") {
		t.Errorf("reject after approve = %q, want already reviewed error", toolText(t, result))
	}
}

func TestMCPTool_RejectRequiresReason(t *testing.T) {
	deps, e := newTestMCPDeps(t)
	id := e.generate(t, "cardinal").ContentIDs[0]

	result, err := mcpRejectItem(deps)(context.Background(), makeCallToolRequest("reject_item", map[string]interface{}{
		"id": id,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result without reason")
	}
}

func TestMCPTool_GenerationStats(t *testing.T) {
	deps, e := newTestMCPDeps(t)
	e.generate(t, "cardinal")

	result, err := mcpGenerationStats(deps)(context.Background(), makeCallToolRequest("generation_stats", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var d stats.Dashboard
	if err := json.Unmarshal([]byte(toolText(t, result)), &d); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if d.Queue.Depth != 1 || len(d.Jobs) == 0 {
		t.Errorf("dashboard = %+v, want one queued item and job rows", d)
	}
}

func TestMCPResource_Stats(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	contents, err := mcpResourceStats(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "genreview://stats"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %d, want 1", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok || tc.MIMEType != "application/json" {
		t.Errorf("resource = %#v", contents[0])
	}
}
