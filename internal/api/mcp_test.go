package api

import (
	"context"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/tubescope/internal/quota"
	"github.com/kalambet/tubescope/internal/reports"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) MCPDeps {
	t.Helper()
	deps := newTestDeps(t)
	return MCPDeps{
		Reports: deps.Reports,
		Jobs:    deps.Jobs,
		Quota:   deps.Quota,
	}
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

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_ListReports(t *testing.T) {
	deps := newTestMCPDeps(t)
	deps.Reports.SetCachedReport("UC1", reports.Report{BrandName: "A"}, "@a")
	deps.Reports.SetCachedReport("UC1", reports.Report{BrandName: "B"}, "")
	deps.Reports.SetCachedReport("UC2", reports.Report{BrandName: "C"}, "")
	handler := mcpListReports(deps)

	tests := []struct {
		name string
		args map[string]interface{}
		want []string
	}{
		{"all", map[string]interface{}{}, []string{"C", "B", "A"}},
		{"by channel", map[string]interface{}{"channel": "UC1"}, []string{"B", "A"}},
		{"by alias", map[string]interface{}{"channel": "@a"}, []string{"B", "A"}},
		{"limited", map[string]interface{}{"limit": 1}, []string{"C"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest("list_reports", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.IsError {
				t.Fatalf("unexpected error: %s", toolText(t, result))
			}

			var got []reports.Summary
			if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d summaries, want %d", len(got), len(tt.want))
			}
			for i, brand := range tt.want {
				if got[i].BrandName != brand {
					t.Errorf("[%d] brandName = %q, want %q", i, got[i].BrandName, brand)
				}
			}
		})
	}
}

func TestMCPTool_ListReports_Empty(t *testing.T) {
	deps := newTestMCPDeps(t)

	result, err := mcpListReports(deps)(context.Background(), makeCallToolRequest("list_reports", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := toolText(t, result); text != "[]" {
		t.Errorf("text = %q, want []", text)
	}
}

func TestMCPTool_GetReport(t *testing.T) {
	deps := newTestMCPDeps(t)
	first, _ := deps.Reports.SetCachedReport("UC1", reports.Report{BrandName: "old"}, "@acme")
	deps.Reports.SetCachedReport("UC1", reports.Report{BrandName: "new"}, "")
	handler := mcpGetReport(deps)

	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"newest by id", map[string]interface{}{"channel": "UC1"}, "new"},
		{"newest by alias", map[string]interface{}{"channel": "@acme"}, "new"},
		{"at timestamp", map[string]interface{}{"channel": "@acme", "timestamp": float64(first.Timestamp)}, "old"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest("get_report", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.IsError {
				t.Fatalf("unexpected error: %s", toolText(t, result))
			}
			var report reports.Report
			json.Unmarshal([]byte(toolText(t, result)), &report)
			if report.BrandName != tt.want {
				t.Errorf("brandName = %q, want %q", report.BrandName, tt.want)
			}
		})
	}
}

func TestMCPTool_GetReport_Errors(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpGetReport(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("get_report", map[string]interface{}{}))
	if !result.IsError {
		t.Error("expected error for missing channel")
	}

	result, _ = handler(context.Background(), makeCallToolRequest("get_report", map[string]interface{}{"channel": "UCnone"}))
	if !result.IsError {
		t.Error("expected error for unknown channel")
	}
	if !strings.Contains(toolText(t, result), "UCnone") {
		t.Errorf("error text = %q, want it to name the channel", toolText(t, result))
	}
}

func TestMCPTool_QuotaStatus(t *testing.T) {
	deps := newTestMCPDeps(t)
	deps.Quota.RecordYouTube(0)

	result, err := mcpQuotaStatus(deps)(context.Background(), makeCallToolRequest("quota_status", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var status []quota.ProviderStatus
	if err := json.Unmarshal([]byte(toolText(t, result)), &status); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(status) != 3 {
		t.Fatalf("got %d counters, want 3", len(status))
	}
	if status[0].Used != quota.YouTubeAnalysisCost {
		t.Errorf("youtube used = %d, want %d", status[0].Used, quota.YouTubeAnalysisCost)
	}
}

func TestMCPTool_ListJobs(t *testing.T) {
	deps := newTestMCPDeps(t)
	done := deps.Jobs.Start("one", 1)
	deps.Jobs.Complete(done.ID, "https://example.com/1.mp4")
	deps.Jobs.Start("two", 2)
	handler := mcpListJobs(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("list_jobs", nil))
	var all []json.RawMessage
	json.Unmarshal([]byte(toolText(t, result)), &all)
	if len(all) != 2 {
		t.Errorf("all jobs = %d, want 2", len(all))
	}

	result, _ = handler(context.Background(), makeCallToolRequest("list_jobs", map[string]interface{}{"active": true}))
	var active []json.RawMessage
	json.Unmarshal([]byte(toolText(t, result)), &active)
	if len(active) != 1 {
		t.Errorf("active jobs = %d, want 1", len(active))
	}
}

func TestMCPResource_Stats(t *testing.T) {
	deps := newTestMCPDeps(t)
	deps.Reports.SetCachedReport("UC1", reports.Report{BrandName: "A"}, "")

	contents, err := mcpResourceStats(deps)(context.Background(), makeReadResourceRequest("tubescope://reports/stats"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var stats reports.Stats
	json.Unmarshal([]byte(tc.Text), &stats)
	if stats.Count != 1 {
		t.Errorf("count = %d, want 1", stats.Count)
	}
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(newTestMCPDeps(t))
	if s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
