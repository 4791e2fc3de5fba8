package api

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tubescope/internal/jobs"
	"github.com/kalambet/tubescope/internal/quota"
	"github.com/kalambet/tubescope/internal/reports"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Reports *reports.Cache
	Jobs    *jobs.History // optional; nil hides list_jobs
	Quota   *quota.Tracker
}

// NewMCPServer creates an MCP server exposing the cached reports and quota
// state as read-only tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"tubescope",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("tubescope: cached YouTube channel marketing reports and local API quota usage."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_reports",
			mcp.WithDescription("List cached channel reports, newest first."),
			mcp.WithString("channel", mcp.Description("Channel ID or @handle to filter by")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListReports(deps),
	)

	s.AddTool(
		mcp.NewTool("get_report",
			mcp.WithDescription("Fetch a cached report for a channel. Without a timestamp the newest report is returned."),
			mcp.WithString("channel", mcp.Description("Channel ID or @handle"), mcp.Required()),
			mcp.WithNumber("timestamp", mcp.Description("Report timestamp in epoch milliseconds")),
		),
		mcpGetReport(deps),
	)

	s.AddTool(
		mcp.NewTool("quota_status",
			mcp.WithDescription("Show YouTube and Gemini quota usage with remaining budget."),
		),
		mcpQuotaStatus(deps),
	)

	if deps.Jobs != nil {
		s.AddTool(
			mcp.NewTool("list_jobs",
				mcp.WithDescription("List recent video generation jobs."),
				mcp.WithBoolean("active", mcp.Description("Only jobs that are still pending or running")),
			),
			mcpListJobs(deps),
		)
	}

	s.AddResource(
		mcp.NewResource(
			"tubescope://reports/stats",
			"Report Cache Stats",
			mcp.WithResourceDescription("Entry count, distinct channels and age range of the report cache"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpListReports(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 50 {
			limit = 50
		}

		var list []reports.Summary
		if ch := req.GetString("channel", ""); ch != "" {
			if id, ok := deps.Reports.ResolveChannelID(ch); ok {
				ch = id
			}
			list = deps.Reports.GetCachedReportsForChannel(ch)
		} else {
			list = deps.Reports.GetCachedChannelList()
		}
		if len(list) == 0 {
			return mcpText("[]"), nil
		}
		if len(list) > limit {
			list = list[:limit]
		}
		return mcpJSON(list)
	}
}

func mcpGetReport(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ch, err := req.RequireString("channel")
		if err != nil {
			return mcpError("channel is required"), nil
		}

		if ts := req.GetInt("timestamp", 0); ts > 0 {
			if id, ok := deps.Reports.ResolveChannelID(ch); ok {
				ch = id
			}
			report, ok := deps.Reports.GetCachedReportByTimestamp(ch, int64(ts))
			if !ok {
				return mcpError(fmt.Sprintf("no cached report for %s at %d", ch, ts)), nil
			}
			return mcpJSON(report)
		}

		report, _, ok := deps.Reports.ReportForURL(ch)
		if !ok {
			return mcpError(fmt.Sprintf("no cached report for %s", ch)), nil
		}
		return mcpJSON(report)
	}
}

func mcpQuotaStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Quota.Status())
	}
}

func mcpListJobs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list := deps.Jobs.List()
		if req.GetBool("active", false) {
			list = deps.Jobs.Active()
		}
		if len(list) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(list)
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Reports.Stats())
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
