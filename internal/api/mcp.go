package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/carbbuild/internal/jobs"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Builds  BuildService
	Version string
}

// NewMCPServer creates an MCP server exposing the build tools and resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"carbbuild",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("carbbuild builds 3D carbohydrate structures from sequence specifications. "+
			"Submit a build, then poll its status by key until it succeeds or fails."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_build",
			mcp.WithDescription("Submit a carbohydrate structure build. Identical requests share one build and return the same key."),
			mcp.WithString("spec", mcp.Description("Structure specification, e.g. aDManp(1->3)aDManp"), mcp.Required()),
			mcp.WithNumber("repeat", mcp.Description("Repeat-unit count (default 0)")),
			mcp.WithString("dihedral", mcp.Description("Optional dihedral-angle override text")),
		),
		mcpSubmitBuild(deps),
	)

	s.AddTool(
		mcp.NewTool("build_status",
			mcp.WithDescription("Return the status, linkages and failure reason of a build."),
			mcp.WithString("key", mcp.Description("Build key returned by submit_build"), mcp.Required()),
		),
		mcpBuildStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_builds",
			mcp.WithDescription("List recent builds, newest first."),
			mcp.WithString("status", mcp.Description("Filter by status: pending, success or failed")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpListBuilds(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"builds://recent",
			"Recent Builds",
			mcp.WithResourceDescription("Last 10 builds with their status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSubmitBuild(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		spec, err := req.RequireString("spec")
		if err != nil {
			return mcpError("spec is required"), nil
		}

		job, err := deps.Builds.Submit(ctx, jobs.Request{
			Spec:        spec,
			RepeatCount: req.GetInt("repeat", 0),
			Dihedral:    req.GetString("dihedral", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("build rejected: %v", err)), nil
		}

		b, err := json.Marshal(SubmitResponse{Key: job.Key, Status: job.Status()})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpBuildStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}

		snap, err := deps.Builds.Get(ctx, key)
		if errors.Is(err, jobs.ErrNotFound) {
			return mcpError(fmt.Sprintf("build %s not found", key)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("loading build: %v", err)), nil
		}

		b, err := json.Marshal(NewBuildView(snap))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal build: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListBuilds(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}
		f := jobs.Filter{Limit: limit}
		if raw := req.GetString("status", ""); raw != "" {
			status, err := jobs.ParseStatus(raw)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			f.Status = status
		}

		text, err := marshalBuilds(ctx, deps, f)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(text), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		text, err := marshalBuilds(ctx, deps, jobs.Filter{Limit: 10})
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     text,
			},
		}, nil
	}
}

func marshalBuilds(ctx context.Context, deps MCPDeps, f jobs.Filter) (string, error) {
	snaps, err := deps.Builds.List(ctx, f)
	if err != nil {
		return "", fmt.Errorf("failed to list builds: %w", err)
	}
	views := make([]BuildView, len(snaps))
	for i, s := range snaps {
		views[i] = NewBuildView(s)
	}
	b, err := json.Marshal(views)
	if err != nil {
		return "", fmt.Errorf("failed to marshal builds: %w", err)
	}
	return string(b), nil
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
