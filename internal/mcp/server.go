// Package mcp exposes the recorder to AI test agents as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"redstone/internal/artifacts"
	"redstone/internal/domain"
	"redstone/internal/engine"
)

// NewServer registers the run recording tools against e.
func NewServer(e engine.Engine, version string) *server.MCPServer {
	s := server.NewMCPServer("Redstone", version)

	s.AddTool(mcp.NewTool("start_run",
		mcp.WithDescription("Start a test run. Returns the run with its id."),
		mcp.WithString("name", mcp.Description("Run name"), mcp.Required()),
		mcp.WithString("project_id", mcp.Description("Project the run belongs to")),
	), startRunHandler(e))

	s.AddTool(mcp.NewTool("report_case",
		mcp.WithDescription("Record one executed test in a run."),
		mcp.WithString("run_id", mcp.Description("Run id"), mcp.Required()),
		mcp.WithString("name", mcp.Description("Test name"), mcp.Required()),
		mcp.WithString("status", mcp.Description("passed|failed|skipped"), mcp.Required()),
		mcp.WithNumber("duration", mcp.Description("Duration in milliseconds")),
		mcp.WithString("error_message", mcp.Description("Failure message")),
		mcp.WithString("error_stack", mcp.Description("Failure stack trace")),
		mcp.WithString("test_case_definition_id", mcp.Description("Definition this execution covers")),
		mcp.WithArray("steps",
			mcp.Description("Executed steps in order"),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"description": map[string]any{"type": "string"},
					"status":      map[string]any{"type": "string", "enum": []string{"passed", "failed", "skipped"}},
				},
			}),
		),
		mcp.WithString("screenshot_base64", mcp.Description("PNG or JPEG screenshot, base64 encoded")),
		mcp.WithString("screenshot_content_type", mcp.Description("image/png or image/jpeg (default image/png)")),
	), reportCaseHandler(e))

	s.AddTool(mcp.NewTool("get_checkpoint",
		mcp.WithDescription("List test names already recorded in a run, to resume after an interruption."),
		mcp.WithString("run_id", mcp.Description("Run id"), mcp.Required()),
	), checkpointHandler(e))

	s.AddTool(mcp.NewTool("finish_run",
		mcp.WithDescription("Complete a running run and return its statistics."),
		mcp.WithString("run_id", mcp.Description("Run id"), mcp.Required()),
	), finishRunHandler(e))

	s.AddTool(mcp.NewTool("abort_run",
		mcp.WithDescription("Abort a running run."),
		mcp.WithString("run_id", mcp.Description("Run id"), mcp.Required()),
	), abortRunHandler(e))

	s.AddTool(mcp.NewTool("list_test_definitions",
		mcp.WithDescription("List active test definitions of a project, optionally narrowed to an epic, feature or priorities."),
		mcp.WithString("project_id", mcp.Description("Project id"), mcp.Required()),
		mcp.WithString("epic_id", mcp.Description("Epic id")),
		mcp.WithString("feature_id", mcp.Description("Feature id")),
		mcp.WithString("priority", mcp.Description("Comma-separated priorities, e.g. critical,high")),
	), listDefinitionsHandler(e))

	s.AddTool(mcp.NewTool("get_run_stats",
		mcp.WithDescription("Get a run with its statistics."),
		mcp.WithString("run_id", mcp.Description("Run id"), mcp.Required()),
	), runStatsHandler(e))

	return s
}

// Serve starts the MCP server on stdio.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func startRunHandler(e engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		run, err := e.StartRun(ctx, engine.RunStartOptions{
			Name:      mcp.ParseString(request, "name", ""),
			ProjectID: mcp.ParseString(request, "project_id", ""),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(run)
	}
}

func reportCaseHandler(e engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rep := engine.CaseReport{
			RunID:        mcp.ParseString(request, "run_id", ""),
			Name:         mcp.ParseString(request, "name", ""),
			Status:       domain.CaseStatus(mcp.ParseString(request, "status", "")),
			ErrorMessage: mcp.ParseString(request, "error_message", ""),
			ErrorStack:   mcp.ParseString(request, "error_stack", ""),
			DefinitionID: mcp.ParseString(request, "test_case_definition_id", ""),
		}
		args, _ := request.Params.Arguments.(map[string]any)
		if d, ok := args["duration"].(float64); ok {
			ms := int64(d)
			rep.Duration = &ms
		}
		steps, err := parseSteps(args["steps"])
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		rep.Steps = steps
		if raw := mcp.ParseString(request, "screenshot_base64", ""); raw != "" {
			data, err := base64.StdEncoding.DecodeString(raw)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("screenshot_base64: %v", err)), nil
			}
			rep.Screenshot = &artifacts.Screenshot{
				Filename:    "screenshot",
				ContentType: mcp.ParseString(request, "screenshot_content_type", "image/png"),
				Data:        data,
			}
		}
		c, err := e.ReportCase(ctx, rep)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(c)
	}
}

func parseSteps(raw any) ([]engine.StepReport, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("steps must be an array")
	}
	out := make([]engine.StepReport, 0, len(items))
	for i, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("steps[%d] must be an object", i)
		}
		desc, _ := m["description"].(string)
		status, _ := m["status"].(string)
		out = append(out, engine.StepReport{Description: desc, Status: domain.CaseStatus(status)})
	}
	return out, nil
}

func checkpointHandler(e engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cp, err := e.Checkpoint(ctx, mcp.ParseString(request, "run_id", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(cp)
	}
}

func finishRunHandler(e engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		run, err := e.FinishRun(ctx, mcp.ParseString(request, "run_id", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(run)
	}
}

func abortRunHandler(e engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		run, err := e.AbortRun(ctx, mcp.ParseString(request, "run_id", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(run)
	}
}

func listDefinitionsHandler(e engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prios, err := engine.ParsePriorities(mcp.ParseString(request, "priority", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		defs, err := e.ListProjectDefinitions(ctx, engine.DefinitionQuery{
			ProjectID:  mcp.ParseString(request, "project_id", ""),
			EpicID:     mcp.ParseString(request, "epic_id", ""),
			FeatureID:  mcp.ParseString(request, "feature_id", ""),
			Priorities: prios,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if defs == nil {
			defs = []domain.DefinitionSummary{}
		}
		return jsonResult(map[string]any{"test_definitions": defs})
	}
}

func runStatsHandler(e engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		run, err := e.GetRun(ctx, mcp.ParseString(request, "run_id", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(run)
	}
}
