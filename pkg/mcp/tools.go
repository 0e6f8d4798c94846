package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pario-ai/steward/pkg/models"
)

// Tool argument structs.

type projectArgs struct {
	ProjectID string `json:"project_id"`
}

type eventsArgs struct {
	ProjectID string `json:"project_id"`
	Parameter string `json:"parameter"`
	Reason    string `json:"reason"`
	Since     string `json:"since"`
	Limit     int    `json:"limit"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"steward_budget_report":   handleBudgetReport,
	"steward_usage_summary":   handleUsageSummary,
	"steward_learning_state":  handleLearningState,
	"steward_learning_events": handleLearningEvents,
	"steward_learning_config": handleLearningConfig,
	"steward_learning_run":    handleLearningRun,
}

func projectSchema(extra map[string]any) map[string]any {
	props := map[string]any{
		"project_id": map[string]any{
			"type":        "string",
			"description": "The project to inspect",
		},
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]any{
		"type":       "object",
		"required":   []string{"project_id"},
		"properties": props,
	}
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "steward_budget_report",
		Description: "Show usage against limits for every window and resource type of a project.",
		InputSchema: projectSchema(nil),
	},
	{
		Name:        "steward_usage_summary",
		Description: "Show all-time recorded usage per resource type for a project.",
		InputSchema: projectSchema(nil),
	},
	{
		Name:        "steward_learning_state",
		Description: "Show the auto-learning phase, active and stable parameters, and change counters.",
		InputSchema: projectSchema(nil),
	},
	{
		Name:        "steward_learning_events",
		Description: "List parameter changes from the learning audit log, most recent first.",
		InputSchema: projectSchema(map[string]any{
			"parameter": map[string]any{
				"type":        "string",
				"description": "Filter by parameter name (optional)",
			},
			"reason": map[string]any{
				"type":        "string",
				"description": "Filter by reason, e.g. rollback (optional)",
			},
			"since": map[string]any{
				"type":        "string",
				"description": "Start date in YYYY-MM-DD format (optional)",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of events (optional, default 50)",
			},
		}),
	},
	{
		Name:        "steward_learning_config",
		Description: "Show the auto-learning limits configured for a project.",
		InputSchema: projectSchema(nil),
	},
	{
		Name:        "steward_learning_run",
		Description: "Run one auto-learning step for a project and report what changed.",
		InputSchema: projectSchema(nil),
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func parseProject(rawArgs json.RawMessage) (string, *ToolCallResult) {
	var args projectArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.ProjectID == "" {
		r := errorResult("project_id is required")
		return "", &r
	}
	return args.ProjectID, nil
}

func handleBudgetReport(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.budget == nil {
		return textResult("Budget guard is not configured.")
	}
	project, bad := parseProject(rawArgs)
	if bad != nil {
		return *bad
	}
	report, err := s.budget.GenerateReport(ctx, project)
	if err != nil {
		return errorResult("Error generating budget report: " + err.Error())
	}
	return textResult(formatReport(report))
}

func handleUsageSummary(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.usage == nil {
		return textResult("Usage ledger is not configured.")
	}
	project, bad := parseProject(rawArgs)
	if bad != nil {
		return *bad
	}
	rows, err := s.usage.Summary(ctx, project)
	if err != nil {
		return errorResult("Error fetching usage summary: " + err.Error())
	}
	return textResult(formatUsageSummary(rows))
}

func handleLearningState(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	project, bad := parseProject(rawArgs)
	if bad != nil {
		return *bad
	}
	st, err := s.learning.GetState(ctx, project)
	if err != nil {
		return errorResult("Error fetching learning state: " + err.Error())
	}
	return textResult(formatState(st))
}

func handleLearningEvents(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args eventsArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.ProjectID == "" {
		return errorResult("project_id is required")
	}
	opts := models.LearningQueryOpts{
		Parameter: args.Parameter,
		Reason:    args.Reason,
		Limit:     args.Limit,
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}
	events, err := s.learning.ListEvents(ctx, args.ProjectID, opts)
	if err != nil {
		return errorResult("Error fetching learning events: " + err.Error())
	}
	return textResult(formatEvents(events))
}

func handleLearningConfig(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	project, bad := parseProject(rawArgs)
	if bad != nil {
		return *bad
	}
	cfg, err := s.learning.GetConfig(ctx, project)
	if err != nil {
		return errorResult("Error fetching learning config: " + err.Error())
	}
	return textResult(formatConfig(cfg))
}

func handleLearningRun(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	project, bad := parseProject(rawArgs)
	if bad != nil {
		return *bad
	}
	res, err := s.learning.Run(ctx, project)
	if err != nil {
		return errorResult("Learning run failed: " + err.Error())
	}
	return textResult(formatRunResult(res))
}
