package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/steward/pkg/models"
)

type fakeBudget struct {
	report models.BudgetReport
}

func (f *fakeBudget) GenerateReport(_ context.Context, projectID string) (models.BudgetReport, error) {
	r := f.report
	r.ProjectID = projectID
	return r, nil
}

type fakeUsage struct {
	rows []models.UsageSummary
}

func (f *fakeUsage) Summary(_ context.Context, _ string) ([]models.UsageSummary, error) {
	return f.rows, nil
}

type fakeLearning struct {
	state     models.AutoLearningState
	events    []models.LearningEvent
	lastOpts  models.LearningQueryOpts
	runResult models.RunResult
	runErr    error
}

func (f *fakeLearning) GetConfig(_ context.Context, projectID string) (models.AutoLearningConfig, error) {
	return models.DefaultAutoLearningConfig(projectID), nil
}

func (f *fakeLearning) GetState(_ context.Context, _ string) (models.AutoLearningState, error) {
	return f.state, nil
}

func (f *fakeLearning) ListEvents(_ context.Context, _ string, opts models.LearningQueryOpts) ([]models.LearningEvent, error) {
	f.lastOpts = opts
	return f.events, nil
}

func (f *fakeLearning) Run(_ context.Context, _ string) (models.RunResult, error) {
	return f.runResult, f.runErr
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	params, _ := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(args)})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func TestInitialize(t *testing.T) {
	srv := New(nil, nil, &fakeLearning{}, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	_ = json.Unmarshal(data, &result)

	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocol version = %s, want %s", result.ProtocolVersion, ProtocolVersion)
	}
	if result.ServerInfo.Name != "steward" || result.ServerInfo.Version != "test" {
		t.Errorf("server info = %+v", result.ServerInfo)
	}
}

func TestToolsList(t *testing.T) {
	srv := New(nil, nil, &fakeLearning{}, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	_ = json.Unmarshal(data, &result)

	if len(result.Tools) != len(toolHandlers) {
		t.Errorf("got %d tools, want %d", len(result.Tools), len(toolHandlers))
	}
	for _, tool := range result.Tools {
		if _, ok := toolHandlers[tool.Name]; !ok {
			t.Errorf("tool %s has no handler", tool.Name)
		}
	}
}

func TestToolCallBudgetReport(t *testing.T) {
	limit, remaining, pct := int64(1000), int64(400), 60.0
	b := &fakeBudget{report: models.BudgetReport{
		IsBlocked: true,
		Windows: []models.WindowUsage{
			{WindowKind: models.WindowDaily, ResourceType: models.ResourceToken, Used: 600, Limit: &limit, Remaining: &remaining, UsedPct: &pct},
			{WindowKind: models.WindowDaily, ResourceType: models.ResourcePublication, Used: 2},
		},
	}}
	srv := New(b, nil, &fakeLearning{}, "test")

	text := callTool(t, srv, "steward_budget_report", `{"project_id":"p1"}`).Content[0].Text
	for _, want := range []string{"p1", "BLOCKED", "60.00%", "publication"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output, got:\n%s", want, text)
		}
	}
}

func TestToolCallBudgetNotConfigured(t *testing.T) {
	srv := New(nil, nil, &fakeLearning{}, "test")
	result := callTool(t, srv, "steward_budget_report", `{"project_id":"p1"}`)
	if !strings.Contains(result.Content[0].Text, "not configured") {
		t.Errorf("expected 'not configured', got: %s", result.Content[0].Text)
	}
}

func TestToolCallUsageSummary(t *testing.T) {
	u := &fakeUsage{rows: []models.UsageSummary{{ProjectID: "p1", ResourceType: models.ResourceVideoSeconds, EventCount: 3, TotalAmount: 540}}}
	srv := New(nil, u, &fakeLearning{}, "test")

	text := callTool(t, srv, "steward_usage_summary", `{"project_id":"p1"}`).Content[0].Text
	if !strings.Contains(text, "video-seconds") || !strings.Contains(text, "540") {
		t.Errorf("unexpected summary output: %s", text)
	}
}

func TestToolCallLearningState(t *testing.T) {
	baseline := 0.05
	l := &fakeLearning{state: models.AutoLearningState{
		ProjectID:        "p1",
		Phase:            models.PhaseExperimenting,
		Parameters:       models.ParameterSet{"slot": "evening", "cta": "bold"},
		StableParameters: models.ParameterSet{"slot": "default"},
		ChangesInWindow:  1,
		BaselineScore:    &baseline,
	}}
	srv := New(nil, nil, l, "test")

	text := callTool(t, srv, "steward_learning_state", `{"project_id":"p1"}`).Content[0].Text
	for _, want := range []string{"EXPERIMENTING", "cta=bold, slot=evening", "0.0500"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output, got:\n%s", want, text)
		}
	}
}

func TestToolCallLearningEvents(t *testing.T) {
	l := &fakeLearning{events: []models.LearningEvent{{
		Parameter: "slot", PreviousValue: "evening", NewValue: "default",
		Reason: models.ReasonRollback, CreatedAt: time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC),
	}}}
	srv := New(nil, nil, l, "test")

	text := callTool(t, srv, "steward_learning_events",
		`{"project_id":"p1","reason":"rollback","since":"2026-06-01"}`).Content[0].Text
	if !strings.Contains(text, "rollback") || !strings.Contains(text, "2026-06-02 10:00:00") {
		t.Errorf("unexpected events output: %s", text)
	}
	if l.lastOpts.Reason != "rollback" || l.lastOpts.Limit != 50 {
		t.Errorf("unexpected query opts: %+v", l.lastOpts)
	}
	if !l.lastOpts.Since.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("since = %v", l.lastOpts.Since)
	}
}

func TestToolCallLearningEventsBadSince(t *testing.T) {
	srv := New(nil, nil, &fakeLearning{}, "test")
	result := callTool(t, srv, "steward_learning_events", `{"project_id":"p1","since":"june"}`)
	if !result.IsError {
		t.Error("expected isError=true for malformed since")
	}
}

func TestToolCallLearningConfig(t *testing.T) {
	srv := New(nil, nil, &fakeLearning{}, "test")
	text := callTool(t, srv, "steward_learning_config", `{"project_id":"p1"}`).Content[0].Text
	if !strings.Contains(text, "Max changes/week:   2") || !strings.Contains(text, "20 snapshots") {
		t.Errorf("unexpected config output: %s", text)
	}
}

func TestToolCallLearningRun(t *testing.T) {
	l := &fakeLearning{runResult: models.RunResult{
		ProjectID:       "p1",
		ResultingState:  models.PhaseStable,
		RollbackApplied: true,
		AppliedChanges:  map[string]string{"slot": "default"},
	}}
	srv := New(nil, nil, l, "test")

	text := callTool(t, srv, "steward_learning_run", `{"project_id":"p1"}`).Content[0].Text
	if !strings.Contains(text, "rolled back") || !strings.Contains(text, "slot=default") {
		t.Errorf("unexpected run output: %s", text)
	}
}

func TestToolCallLearningRunConcurrent(t *testing.T) {
	srv := New(nil, nil, &fakeLearning{runErr: models.ErrConcurrentRun}, "test")
	result := callTool(t, srv, "steward_learning_run", `{"project_id":"p1"}`)
	if !result.IsError || !strings.Contains(result.Content[0].Text, "already in progress") {
		t.Errorf("expected concurrent run error, got: %+v", result)
	}
}

func TestToolCallMissingProject(t *testing.T) {
	srv := New(nil, nil, &fakeLearning{}, "test")
	for name := range toolHandlers {
		result := callTool(t, srv, name, `{}`)
		if name == "steward_budget_report" || name == "steward_usage_summary" {
			// Not configured in this server, reported before argument checks.
			continue
		}
		if !result.IsError {
			t.Errorf("%s: expected isError=true for missing project_id", name)
		}
	}
}

func TestUnknownTool(t *testing.T) {
	srv := New(nil, nil, &fakeLearning{}, "test")
	result := callTool(t, srv, "steward_nope", `{}`)
	if !result.IsError {
		t.Error("expected isError=true for unknown tool")
	}
}

func TestNotificationNoResponse(t *testing.T) {
	srv := New(nil, nil, &fakeLearning{}, "test")

	line, _ := json.Marshal(Request{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	line = append(line, '\n')

	var out bytes.Buffer
	_ = srv.Run(context.Background(), bytes.NewReader(line), &out)

	if out.Len() != 0 {
		t.Errorf("expected no output for notification, got: %s", out.String())
	}
}

func TestInvalidRequests(t *testing.T) {
	srv := New(nil, nil, &fakeLearning{}, "test")

	var out bytes.Buffer
	input := "not json\n" + `{"jsonrpc":"1.0","id":2,"method":"ping"}` + "\n"
	if err := srv.Run(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 responses, got %d: %s", len(lines), out.String())
	}
	wantCodes := []int{CodeParseError, CodeInvalidRequest}
	for i, line := range lines {
		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Error == nil || resp.Error.Code != wantCodes[i] {
			t.Errorf("response %d: got %+v, want code %d", i, resp.Error, wantCodes[i])
		}
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := New(nil, nil, &fakeLearning{}, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`9`),
		Method:  "unknown/method",
	})

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}
