package executor

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"OpenMCP-Gate/internal/governance"
	"OpenMCP-Gate/internal/mcp"
	"OpenMCP-Gate/internal/plan"
	"OpenMCP-Gate/internal/router"
)

type harness struct {
	router *router.Router
	calls  atomic.Int32
}

func newHarness(t *testing.T, tools ...mcp.LocalTool) *harness {
	t.Helper()
	h := &harness{router: router.New()}
	for i := range tools {
		handler := tools[i].Handler
		tools[i].Handler = func(ctx context.Context, args map[string]any) (*mcp.CallResult, error) {
			h.calls.Add(1)
			return handler(ctx, args)
		}
	}
	if err := h.router.Bind(router.Binding{Service: "azure"}, mcp.NewLocalBackend(tools...)); err != nil {
		t.Fatalf("bind: %v", err)
	}
	return h
}

func tool(name string, handler mcp.Handler) mcp.LocalTool {
	return mcp.LocalTool{Info: mcp.ToolInfo{Name: name}, Handler: handler}
}

func created(id string) mcp.Handler {
	return func(context.Context, map[string]any) (*mcp.CallResult, error) {
		return mcp.JSONResult(map[string]any{"id": id}), nil
	}
}

func broken(context.Context, map[string]any) (*mcp.CallResult, error) {
	return mcp.ErrorResult("quota exceeded"), nil
}

func steps(tools ...string) *plan.Plan {
	p := &plan.Plan{Summary: "test"}
	for i, name := range tools {
		p.Steps = append(p.Steps, plan.Step{ID: "step-" + itoa(i+1), Title: name, Tool: name, Args: map[string]any{"name": "x"}})
	}
	return p
}

func TestPendingModesHaveNoSideEffects(t *testing.T) {
	h := newHarness(t, tool("azure.create_rg", created("rg")))
	exec := New(h.router)
	for _, mode := range []Mode{ModeDryRun, ModeReview} {
		res, err := exec.Execute(context.Background(), steps("azure.create_rg"), mode, Options{})
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if res.Status != StatusPending || res.Instruction != ReplayInstruction || res.Plan == nil {
			t.Fatalf("unexpected pending result: %+v", res)
		}
		if !strings.Contains(res.Preview, "azure.create_rg") {
			t.Fatalf("preview should list the step: %q", res.Preview)
		}
	}
	if h.calls.Load() != 0 {
		t.Fatalf("expected zero tool calls, got %d", h.calls.Load())
	}
}

func TestStopOnErrorProgressLength(t *testing.T) {
	tests := []struct {
		name            string
		continueOnError bool
		wantProgress    int
		wantStatus      Status
	}{
		{name: "halt", continueOnError: false, wantProgress: 2, wantStatus: StatusStopped},
		{name: "continue", continueOnError: true, wantProgress: 4, wantStatus: StatusDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t,
				tool("azure.one", created("1")),
				tool("azure.two", broken),
				tool("azure.three", created("3")),
				tool("azure.four", broken),
			)
			p := steps("azure.one", "azure.two", "azure.three", "azure.four")
			p.ContinueOnError = tt.continueOnError
			res, err := New(h.router).Execute(context.Background(), p, ModeConfirmed, Options{})
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if len(res.Progress) != tt.wantProgress || res.Status != tt.wantStatus {
				t.Fatalf("progress=%d status=%s", len(res.Progress), res.Status)
			}
			if res.Progress[1].Status != StepError || res.Progress[1].Reason != "quota exceeded" {
				t.Fatalf("unexpected failed step: %+v", res.Progress[1])
			}
			if !tt.continueOnError && (res.FailedStep == nil || *res.FailedStep != 1) {
				t.Fatalf("failed step should be 1, got %v", res.FailedStep)
			}
		})
	}
}

func newGate(t *testing.T, doc string) governance.Gate {
	t.Helper()
	parsed, err := governance.ParseDocument([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	store, err := governance.NewStoreFromDocument(parsed)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return governance.NewEvaluator(store, "")
}

func TestGovernanceGating(t *testing.T) {
	gate := newGate(t, `
tools:
  azure.two:
    require_true: [approved]
  azure.one:
    severity: warn
    require_tags: [owner]
`)
	h := newHarness(t, tool("azure.one", created("1")), tool("azure.two", created("2")), tool("azure.three", created("3")))
	p := steps("azure.one", "azure.two", "azure.three")
	p.ContinueOnError = true

	res, err := New(h.router, WithGate(gate)).Execute(context.Background(), p, ModeConfirmed, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusStopped || len(res.Progress) != 2 {
		t.Fatalf("deny must halt even with continueOnError: %s %d", res.Status, len(res.Progress))
	}
	if res.Progress[0].Status != StepOK || len(res.Progress[0].Warnings) != 1 {
		t.Fatalf("warn should annotate and continue: %+v", res.Progress[0])
	}
	if res.Progress[1].Status != StepDenied || res.Progress[1].Decision == nil {
		t.Fatalf("expected denied step: %+v", res.Progress[1])
	}
	if h.calls.Load() != 1 {
		t.Fatalf("denied tool must not be invoked, calls=%d", h.calls.Load())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		result *mcp.CallResult
		want   bool
		rule   string
	}{
		{"status succeeded", mcp.JSONResult(map[string]any{"status": "Succeeded"}), true, "status"},
		{"status done", mcp.JSONResult(map[string]any{"status": "done"}), true, "status"},
		{"arm state", mcp.JSONResult(map[string]any{"properties": map[string]any{"provisioningState": "Succeeded"}}), true, "provisioningState"},
		{"id only", mcp.JSONResult(map[string]any{"id": "/subscriptions/1"}), true, "id"},
		{"failed with id", mcp.JSONResult(map[string]any{"id": "x", "status": "Failed"}), false, "terminal-failure"},
		{"unrecognized", mcp.JSONResult(map[string]any{"ok": true}), false, "unrecognized"},
		{"text only", &mcp.CallResult{Content: []mcp.ContentBlock{mcp.Text("posted")}}, true, "no-json"},
		{"is error", mcp.ErrorResult("boom"), false, "isError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rule := Classify(tt.result, DefaultPredicates)
			if got != tt.want || rule != tt.rule {
				t.Fatalf("Classify = %v/%s, want %v/%s", got, rule, tt.want, tt.rule)
			}
		})
	}
}

func TestPropagationWaiter(t *testing.T) {
	var polls atomic.Int32
	readyAfter := int32(3)
	h := newHarness(t,
		tool("azure.create_vault", created("kv")),
		tool("azure.get_vault", func(context.Context, map[string]any) (*mcp.CallResult, error) {
			if polls.Add(1) >= readyAfter {
				return mcp.JSONResult(map[string]any{"provisioningState": "Succeeded"}), nil
			}
			return mcp.JSONResult(map[string]any{"provisioningState": "Creating"}), nil
		}),
	)
	p := steps("azure.create_vault")
	p.Steps[0].Wait = &plan.WaitSpec{Tool: "azure.get_vault"}

	exec := New(h.router, WithWaiter(time.Millisecond, time.Second))
	res, err := exec.Execute(context.Background(), p, ModeConfirmed, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusDone || res.Progress[0].PropagationTimeout {
		t.Fatalf("expected ready resource: %+v", res.Progress[0])
	}
	if polls.Load() != readyAfter {
		t.Fatalf("first success should stop polling, polls=%d", polls.Load())
	}

	readyAfter = 1 << 30
	exec = New(h.router, WithWaiter(time.Millisecond, 20*time.Millisecond))
	res, err = exec.Execute(context.Background(), p, ModeConfirmed, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusDone || res.Progress[0].Status != StepOK || !res.Progress[0].PropagationTimeout {
		t.Fatalf("timeout must be surfaced without failing the step: %+v", res.Progress[0])
	}
}

func TestVerificationFailureFailsStep(t *testing.T) {
	h := newHarness(t,
		tool("azure.create_rg", created("rg")),
		tool("azure.get_rg", func(context.Context, map[string]any) (*mcp.CallResult, error) {
			return mcp.JSONResult(map[string]any{"id": "rg", "location": "eastus"}), nil
		}),
	)
	p := steps("azure.create_rg")
	p.Steps[0].Verify = []plan.Verification{{Tool: "azure.get_rg", Expect: map[string]any{"location": "usgovvirginia"}}}
	res, err := New(h.router).Execute(context.Background(), p, ModeConfirmed, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusStopped || !strings.Contains(res.Progress[0].Reason, "location") {
		t.Fatalf("unexpected result: %+v", res.Progress)
	}
}

func TestCancellationBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t,
		tool("azure.one", func(context.Context, map[string]any) (*mcp.CallResult, error) {
			cancel()
			return mcp.JSONResult(map[string]any{"id": "1"}), nil
		}),
		tool("azure.two", created("2")),
	)
	res, err := New(h.router).Execute(ctx, steps("azure.one", "azure.two"), ModeConfirmed, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusStopped || len(res.Progress) != 1 || res.Progress[0].Status != StepOK {
		t.Fatalf("expected stop after step one: %s %+v", res.Status, res.Progress)
	}
	if h.calls.Load() != 1 {
		t.Fatalf("second step must not run, calls=%d", h.calls.Load())
	}
}

// ctxAware 模拟会检查上下文的真实后端。
func ctxAware(handler mcp.Handler) mcp.Handler {
	return func(ctx context.Context, args map[string]any) (*mcp.CallResult, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return handler(ctx, args)
	}
}

func TestCancellationDuringStepFinishesStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t,
		tool("azure.create_rg", ctxAware(func(context.Context, map[string]any) (*mcp.CallResult, error) {
			cancel()
			return mcp.JSONResult(map[string]any{"id": "rg"}), nil
		})),
		tool("azure.get_rg", ctxAware(created("rg"))),
		tool("azure.create_vm", ctxAware(created("vm"))),
	)
	p := steps("azure.create_rg", "azure.create_vm")
	p.Steps[0].Verify = []plan.Verification{{Tool: "azure.get_rg", Expect: map[string]any{"id": "rg"}}}
	p.Steps[0].Wait = &plan.WaitSpec{Tool: "azure.get_rg", Interval: "10ms", Timeout: "1s"}

	res, err := New(h.router).Execute(ctx, p, ModeConfirmed, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusStopped || len(res.Progress) != 1 {
		t.Fatalf("expected stop before step two: %s %+v", res.Status, res.Progress)
	}
	step := res.Progress[0]
	if step.Status != StepOK || step.PropagationTimeout {
		t.Fatalf("in-flight step should complete its verification and wait: %+v", step)
	}
	if !strings.HasPrefix(res.Reason, "cancelled") {
		t.Fatalf("stop reason should name cancellation: %q", res.Reason)
	}
	if h.calls.Load() != 3 {
		t.Fatalf("expected create, verify and wait calls only, got %d", h.calls.Load())
	}
}

func TestDenialReportedBeforeSchemaFailure(t *testing.T) {
	gate := newGate(t, `
tools:
  azure.create_rg:
    require_true: [approved]
`)
	h := newHarness(t, mcp.LocalTool{
		Info: mcp.ToolInfo{Name: "azure.create_rg", InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"location"},
		}},
		Handler: created("rg"),
	})
	res, err := New(h.router, WithGate(gate)).Execute(context.Background(), steps("azure.create_rg"), ModeConfirmed, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Progress) != 1 || res.Progress[0].Status != StepDenied {
		t.Fatalf("governance denial should win over schema failure: %+v", res.Progress)
	}
	if h.calls.Load() != 0 {
		t.Fatalf("denied tool must not be invoked")
	}
}

func TestSchemaValidation(t *testing.T) {
	h := newHarness(t, mcp.LocalTool{
		Info: mcp.ToolInfo{Name: "azure.create_rg", InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"location"},
		}},
		Handler: created("rg"),
	})
	res, err := New(h.router).Execute(context.Background(), steps("azure.create_rg"), ModeConfirmed, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusStopped || !strings.Contains(res.Progress[0].Reason, "schema validation failed") {
		t.Fatalf("expected schema failure: %+v", res.Progress)
	}
	if h.calls.Load() != 0 {
		t.Fatalf("invalid arguments must not reach the tool")
	}
}

func TestRunEntryPointSummary(t *testing.T) {
	h := newHarness(t, tool("azure.create_rg", created("rg")))
	exec := New(h.router)
	backend := exec.Backend()

	result, err := backend.CallTool(context.Background(), "plans.execute", map[string]any{
		"apply": true,
		"steps": []any{map[string]any{"tool": "azure.create_rg", "args": map[string]any{"name": "rg"}}},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var summary Summary
	last := result.Content[len(result.Content)-1]
	if last.Type != mcp.ContentJSON {
		t.Fatalf("final block should be the JSON summary")
	}
	if err := (&mcp.CallResult{Content: []mcp.ContentBlock{last}}).DecodeFirstJSON(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Status != StatusDone || len(summary.Progress) != 1 || result.IsError {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	pending, err := exec.Run(context.Background(), Request{Steps: []StepInput{{Tool: "azure.create_rg"}}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if pending.Status != StatusPending || h.calls.Load() != 1 {
		t.Fatalf("apply=false must only preview: %s calls=%d", pending.Status, h.calls.Load())
	}
}
