package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/internal/mcp"
)

type stubNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (s *stubNotifier) Channel() Channel { return s.channel }

func (s *stubNotifier) Notify(_ context.Context, event Event) error {
	s.events = append(s.events, event)
	return s.err
}

func TestFromError(t *testing.T) {
	err := xerrors.New(xerrors.CodePolicyDenied, "azure.create_vm 被拒绝",
		xerrors.WithMetadata("step", "2"))
	event := FromError(err, "run-1")
	if event.Code != xerrors.CodePolicyDenied || event.Severity != xerrors.SeverityWarning {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Message != "azure.create_vm 被拒绝" || event.Metadata["step"] != "2" || event.RunID != "run-1" {
		t.Fatalf("message or metadata not copied: %+v", event)
	}

	plain := FromError(errors.New("boom"), "")
	if plain.Code != xerrors.CodeUnknown || plain.Message != "boom" || plain.StepIndex != -1 {
		t.Fatalf("unexpected plain event %+v", plain)
	}
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	logN := &stubNotifier{channel: ChannelLog}
	chatN := &stubNotifier{channel: ChannelChat, err: errors.New("teams down")}
	d := NewFanout(logN, nil, chatN)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeToolExecution})
	if err == nil || !strings.Contains(err.Error(), "channel chat") {
		t.Fatalf("expected chat failure to surface, got %v", err)
	}
	if len(logN.events) != 1 || len(chatN.events) != 1 {
		t.Fatalf("every notifier should receive the event")
	}
	if logN.events[0].OccurredAt.IsZero() {
		t.Fatalf("occurred_at should be stamped")
	}

	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

func TestLogNotifierWritesMetadata(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	if err := n.Notify(context.Background(), Event{
		Code:     xerrors.CodePolicyDenied,
		Message:  "denied",
		Tool:     "azure.create_vm",
		Metadata: map[string]string{"reason": "region"},
	}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["code"] != "POLICY_DENIED" || line["meta.reason"] != "region" || line["tool"] != "azure.create_vm" {
		t.Fatalf("unexpected log line %v", line)
	}
}

func TestToolNotifierPostsThroughCaller(t *testing.T) {
	var gotName string
	var gotArgs map[string]any
	caller := mcp.CallerFunc(func(_ context.Context, name string, args map[string]any) (*mcp.CallResult, error) {
		gotName, gotArgs = name, args
		return mcp.JSONResult(map[string]any{"ok": true}), nil
	})
	n := &ToolNotifier{Caller: caller, Tool: "teams.post_message", Target: "ops", TitlePrefix: "[gate] "}

	err := n.Notify(context.Background(), Event{
		Code:       xerrors.CodeToolExecution,
		Severity:   xerrors.SeverityWarning,
		Message:    "run stopped",
		RunID:      "run-9",
		Tool:       "azure.create_vm",
		StepIndex:  1,
		Attempts:   2,
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if gotName != "teams.post_message" || gotArgs["channel"] != "ops" {
		t.Fatalf("unexpected call %s %v", gotName, gotArgs)
	}
	text, _ := gotArgs["text"].(string)
	for _, want := range []string{"[gate] [warning]", "run-9", "azure.create_vm (步骤 1)", "重试: 2/3"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message %q should contain %q", text, want)
		}
	}

	failing := &ToolNotifier{Caller: mcp.CallerFunc(func(context.Context, string, map[string]any) (*mcp.CallResult, error) {
		return mcp.ErrorResult("channel not found"), nil
	}), Tool: "teams.post_message"}
	if err := failing.Notify(context.Background(), Event{}); err == nil || !strings.Contains(err.Error(), "channel not found") {
		t.Fatalf("error result should surface, got %v", err)
	}

	if err := (&ToolNotifier{}).Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured notifier should skip silently: %v", err)
	}
}
