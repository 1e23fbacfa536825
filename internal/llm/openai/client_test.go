package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestChatToolCalls(t *testing.T) {
	var captured struct {
		Authorization string
		Path          string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		captured.Path = r.URL.Path
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "tool_calls",
					"message": map[string]any{
						"role":    "assistant",
						"content": "",
						"tool_calls": []map[string]any{
							{
								"id":   "call_1",
								"type": "function",
								"function": map[string]any{
									"name":      "azure__create_resource_group",
									"arguments": `{"name":"rg-alice","location":"usgovvirginia"}`,
								},
							},
						},
					},
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/v1", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := client.Chat(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "create a resource group"}},
		Tools:    []llm.ToolSpec{{Name: "azure.create_resource_group", Description: "Create a resource group"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %+v", resp.Message)
	}
	call := resp.Message.ToolCalls[0]
	if call.Name != "azure.create_resource_group" || call.Arguments["name"] != "rg-alice" {
		t.Fatalf("unexpected tool call: %+v", call)
	}
	if resp.FinishReason != "tool_calls" {
		t.Fatalf("unexpected finish reason: %q", resp.FinishReason)
	}

	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Path != "/v1/chat/completions" {
		t.Fatalf("unexpected path: %s", captured.Path)
	}
	tools, _ := captured.Body["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools missing in request: %v", captured.Body)
	}
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	if fn["name"] != "azure__create_resource_group" {
		t.Fatalf("tool name should be encoded: %v", fn["name"])
	}
}

func TestChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom","type":"invalid_request_error"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Chat(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamUnavailable {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestNameEncodingRoundTrip(t *testing.T) {
	for _, name := range []string{"azure.create_vm", "github.get_installation", "plans.execute"} {
		if got := DecodeName(EncodeName(name)); got != name {
			t.Errorf("round trip %q -> %q", name, got)
		}
	}
}
