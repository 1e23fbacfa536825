package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "OpenMCP-Gate/internal/errors"
)

func TestHTTPBackendListAndCall(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/azure/tools/list":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"tools": []map[string]any{{"name": "azure.createStorageAccount", "description": "create"}},
			})
		case "/azure/tools/call":
			if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
				t.Errorf("decode body: %v", err)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"content": []map[string]any{{"type": "json", "json": map[string]any{"id": "/subs/1"}}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	backend, err := NewHTTPBackend(srv.URL+"/azure", time.Second, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tools, err := backend.ListTools(context.Background())
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "azure.createStorageAccount" {
		t.Fatalf("unexpected tools: %+v", tools)
	}

	result, err := backend.CallTool(context.Background(), "azure.createStorageAccount", map[string]any{"name": "st1"})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if captured["name"] != "azure.createStorageAccount" {
		t.Fatalf("unexpected request body: %+v", captured)
	}
	value, ok := result.FirstJSON()
	if !ok {
		t.Fatalf("expected json block")
	}
	if value.(map[string]any)["id"] != "/subs/1" {
		t.Fatalf("unexpected json: %+v", value)
	}
}

func TestHTTPBackendUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	backend, err := NewHTTPBackend(srv.URL, time.Second, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = backend.ListTools(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamUnavailable {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("expected 5xx to be retryable")
	}
}

func TestNewHTTPBackendValidation(t *testing.T) {
	if _, err := NewHTTPBackend("  ", 0); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestLocalBackendUnknownTool(t *testing.T) {
	backend := NewLocalBackend()
	_, err := backend.CallTool(context.Background(), "missing", nil)
	if xerrors.CodeOf(err) != xerrors.CodeToolNotFound {
		t.Fatalf("expected tool not found, got %v", err)
	}
}
