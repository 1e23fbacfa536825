package opengate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCompileTemplatePostsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/plans/compile" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("unexpected content type: %q", ct)
		}
		var req CompileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.Template != "rg" || req.Inputs["name"] != "demo" {
			t.Fatalf("unexpected request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(CompileResult{
			Plan: &Plan{Summary: "rg", Steps: []PlanStep{{Step: Step{ID: "s1", Tool: "azure.create_resource_group", Args: map[string]any{"name": "demo"}}}}},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	res, err := client.CompileTemplate(context.Background(), CompileRequest{Template: "rg", Inputs: map[string]any{"name": "demo"}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if res.Plan == nil || len(res.Plan.Steps) != 1 || res.Plan.Steps[0].Tool != "azure.create_resource_group" {
		t.Fatalf("unexpected plan: %+v", res.Plan)
	}

	exec := res.Plan.ExecuteRequest(true)
	if !exec.Apply || len(exec.Steps) != 1 || exec.Steps[0].ID != "s1" || exec.Summary != "rg" {
		t.Fatalf("unexpected execute request: %+v", exec)
	}
}

func TestAccessTokenIsOptional(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(Health{Status: "ok"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	if _, err := client.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	client.SetAccessToken("token")
	if _, err := client.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if len(got) != 2 || got[0] != "" || got[1] != "Bearer token" {
		t.Fatalf("unexpected authorization headers: %q", got)
	}
}

func TestListRunsEncodesFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("limit") != "5" || q.Get("status") != "pending,failed" || q.Get("q") != "rg" || q.Get("order") != "asc" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		if q.Has("offset") {
			t.Fatalf("zero offset should be omitted")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"runs": []Run{{ID: "r1", Status: "pending"}}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	runs, err := client.ListRuns(context.Background(), ListRunsOptions{
		Limit:     5,
		Statuses:  []string{"pending", "failed"},
		Query:     "rg",
		Ascending: true,
	})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "r1" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestWaitRunPollsUntilFinished(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs/r1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		calls++
		status := "running"
		if calls >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(Run{ID: "r1", Status: status})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	run, err := client.WaitRun(ctx, "r1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait run: %v", err)
	}
	if run.Status != "succeeded" || calls != 3 {
		t.Fatalf("unexpected run %+v after %d calls", run, calls)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"POLICY_DENIED","message":"denied","metadata":{"tool":"azure.delete_rg"}}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	_, err := client.Evaluate(context.Background(), EvaluateRequest{Tool: "azure.delete_rg"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "POLICY_DENIED" || apiErr.Metadata["tool"] != "azure.delete_rg" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestClientFallsBackToRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	_, err := client.Chat(context.Background(), ChatRequest{Instruction: "list groups"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "upstream exploded" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestDecisionAllowed(t *testing.T) {
	cases := map[string]bool{"allow": true, "warn": true, "deny": false}
	for verdict, want := range cases {
		if got := (Decision{Decision: verdict}).Allowed(); got != want {
			t.Fatalf("%s: expected %v", verdict, want)
		}
	}
}
