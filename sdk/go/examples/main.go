package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenMCP-Gate/sdk/go/opengate"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/plans/compile", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(opengate.CompileResult{
			Plan: &opengate.Plan{
				Summary: "create resource group",
				Steps: []opengate.PlanStep{{Step: opengate.Step{
					ID:   "rg",
					Tool: "azure.create_resource_group",
					Args: map[string]any{"name": "rg-demo", "location": "eastus"},
				}}},
			},
		})
	})
	mux.HandleFunc("/api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(opengate.Run{ID: "run-demo", Summary: "create resource group", Status: "pending"})
	})
	mux.HandleFunc("/api/v1/runs/run-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(opengate.Run{
			ID:       "run-demo",
			Status:   "succeeded",
			Attempts: 1,
			Result: &opengate.RunResult{
				RunStatus: "done",
				Progress:  []opengate.Progress{{StepIndex: 0, StepID: "rg", Tool: "azure.create_resource_group", Status: "ok"}},
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := opengate.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	compiled, err := client.CompileTemplate(ctx, opengate.CompileRequest{
		Template: "azure-resource-group",
		Inputs:   map[string]any{"name": "rg-demo", "location": "eastus"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("compiled %q with %d step(s)\n", compiled.Plan.Summary, len(compiled.Plan.Steps))

	run, err := client.SubmitRun(ctx, opengate.RunSubmission{ExecuteRequest: compiled.Plan.ExecuteRequest(true)})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted run %s (status=%s)\n", run.ID, run.Status)

	done, err := client.WaitRun(ctx, run.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("run %s finished: %s (%s)\n", done.ID, done.Status, done.Result.RunStatus)
}
