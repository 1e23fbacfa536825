package task

import (
	"context"
	"testing"
	"time"

	"OpenMCP-Gate/internal/executor"
)

func newRun(id, summary string) *Task {
	return &Task{
		ID:         id,
		Summary:    summary,
		Status:     StatusPending,
		MaxRetries: 3,
		Request:    executor.Request{Apply: true, Steps: []executor.StepInput{{Tool: "azure.create_vm", Args: map[string]any{"name": id}}}},
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	for _, task := range []*Task{newRun("t1", "onboard alice"), newRun("t2", "onboard bob"), newRun("t3", "rotate keys")} {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create run %s: %v", task.ID, err)
		}
	}

	if err := store.MarkFailed(ctx, "t2", CodeTaskStopped, "boom", nil, true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t3", ExecutionResult{RunStatus: executor.StatusDone}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.tasks["t1"].Profile = "strict"
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "t3" {
		t.Fatalf("expected newest run first, got %+v", all)
	}

	asc, _ := store.List(ctx, buildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc)}))
	if asc[0].ID != "t1" {
		t.Fatalf("expected oldest run first, got %s", asc[0].ID)
	}

	failed, _ := store.List(ctx, buildListOptions([]ListOption{WithStatuses(ParseStatuses("failed,bogus")...)}))
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	strict, _ := store.List(ctx, buildListOptions([]ListOption{WithProfile(" STRICT ")}))
	if len(strict) != 1 || strict[0].ID != "t1" {
		t.Fatalf("unexpected profile list: %+v", strict)
	}

	stopped, _ := store.List(ctx, buildListOptions([]ListOption{WithErrorCodes(ParseErrorCodes(" " + string(CodeTaskStopped) + ",,")...)}))
	if len(stopped) != 1 || stopped[0].ID != "t2" {
		t.Fatalf("unexpected error code list: %+v", stopped)
	}

	withResult, _ := store.List(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if len(withResult) != 1 || withResult[0].ID != "t3" {
		t.Fatalf("unexpected result list: %+v", withResult)
	}

	recent, _ := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(base.Add(15 * time.Second))}))
	if len(recent) != 2 {
		t.Fatalf("expected 2 runs to match since filter, got %d", len(recent))
	}

	onboarding, _ := store.List(ctx, buildListOptions([]ListOption{WithQuery("ONBOARD"), WithLimit(1), WithOffset(1)}))
	if len(onboarding) != 1 || onboarding[0].ID != "t1" {
		t.Fatalf("unexpected paged query: %+v", onboarding)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, task := range []*Task{newRun("a", "a"), newRun("b", "b"), newRun("c", "c")} {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create run %s: %v", task.ID, err)
		}
	}
	_ = store.MarkFailed(ctx, "b", CodeTaskProcessing, "boom", nil, true)
	_ = store.MarkSucceeded(ctx, "c", ExecutionResult{RunStatus: executor.StatusDone})

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(stats.FailuresByCode) != 1 || stats.FailuresByCode[string(CodeTaskProcessing)] != 1 {
		t.Fatalf("unexpected failure breakdown: %+v", stats.FailuresByCode)
	}

	without, _ := store.Stats(ctx, buildListOptions([]ListOption{WithResultPresence(false)}))
	if without.Total != 2 {
		t.Fatalf("unexpected stats without result: %+v", without)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	run := newRun("r1", "retry")
	run.MaxRetries = 2
	if err := store.Create(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newRun("r1", "dup")); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	claimed, err := store.Claim(ctx, "r1")
	if err != nil || claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("claim: %+v %v", claimed, err)
	}
	if _, err := store.Claim(ctx, "r1"); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("running run cannot be claimed twice: %v", err)
	}

	// 非终态失败回到 pending。
	if err := store.MarkFailed(ctx, "r1", CodeTaskProcessing, "transient", nil, false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if got, _ := store.Get(ctx, "r1"); got.Status != StatusPending || got.LastError != "transient" {
		t.Fatalf("unexpected state: %+v", got)
	}
	if _, err := store.Claim(ctx, "r1"); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	_ = store.MarkFailed(ctx, "r1", CodeTaskProcessing, "transient", nil, false)
	if _, err := store.Claim(ctx, "r1"); !IsTaskError(err, CodeTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}

	if _, err := store.Get(ctx, "missing"); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newRun("x", "copy")); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := store.Get(ctx, "x")
	got.Request.Steps[0].Args["name"] = "mutated"
	again, _ := store.Get(ctx, "x")
	if again.Request.Steps[0].Args["name"] != "x" {
		t.Fatalf("store leaked internal state")
	}
}
