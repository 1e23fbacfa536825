package governance

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"OpenMCP-Gate/internal/mcp"
)

func mustPolicy(t *testing.T, yamlDoc string) *Policy {
	t.Helper()
	doc, err := ParseDocument([]byte(yamlDoc))
	if err != nil {
		t.Fatalf("parse document: %v", err)
	}
	p, err := Compile(doc, "test", 1)
	if err != nil {
		t.Fatalf("compile policy: %v", err)
	}
	return p
}

const storagePolicy = `
version: test
profiles:
  moderate:
    families: [SC]
tools:
  azure.create_storage_account:
    id: storage
    name:
      pattern: "^[a-z0-9]{3,24}$"
      deny_substrings: [test]
      suggestion: "Try st{{alias}}001."
    allowed_values:
      - field: sku
        values: [Standard_LRS]
        severity: warn
    require_tags: [owner, env]
    require_true: [httpsOnly]
    regions:
      allowed: [usgovvirginia]
    controls: [SC-8, CM-6]
`

func TestEvaluateRequiredTags(t *testing.T) {
	p := mustPolicy(t, `
tools:
  azure.tag_resource:
    require_tags: [owner, env]
`)
	d := Evaluate(p, "azure.tag_resource", map[string]any{
		"tags": map[string]any{"owner": "x"},
	}, nil, "")

	if d.Decision != VerdictDeny {
		t.Fatalf("expected deny, got %s", d.Decision)
	}
	if len(d.Reasons) != 1 {
		t.Fatalf("expected one reason, got %v", d.Reasons)
	}
	if !strings.Contains(d.Reasons[0], "env") || strings.Contains(d.Reasons[0], "owner") {
		t.Fatalf("reason should name only env: %q", d.Reasons[0])
	}
}

func TestEvaluateAggregatesEveryCheck(t *testing.T) {
	p := mustPolicy(t, storagePolicy)
	args := map[string]any{
		"name":      "MyTestAccount",
		"sku":       "Premium_LRS",
		"location":  "eastus",
		"httpsOnly": false,
	}
	d := Evaluate(p, "azure.create_storage_account", args, map[string]string{"alias": "jdoe"}, "")

	// 正则、子串、SKU、标签、httpsOnly、区域各一条。
	if len(d.Reasons) != 6 {
		t.Fatalf("expected 6 reasons, got %d: %v", len(d.Reasons), d.Reasons)
	}
	if d.Decision != VerdictDeny {
		t.Fatalf("expected deny, got %s", d.Decision)
	}
	if !reflect.DeepEqual(d.Suggestions, []string{"Try stjdoe001."}) {
		t.Fatalf("unexpected suggestions: %v", d.Suggestions)
	}
	if !reflect.DeepEqual(d.Controls, []string{"CM-6", "SC-8"}) {
		t.Fatalf("unexpected controls: %v", d.Controls)
	}
	if !reflect.DeepEqual(d.PolicyIDs, []string{"storage"}) {
		t.Fatalf("unexpected policy ids: %v", d.PolicyIDs)
	}
}

func TestEvaluateMaxSeverity(t *testing.T) {
	p := mustPolicy(t, storagePolicy)
	args := map[string]any{
		"name":      "stjdoe001",
		"sku":       "Premium_LRS",
		"location":  "usgovvirginia",
		"httpsOnly": true,
		"tags":      map[string]any{"owner": "jdoe", "env": "dev"},
	}
	d := Evaluate(p, "azure.create_storage_account", args, nil, "")
	if d.Decision != VerdictWarn || len(d.Reasons) != 1 {
		t.Fatalf("expected a single warn, got %s %v", d.Decision, d.Reasons)
	}
	if !d.Allowed() {
		t.Fatalf("warn must not block")
	}

	args["sku"] = "standard_lrs"
	d = Evaluate(p, "azure.create_storage_account", args, nil, "")
	if d.Decision != VerdictAllow || len(d.Reasons) != 0 {
		t.Fatalf("expected allow, got %s %v", d.Decision, d.Reasons)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	p := mustPolicy(t, storagePolicy)
	args := map[string]any{"name": "BAD", "location": "eastus"}
	first := Evaluate(p, "azure.create_storage_account", args, nil, "")
	for i := 0; i < 10; i++ {
		if got := Evaluate(p, "azure.create_storage_account", args, nil, ""); !reflect.DeepEqual(first, got) {
			t.Fatalf("run %d differs: %+v vs %+v", i, first, got)
		}
	}
}

func TestEvaluateUnknownToolAllows(t *testing.T) {
	p := mustPolicy(t, storagePolicy)
	d := Evaluate(p, "github.list_repos", map[string]any{"name": "anything"}, nil, "")
	if d.Decision != VerdictAllow || len(d.Reasons) != 0 || len(d.PolicyIDs) != 0 {
		t.Fatalf("unexpected decision for uncovered tool: %+v", d)
	}
}

func TestEvaluateSkuFamilyAndGlob(t *testing.T) {
	p := mustPolicy(t, `
tools:
  azure.create_vm:
    allowed_values:
      - field: properties.vmSize
        values: [Standard_D2s]
        normalize: sku-family
  azure.*:
    id: azure-all
    controls: [CM-2]
`)
	tests := []struct {
		size    string
		reasons int
		ids     []string
	}{
		{"Standard_D2s_v3", 0, []string{}},
		{"standard_d2s-v5.1", 0, []string{}},
		{"Standard_D2s", 0, []string{}},
		{"Standard_E8s_v3", 1, []string{"azure.create_vm"}},
	}
	for _, tt := range tests {
		t.Run(tt.size, func(t *testing.T) {
			args := map[string]any{"properties": map[string]any{"vmSize": tt.size}}
			d := Evaluate(p, "azure.create_vm", args, nil, "")
			if len(d.Reasons) != tt.reasons {
				t.Fatalf("expected %d reasons, got %v", tt.reasons, d.Reasons)
			}
			if !reflect.DeepEqual(d.PolicyIDs, tt.ids) {
				t.Fatalf("only rules that added a reason are listed, got %v", d.PolicyIDs)
			}
			if !reflect.DeepEqual(d.Controls, []string{"CM-2"}) {
				t.Fatalf("controls of every matching rule are reported, got %v", d.Controls)
			}
		})
	}
}

func TestEvaluateProfileFiltersControls(t *testing.T) {
	p := mustPolicy(t, storagePolicy)
	d := Evaluate(p, "azure.create_storage_account", map[string]any{}, nil, "moderate")
	if !reflect.DeepEqual(d.Controls, []string{"SC-8"}) {
		t.Fatalf("expected SC controls only, got %v", d.Controls)
	}
	d = Evaluate(p, "azure.create_storage_account", map[string]any{}, nil, "unknown")
	if len(d.Controls) != 2 {
		t.Fatalf("unknown profile should not filter: %v", d.Controls)
	}
}

func TestCompileRejectsInvalidPolicy(t *testing.T) {
	tests := map[string]string{
		"regex":     "tools:\n  a.b:\n    name:\n      pattern: \"([\"\n",
		"severity":  "tools:\n  a.b:\n    severity: fatal\n",
		"normalize": "tools:\n  a.b:\n    allowed_values:\n      - field: x\n        values: [y]\n        normalize: upper\n",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			doc, err := ParseDocument([]byte(raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if _, err := Compile(doc, "test", 1); err == nil {
				t.Fatalf("expected compile error")
			}
		})
	}
}

func TestStoreReloadSwapsSnapshot(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "policy.yaml")
	write := func(body string) {
		if err := os.WriteFile(file, []byte(body), 0o644); err != nil {
			t.Fatalf("write policy: %v", err)
		}
	}
	write("version: one\ntools:\n  a.b:\n    require_true: [ok]\n")

	store, err := NewStore(file)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	before := store.Current()
	if before.Label != "one" || before.Version != 1 {
		t.Fatalf("unexpected snapshot: %s", before)
	}

	write("version: two\ntools: {}\n")
	if err := store.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	after := store.Current()
	if after.Label != "two" || after.Version != 2 {
		t.Fatalf("unexpected snapshot after reload: %s", after)
	}
	if Evaluate(before, "a.b", nil, nil, "").Decision != VerdictDeny {
		t.Fatalf("old snapshot must remain intact")
	}

	write("tools: [")
	if err := store.Reload(); err == nil {
		t.Fatalf("expected reload error")
	}
	if store.Current() != after {
		t.Fatalf("failed reload must keep previous snapshot")
	}
}

func TestDefaultPolicyLoads(t *testing.T) {
	store, err := NewStore("")
	if err != nil {
		t.Fatalf("default policy: %v", err)
	}
	if !store.Current().Covers("azure.create_storage_account") {
		t.Fatalf("default policy should cover storage accounts")
	}
	if !store.Current().Covers("azure.delete_resource_group") {
		t.Fatalf("default policy should cover deletes via glob")
	}
}

func TestRemoteGateUsesToolContract(t *testing.T) {
	store, err := NewStoreFromDocument(&Document{Tools: map[string]RuleNode{
		"github.create_repo": {RequireTrue: []string{"private"}},
	}})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	backend := NewEvaluator(store, "").Backend()

	var calls int
	caller := mcp.CallerFunc(func(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error) {
		calls++
		return backend.CallTool(ctx, name, args)
	})
	remote := NewRemote(caller, "")
	d, err := remote.Check(context.Background(), Request{
		Tool: "github.create_repo",
		Args: map[string]any{"name": "svc", "private": false},
	})
	if err != nil {
		t.Fatalf("remote check: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
	if d.Decision != VerdictDeny || len(d.Reasons) != 1 {
		t.Fatalf("unexpected remote decision: %+v", d)
	}
}
