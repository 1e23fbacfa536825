package governance

import (
	"context"
	"fmt"
	"strings"

	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/internal/mcp"
)

// ServiceName 是治理服务在路由表中的服务名。
const ServiceName = "governance"

// ToolName 是远程评估使用的完整工具名。
const ToolName = ServiceName + ".evaluate"

// Request 描述一次待评估的调用。
type Request struct {
	Tool    string            `json:"tool"`
	Args    map[string]any    `json:"args"`
	Context map[string]string `json:"context,omitempty"`
	Profile string            `json:"profile,omitempty"`
}

// Gate 在工具调用前给出治理结论。
type Gate interface {
	Check(ctx context.Context, req Request) (Decision, error)
}

// Remote 通过工具调用协议访问远程治理服务。
type Remote struct {
	caller mcp.Caller
	tool   string
}

// NewRemote 创建远程 Gate；tool 为空时使用 governance.evaluate。
func NewRemote(caller mcp.Caller, tool string) *Remote {
	if strings.TrimSpace(tool) == "" {
		tool = ToolName
	}
	return &Remote{caller: caller, tool: tool}
}

// Check 调用远程评估工具并解析第一个 JSON 内容块。
func (r *Remote) Check(ctx context.Context, req Request) (Decision, error) {
	args := map[string]any{
		"tool": req.Tool,
		"args": req.Args,
	}
	if len(req.Context) > 0 {
		evalCtx := make(map[string]any, len(req.Context))
		for k, v := range req.Context {
			evalCtx[k] = v
		}
		args["context"] = evalCtx
	}
	if req.Profile != "" {
		args["profile"] = req.Profile
	}
	result, err := r.caller.CallTool(ctx, r.tool, args)
	if err != nil {
		return Decision{}, err
	}
	if result.IsError {
		return Decision{}, xerrors.New(xerrors.CodeToolExecution, "治理评估失败: "+result.TextContent(),
			xerrors.WithMetadata("tool", req.Tool))
	}
	var decision Decision
	if err := result.DecodeFirstJSON(&decision); err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "治理评估结果无法解析",
			xerrors.WithMetadata("tool", req.Tool))
	}
	if _, ok := ParseVerdict(string(decision.Decision), VerdictAllow); !ok || decision.Decision == "" {
		return Decision{}, xerrors.New(xerrors.CodeUpstreamUnavailable, fmt.Sprintf("未知的治理结论: %q", decision.Decision),
			xerrors.WithMetadata("tool", req.Tool))
	}
	return normalizeDecision(decision), nil
}

func normalizeDecision(d Decision) Decision {
	verdict, _ := ParseVerdict(string(d.Decision), VerdictAllow)
	d.Decision = verdict
	if d.Reasons == nil {
		d.Reasons = []string{}
	}
	if d.Suggestions == nil {
		d.Suggestions = []string{}
	}
	if d.Controls == nil {
		d.Controls = []string{}
	}
	if d.PolicyIDs == nil {
		d.PolicyIDs = []string{}
	}
	return d
}

// Backend 把本地评估器暴露为 governance 服务，工具 evaluate 与 reload。
func (e *Evaluator) Backend() *mcp.LocalBackend {
	return mcp.NewLocalBackend(
		mcp.LocalTool{
			Info: mcp.ToolInfo{
				Name:        ToolName,
				Description: "Evaluate a proposed tool call against the governance policy.",
				InputSchema: map[string]any{
					"type":     "object",
					"required": []any{"tool"},
					"properties": map[string]any{
						"tool":    map[string]any{"type": "string"},
						"args":    map[string]any{"type": "object"},
						"context": map[string]any{"type": "object"},
						"profile": map[string]any{"type": "string"},
					},
				},
			},
			Handler: e.handleEvaluate,
		},
		mcp.LocalTool{
			Info: mcp.ToolInfo{
				Name:        ServiceName + ".reload",
				Description: "Reload the governance policy document.",
				InputSchema: map[string]any{"type": "object"},
			},
			Handler: e.handleReload,
		},
	)
}

func (e *Evaluator) handleEvaluate(_ context.Context, args map[string]any) (*mcp.CallResult, error) {
	tool, _ := args["tool"].(string)
	if strings.TrimSpace(tool) == "" {
		return mcp.ErrorResult("tool is required"), nil
	}
	callArgs, _ := args["args"].(map[string]any)
	evalCtx := map[string]string{}
	if raw, ok := args["context"].(map[string]any); ok {
		for k, v := range raw {
			if s := scalarString(v); s != "" {
				evalCtx[k] = s
			}
		}
	}
	profile, _ := args["profile"].(string)
	return mcp.JSONResult(e.Evaluate(tool, callArgs, evalCtx, profile)), nil
}

func (e *Evaluator) handleReload(_ context.Context, _ map[string]any) (*mcp.CallResult, error) {
	if err := e.store.Reload(); err != nil {
		return mcp.ErrorResult("reload failed: %v", err), nil
	}
	current := e.store.Current()
	return mcp.JSONResult(map[string]any{
		"version": current.Version,
		"label":   current.Label,
		"source":  current.Source,
	}), nil
}

var (
	_ Gate = (*Evaluator)(nil)
	_ Gate = (*Remote)(nil)
)
