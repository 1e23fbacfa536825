package executor

import (
	"context"
	"encoding/json"

	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/internal/mcp"
)

// ServiceName 是执行器作为本地服务注册时使用的服务名。
const ServiceName = "plans"

// Run 是计划执行入口：apply 为 false 时只返回预览。
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	if len(req.Steps) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "steps 不能为空")
	}
	for i, s := range req.Steps {
		if s.Tool == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "步骤缺少 tool", xerrors.WithMetadata("step", itoa(i)))
		}
	}
	return e.Execute(ctx, req.Plan(), req.Mode(), Options{Profile: req.Profile, Context: req.Context})
}

// Backend 把执行入口暴露为 plans.execute 工具。
func (e *Executor) Backend() *mcp.LocalBackend {
	return mcp.NewLocalBackend(mcp.LocalTool{
		Info: mcp.ToolInfo{
			Name:        ServiceName + ".execute",
			Description: "Execute an ordered list of tool calls with governance gating. Set apply=true to make changes.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []any{"steps"},
				"properties": map[string]any{
					"apply":           map[string]any{"type": "boolean"},
					"profile":         map[string]any{"type": "string"},
					"continueOnError": map[string]any{"type": "boolean"},
					"steps": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type":     "object",
							"required": []any{"tool"},
							"properties": map[string]any{
								"tool": map[string]any{"type": "string"},
								"args": map[string]any{"type": "object"},
							},
						},
					},
				},
			},
		},
		Handler: e.handleExecute,
	})
}

func (e *Executor) handleExecute(ctx context.Context, args map[string]any) (*mcp.CallResult, error) {
	var req Request
	if err := decodeArgs(args, &req); err != nil {
		return mcp.ErrorResult("invalid arguments: %v", err), nil
	}
	result, err := e.Run(ctx, req)
	if err != nil {
		return mcp.ErrorResult("%v", err), nil
	}
	return result.CallResult(), nil
}

func decodeArgs(args map[string]any, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// CallTool 以单步计划执行一次调用，经过解析、参数校验与治理，实现 mcp.Caller。
func (e *Executor) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error) {
	p := Request{Apply: true, Steps: []StepInput{{Tool: name, Args: args}}}.Plan()
	p.Summary = name
	result, err := e.Execute(ctx, p, ModeConfirmed, OptionsFrom(ctx))
	if err != nil {
		return nil, err
	}
	return result.CallResult(), nil
}

type optionsKey struct{}

// WithOptions 把运行上下文（profile 与建议占位符）放入 ctx，供 CallTool 使用。
func WithOptions(ctx context.Context, opts Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

// OptionsFrom 取出 WithOptions 放入的运行上下文。
func OptionsFrom(ctx context.Context) Options {
	opts, _ := ctx.Value(optionsKey{}).(Options)
	return opts
}

var _ mcp.Caller = (*Executor)(nil)
