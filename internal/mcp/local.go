package mcp

import (
	"context"
	"sort"
	"sync"

	xerrors "OpenMCP-Gate/internal/errors"
)

// Handler 是进程内工具的实现函数。
type Handler func(ctx context.Context, args map[string]any) (*CallResult, error)

// LocalTool 描述一个进程内注册的工具。
type LocalTool struct {
	Info    ToolInfo
	Handler Handler
}

// LocalBackend 是进程内的工具后端，用于治理评估等内置服务，也便于测试。
type LocalBackend struct {
	mu    sync.RWMutex
	tools map[string]LocalTool
}

// NewLocalBackend 创建进程内后端。
func NewLocalBackend(tools ...LocalTool) *LocalBackend {
	b := &LocalBackend{tools: make(map[string]LocalTool, len(tools))}
	for _, tool := range tools {
		b.Register(tool)
	}
	return b
}

// Register 注册或覆盖一个工具。
func (b *LocalBackend) Register(tool LocalTool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tools[tool.Info.Name] = tool
}

// ListTools 实现 Backend。
func (b *LocalBackend) ListTools(_ context.Context) ([]ToolInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	infos := make([]ToolInfo, 0, len(b.tools))
	for _, tool := range b.tools {
		infos = append(infos, tool.Info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// CallTool 实现 Backend。
func (b *LocalBackend) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	b.mu.RLock()
	tool, ok := b.tools[name]
	b.mu.RUnlock()
	if !ok || tool.Handler == nil {
		return nil, xerrors.New(xerrors.CodeToolNotFound, "未注册的本地工具: "+name)
	}
	return tool.Handler(ctx, CloneArgs(args))
}

var _ Backend = (*LocalBackend)(nil)
