package router

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/internal/installcache"
	"OpenMCP-Gate/internal/mcp"
	"OpenMCP-Gate/pkg/logger"
)

// Binding 是一个服务的静态绑定，进程生命周期内不变。
type Binding struct {
	Service      string
	BaseAddress  string
	Timeout      time.Duration
	Headers      map[string]string
	Installation *InstallationLookup
}

// InstallationLookup 描述需要按 owner 注入安装 ID 的服务（例如源码托管平台）。
type InstallationLookup struct {
	OwnerArg   string
	LookupTool string
	InjectArg  string
}

type binding struct {
	Binding
	backend mcp.Backend
}

// Router 将 <service>.<tool> 映射到实际后端。每次调用都会重新查询目录，不缓存映射。
type Router struct {
	bindings map[string]*binding
	installs installcache.Cache
	logger   *slog.Logger
}

// Option 定义 Router 的可选配置。
type Option func(*Router)

// WithInstallCache 配置安装 ID 缓存。
func WithInstallCache(cache installcache.Cache) Option {
	return func(r *Router) {
		if cache != nil {
			r.installs = cache
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// New 创建一个空的 Router。
func New(opts ...Option) *Router {
	r := &Router{
		bindings: make(map[string]*binding),
		installs: installcache.NewMemory(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("router")
	}
	return r
}

// NewFromBindings 为每个绑定创建 HTTP 后端。
func NewFromBindings(bindings []Binding, opts ...Option) (*Router, error) {
	r := New(opts...)
	for _, b := range bindings {
		opts := make([]mcp.HTTPOption, 0, len(b.Headers))
		for key, value := range b.Headers {
			opts = append(opts, mcp.WithHeader(key, value))
		}
		backend, err := mcp.NewHTTPBackend(b.BaseAddress, b.Timeout, opts...)
		if err != nil {
			return nil, fmt.Errorf("初始化服务 %s 失败: %w", b.Service, err)
		}
		if err := r.Bind(b, backend); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Bind 注册一个服务绑定及其后端。
func (r *Router) Bind(b Binding, backend mcp.Backend) error {
	name := strings.TrimSpace(b.Service)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "服务名不能为空")
	}
	if strings.Contains(name, ".") {
		return xerrors.New(xerrors.CodeInvalidArgument, "服务名不能包含点号: "+name)
	}
	if backend == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "服务 "+name+" 缺少后端")
	}
	if _, exists := r.bindings[name]; exists {
		return xerrors.New(xerrors.CodeConflict, "服务重复绑定: "+name)
	}
	b.Service = name
	r.bindings[name] = &binding{Binding: b, backend: backend}
	return nil
}

// Services 返回所有已绑定的服务名。
func (r *Router) Services() []string {
	names := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve 在服务的实时目录中查找工具。
func (r *Router) Resolve(ctx context.Context, service, requested string) (Descriptor, error) {
	b, err := r.lookup(service)
	if err != nil {
		return Descriptor{}, err
	}
	tools, err := r.listTools(ctx, b)
	if err != nil {
		return Descriptor{}, err
	}
	desc, ok := Match(b.Service, requested, tools)
	if !ok {
		return Descriptor{}, xerrors.New(xerrors.CodeToolNotFound, "服务中不存在该工具",
			xerrors.WithMetadata("service", b.Service),
			xerrors.WithMetadata("tool", requested))
	}
	return desc, nil
}

// ResolveName 解析 <service>.<tool> 形式的全名。
func (r *Router) ResolveName(ctx context.Context, fullName string) (Descriptor, error) {
	service, tool, err := SplitName(fullName)
	if err != nil {
		return Descriptor{}, err
	}
	return r.Resolve(ctx, service, tool)
}

// CallTool 解析并调用工具，实现 mcp.Caller。
func (r *Router) CallTool(ctx context.Context, fullName string, args map[string]any) (*mcp.CallResult, error) {
	desc, err := r.ResolveName(ctx, fullName)
	if err != nil {
		return nil, err
	}
	return r.Invoke(ctx, desc, args)
}

// Invoke 调用一个已解析的工具，必要时注入安装 ID。
func (r *Router) Invoke(ctx context.Context, desc Descriptor, args map[string]any) (*mcp.CallResult, error) {
	b, err := r.lookup(desc.Service)
	if err != nil {
		return nil, err
	}
	args = mcp.CloneArgs(args)
	if b.Installation != nil && desc.LocalName != b.Installation.LookupTool {
		if err := r.injectInstallation(ctx, b, args); err != nil {
			return nil, err
		}
	}
	return r.invoke(ctx, b, desc.RemoteName, args)
}

// CatalogEntry 是联邦目录中的一项。
type CatalogEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Catalog 汇总所有服务的工具目录。单个服务不可达时记录日志并跳过。
func (r *Router) Catalog(ctx context.Context) ([]CatalogEntry, error) {
	var entries []CatalogEntry
	var failures []error
	for _, name := range r.Services() {
		b := r.bindings[name]
		tools, err := r.listTools(ctx, b)
		if err != nil {
			r.logger.Warn("获取工具目录失败", slog.String("service", name), slog.Any("error", err))
			failures = append(failures, err)
			continue
		}
		for _, info := range tools {
			desc := Describe(name, info)
			entries = append(entries, CatalogEntry{
				Name:        desc.FullName(),
				Description: desc.Description,
				InputSchema: desc.InputSchema,
			})
		}
	}
	if len(entries) == 0 && len(failures) > 0 {
		return nil, stdErrors.Join(failures...)
	}
	return entries, nil
}

func (r *Router) lookup(service string) (*binding, error) {
	b, ok := r.bindings[strings.TrimSpace(service)]
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnknownService, "未知服务: "+service,
			xerrors.WithMetadata("service", service))
	}
	return b, nil
}

func (r *Router) listTools(ctx context.Context, b *binding) ([]mcp.ToolInfo, error) {
	callCtx, cancel := r.withTimeout(ctx, b)
	defer cancel()
	tools, err := b.backend.ListTools(callCtx)
	if err != nil {
		return nil, upstreamError(err, b.Service, "获取工具目录失败")
	}
	return tools, nil
}

func (r *Router) invoke(ctx context.Context, b *binding, remoteName string, args map[string]any) (*mcp.CallResult, error) {
	callCtx, cancel := r.withTimeout(ctx, b)
	defer cancel()
	start := time.Now()
	result, err := b.backend.CallTool(callCtx, remoteName, args)
	r.logger.Debug("工具调用完成",
		slog.String("service", b.Service),
		slog.String("tool", remoteName),
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("failed", err != nil || (result != nil && result.IsError)),
	)
	if err != nil {
		return nil, upstreamError(err, b.Service, "调用工具失败")
	}
	if result == nil {
		result = &mcp.CallResult{}
	}
	return result, nil
}

func (r *Router) injectInstallation(ctx context.Context, b *binding, args map[string]any) error {
	lookup := b.Installation
	injectArg := lookup.InjectArg
	if injectArg == "" {
		injectArg = "installationId"
	}
	if _, ok := args[injectArg]; ok {
		return nil
	}
	ownerArg := lookup.OwnerArg
	if ownerArg == "" {
		ownerArg = "owner"
	}
	owner, _ := args[ownerArg].(string)
	if strings.TrimSpace(owner) == "" {
		return nil
	}

	if id, ok, err := r.installs.Get(ctx, owner); err != nil {
		r.logger.Warn("读取安装 ID 缓存失败", slog.String("owner", owner), slog.Any("error", err))
	} else if ok {
		args[injectArg] = id
		return nil
	}

	tools, err := r.listTools(ctx, b)
	if err != nil {
		return err
	}
	desc, ok := Match(b.Service, lookup.LookupTool, tools)
	if !ok {
		return xerrors.New(xerrors.CodeToolNotFound, "安装 ID 查询工具不存在",
			xerrors.WithMetadata("service", b.Service),
			xerrors.WithMetadata("tool", lookup.LookupTool))
	}
	result, err := r.invoke(ctx, b, desc.RemoteName, map[string]any{"owner": owner})
	if err != nil {
		return err
	}
	if result.IsError {
		return xerrors.New(xerrors.CodeToolExecution, "查询安装 ID 失败: "+result.TextContent(),
			xerrors.WithMetadata("owner", owner))
	}
	var payload struct {
		InstallationID any `json:"installationId"`
	}
	if err := result.DecodeFirstJSON(&payload); err != nil || payload.InstallationID == nil {
		return xerrors.New(xerrors.CodeToolExecution, "安装 ID 查询结果缺少 installationId",
			xerrors.WithMetadata("owner", owner))
	}
	id := formatID(payload.InstallationID)
	if err := r.installs.Put(ctx, owner, id); err != nil {
		r.logger.Warn("写入安装 ID 缓存失败", slog.String("owner", owner), slog.Any("error", err))
	}
	args[injectArg] = id
	return nil
}

func formatID(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func (r *Router) withTimeout(ctx context.Context, b *binding) (context.Context, context.CancelFunc) {
	if b.Timeout > 0 {
		return context.WithTimeout(ctx, b.Timeout)
	}
	return context.WithCancel(ctx)
}

// upstreamError 区分超时与一般的上游不可用；已带错误码的错误原样返回。
func upstreamError(err error, service, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message, xerrors.WithMetadata("service", service))
	}
	if stdErrors.Is(err, context.Canceled) {
		return err
	}
	return xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, message, xerrors.WithMetadata("service", service))
}

var _ mcp.Caller = (*Router)(nil)
