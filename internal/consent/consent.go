package consent

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"sync"

	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/internal/mcp"
	"OpenMCP-Gate/internal/observability/metrics"
	"OpenMCP-Gate/internal/router"
	"OpenMCP-Gate/pkg/logger"
)

// State 是会话的授权状态。
type State string

const (
	StateNoConsent  State = "no_consent"
	StateDryRunOnly State = "dry_run_only"
	StateGranted    State = "granted"
	StateDenied     State = "denied"
)

// Signal 是用户给出的授权答复。
type Signal string

const (
	SignalYes Signal = "yes"
	SignalDry Signal = "dry"
	SignalNo  Signal = "no"
)

// ParseSignal 解析 consent 字段，空值表示尚未决定。
func ParseSignal(raw string) (Signal, bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", false, nil
	case "yes", "y", "true", "grant":
		return SignalYes, true, nil
	case "dry", "dry-run", "dryrun", "simulate":
		return SignalDry, true, nil
	case "no", "n", "false", "deny":
		return SignalNo, true, nil
	default:
		return "", false, xerrors.New(xerrors.CodeInvalidArgument, "consent 只能是 yes、dry 或 no: "+raw)
	}
}

// 拒绝原因。
const (
	ReasonConsentRequired = "consent_required"
	ReasonConsentDenied   = "consent_denied"
)

// Policy 定义哪些调用需要授权：命名空间属于 Destructive 且不在 Safe 列表中的工具。
// Safe 中的条目是工具全名，允许 path.Match 通配符，例如 azure.list_*。
type Policy struct {
	Destructive []string
	Safe        []string
}

// DefaultPolicy 是内置的授权策略。
func DefaultPolicy() Policy {
	return Policy{
		Destructive: []string{"azure", "github", "teams", "plans"},
		Safe: []string{
			"*.list_*", "*.get_*", "*.describe_*",
			"github.get_installation",
		},
	}
}

// IsDestructive 判断调用是否需要授权。
func (p Policy) IsDestructive(tool string) bool {
	ns := router.Namespace(tool)
	if ns == "" {
		return false
	}
	destructive := false
	for _, d := range p.Destructive {
		if strings.EqualFold(strings.TrimSpace(d), ns) {
			destructive = true
			break
		}
	}
	if !destructive {
		return false
	}
	for _, pattern := range p.Safe {
		if pattern == tool {
			return false
		}
		if matched, _ := path.Match(pattern, tool); matched {
			return false
		}
	}
	return true
}

// Refusal 是被授权门拦截时返回给代理的结构化拒绝，Code 固定为 CONSENT_REQUIRED。
type Refusal struct {
	Refused bool         `json:"refused"`
	Reason  string       `json:"reason"`
	Code    xerrors.Code `json:"code"`
	Tool    string       `json:"tool"`
	Message string       `json:"message"`
}

// Err 把拒绝转换为统一错误。
func (r Refusal) Err() error {
	return xerrors.New(xerrors.CodeConsentRequired, r.Message,
		xerrors.WithMetadata("tool", r.Tool),
		xerrors.WithMetadata("reason", r.Reason))
}

// Simulated 是 dry-run 状态下伪造的工具结果。
type Simulated struct {
	Simulated bool           `json:"simulated"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Message   string         `json:"message"`
}

// Gate 是单个会话的授权状态机，实现 mcp.Caller。不得在会话之间共享。
type Gate struct {
	mu       sync.Mutex
	policy   Policy
	next     mcp.Caller
	state    State
	prompted bool
	blocked  []string
	logger   *slog.Logger
}

// NewGate 创建处于 NoConsent 状态的授权门，next 为授权后的下游调用方。
func NewGate(policy Policy, next mcp.Caller) *Gate {
	return &Gate{
		policy: policy,
		next:   next,
		state:  StateNoConsent,
		logger: logger.Named("consent"),
	}
}

// Apply 是状态唯一的变更入口：只允许从 NoConsent 迁移一次。
func (g *Gate) Apply(signal Signal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var target State
	switch signal {
	case SignalYes:
		target = StateGranted
	case SignalDry:
		target = StateDryRunOnly
	case SignalNo:
		target = StateDenied
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的授权信号: "+string(signal))
	}
	if g.state == target {
		return nil
	}
	if g.state != StateNoConsent {
		return xerrors.New(xerrors.CodeConflict, "会话已给出授权答复",
			xerrors.WithMetadata("state", string(g.state)))
	}
	g.state = target
	logger.Audit().Info("会话授权状态变更", slog.String("state", string(target)))
	return nil
}

// State 返回当前状态。
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Prompted 报告是否已经向用户发出过授权提示。
func (g *Gate) Prompted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompted
}

// Blocked 返回被拦截的调用列表。
func (g *Gate) Blocked() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.blocked...)
}

// CallTool 按当前授权状态处理调用。
func (g *Gate) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error) {
	if !g.policy.IsDestructive(name) {
		return g.forward(ctx, name, args)
	}

	g.mu.Lock()
	state := g.state
	first := false
	if state == StateNoConsent {
		g.blocked = append(g.blocked, name)
		if !g.prompted {
			g.prompted = true
			first = true
		}
	}
	g.mu.Unlock()

	switch state {
	case StateGranted:
		return g.forward(ctx, name, args)
	case StateDryRunOnly:
		metrics.ObserveConsentBlock(string(state))
		g.logger.Info("dry-run 模拟调用", slog.String("tool", name))
		return mcp.JSONResult(Simulated{
			Simulated: true,
			Tool:      name,
			Args:      mcp.CloneArgs(args),
			Message:   "dry run: the call was not sent to the backend",
		}), nil
	case StateDenied:
		metrics.ObserveConsentBlock(string(state))
		return refusal(name, ReasonConsentDenied, "the user declined changes in this conversation"), nil
	default:
		metrics.ObserveConsentBlock(string(state))
		message := "this call changes resources and needs the user's consent (yes, dry or no)"
		if !first {
			message = "consent is still pending; the user has already been asked"
		}
		return refusal(name, ReasonConsentRequired, message), nil
	}
}

func (g *Gate) forward(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error) {
	if g.next == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "授权门缺少下游调用方")
	}
	return g.next.CallTool(ctx, name, args)
}

func refusal(tool, reason, message string) *mcp.CallResult {
	return &mcp.CallResult{
		Content: []mcp.ContentBlock{
			mcp.Text("%s: %s", reason, message),
			mcp.JSON(Refusal{Refused: true, Reason: reason, Code: xerrors.CodeConsentRequired, Tool: tool, Message: message}),
		},
		IsError: true,
	}
}

// RefusalOf 从调用结果中解析结构化拒绝。
func RefusalOf(result *mcp.CallResult) (Refusal, bool) {
	if result == nil || !result.IsError {
		return Refusal{}, false
	}
	var r Refusal
	if err := result.DecodeFirstJSON(&r); err != nil || !r.Refused {
		return Refusal{}, false
	}
	return r, true
}

var _ mcp.Caller = (*Gate)(nil)
