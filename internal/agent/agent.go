package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenMCP-Gate/internal/consent"
	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/internal/executor"
	"OpenMCP-Gate/internal/llm"
	"OpenMCP-Gate/internal/mcp"
	"OpenMCP-Gate/internal/router"
	"OpenMCP-Gate/pkg/logger"
)

const (
	defaultMaxTurns = 8
	maxTurnsLimit   = 32

	// ConsentHint 是需要授权时返回给用户的提示。
	ConsentHint = "resend the instruction with consent=yes to apply the changes, consent=dry to simulate them, or consent=no to decline"

	systemPrompt = "You operate cloud and collaboration tools on behalf of the user. " +
		"Call tools to fulfil the instruction. Calls that change resources may be refused with " +
		"consent_required; when that happens stop and summarise what you intended to do."
)

// 工具调用结果分类。
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeRefused   = "refused"
	OutcomeSimulated = "simulated"
)

// ChatRequest 是授权入口的输入。
type ChatRequest struct {
	Instruction string            `json:"instruction"`
	Consent     string            `json:"consent,omitempty"`
	MaxTurns    int               `json:"maxTurns,omitempty"`
	Profile     string            `json:"profile,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
}

// Attempt 记录了一次工具调用尝试。
type Attempt struct {
	Turn    int            `json:"turn"`
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args,omitempty"`
	Outcome string         `json:"outcome"`
	Code    xerrors.Code   `json:"code,omitempty"`
	Detail  string         `json:"detail,omitempty"`
}

// ChatResult 要么要求用户授权，要么给出最终答复与调用记录。
type ChatResult struct {
	ConversationID string        `json:"conversationId"`
	NeedConsent    bool          `json:"needConsent"`
	Summary        string        `json:"summary,omitempty"`
	Hint           string        `json:"hint,omitempty"`
	Answer         string        `json:"answer,omitempty"`
	Consent        consent.State `json:"consent"`
	Turns          int           `json:"turns"`
	Transcript     []Attempt     `json:"transcript"`
}

// Cataloger 提供暴露给模型的工具目录，router.Router 实现了该接口。
type Cataloger interface {
	Catalog(ctx context.Context) ([]router.CatalogEntry, error)
}

// Agent 驱动大模型完成多轮工具调用，所有调用都经过会话级授权门。
type Agent struct {
	llmClient  llm.Client
	catalog    Cataloger
	next       mcp.Caller
	policy     consent.Policy
	maxTurns   int
	llmTimeout time.Duration
	logger     *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithConsentPolicy 设置破坏性命名空间与安全工具列表。
func WithConsentPolicy(policy consent.Policy) Option {
	return func(a *Agent) {
		a.policy = policy
	}
}

// WithMaxTurns 设置默认的最大轮数。
func WithMaxTurns(turns int) Option {
	return func(a *Agent) {
		if turns > 0 {
			a.maxTurns = turns
		}
	}
}

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// New 创建一个 Agent。next 是授权通过后的调用方，通常是执行器，
// 这样调用依次经过 Router、治理评估与后端。
func New(llmClient llm.Client, catalog Cataloger, next mcp.Caller, opts ...Option) *Agent {
	ag := &Agent{
		llmClient: llmClient,
		catalog:   catalog,
		next:      next,
		policy:    consent.DefaultPolicy(),
		maxTurns:  defaultMaxTurns,
		logger:    logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag
}

// Chat 执行一次会话。每次调用都是一个新会话，拥有独立的授权状态。
func (a *Agent) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if a.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "instruction 不能为空")
	}
	signal, decided, err := consent.ParseSignal(req.Consent)
	if err != nil {
		return nil, err
	}

	gate := consent.NewGate(a.policy, a.next)
	if decided {
		if err := gate.Apply(signal); err != nil {
			return nil, err
		}
	}

	tools, err := a.tools(ctx)
	if err != nil {
		return nil, err
	}

	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = a.maxTurns
	}
	if maxTurns > maxTurnsLimit {
		maxTurns = maxTurnsLimit
	}

	result := &ChatResult{
		ConversationID: uuid.NewString(),
		Transcript:     []Attempt{},
	}
	callCtx := executor.WithOptions(ctx, executor.Options{Profile: req.Profile, Context: req.Context})
	log := a.logger.With(slog.String("conversation", result.ConversationID))

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: instruction},
	}

	for turn := 1; turn <= maxTurns; turn++ {
		result.Turns = turn
		resp, err := a.generate(ctx, llm.Request{Messages: messages, Tools: tools})
		if err != nil {
			return nil, err
		}
		reply := resp.Message
		reply.Role = llm.RoleAssistant
		messages = append(messages, reply)

		if len(reply.ToolCalls) == 0 {
			result.Answer = reply.Content
			result.Consent = gate.State()
			return result, nil
		}

		prompt := false
		for _, call := range reply.ToolCalls {
			attempt, content := a.invoke(callCtx, gate, turn, call)
			result.Transcript = append(result.Transcript, attempt)
			if attempt.Outcome == OutcomeRefused && attempt.Detail == consent.ReasonConsentRequired {
				prompt = true
			}
			messages = append(messages, llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: content})
		}

		if prompt && gate.Prompted() {
			result.NeedConsent = true
			result.Summary = consentSummary(gate.Blocked(), reply.Content)
			result.Hint = ConsentHint
			result.Consent = gate.State()
			log.Info("会话等待用户授权", slog.Int("blocked", len(gate.Blocked())))
			return result, nil
		}
	}

	result.Answer = fmt.Sprintf("stopped after %d turns without a final answer", maxTurns)
	result.Consent = gate.State()
	log.Warn("会话达到最大轮数", slog.Int("turns", maxTurns))
	return result, nil
}

func (a *Agent) generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}
	resp, err := a.llmClient.Chat(llmCtx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		if xerrors.CodeOf(err) != xerrors.CodeUnknown {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "大模型推理失败")
	}
	if resp == nil {
		return nil, xerrors.New(xerrors.CodeUpstreamUnavailable, "大模型返回了空响应")
	}
	return resp, nil
}

func (a *Agent) invoke(ctx context.Context, gate *consent.Gate, turn int, call llm.ToolCall) (Attempt, string) {
	attempt := Attempt{Turn: turn, Tool: call.Name, Args: call.Arguments}
	res, err := gate.CallTool(ctx, call.Name, call.Arguments)
	if err != nil {
		attempt.Outcome = OutcomeError
		attempt.Code = xerrors.CodeOf(err)
		attempt.Detail = err.Error()
		return attempt, "error: " + err.Error()
	}
	content := render(res)
	if refusal, ok := consent.RefusalOf(res); ok {
		attempt.Outcome = OutcomeRefused
		attempt.Code = xerrors.CodeOf(refusal.Err())
		attempt.Detail = refusal.Reason
		return attempt, content
	}
	var sim consent.Simulated
	if res.DecodeFirstJSON(&sim) == nil && sim.Simulated {
		attempt.Outcome = OutcomeSimulated
		return attempt, content
	}
	if res.IsError {
		attempt.Outcome = OutcomeError
		attempt.Detail = strings.TrimSpace(res.TextContent())
		return attempt, content
	}
	attempt.Outcome = OutcomeOK
	return attempt, content
}

func (a *Agent) tools(ctx context.Context) ([]llm.ToolSpec, error) {
	if a.catalog == nil {
		return nil, nil
	}
	entries, err := a.catalog.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	specs := make([]llm.ToolSpec, 0, len(entries))
	for _, entry := range entries {
		specs = append(specs, llm.ToolSpec{
			Name:        entry.Name,
			Description: entry.Description,
			Parameters:  entry.InputSchema,
		})
	}
	return specs, nil
}

func render(res *mcp.CallResult) string {
	if res == nil {
		return ""
	}
	parts := make([]string, 0, len(res.Content))
	for _, block := range res.Content {
		switch block.Type {
		case mcp.ContentJSON:
			raw, err := json.Marshal(block.JSON)
			if err == nil {
				parts = append(parts, string(raw))
			}
		default:
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func consentSummary(blocked []string, intent string) string {
	seen := make(map[string]struct{}, len(blocked))
	unique := make([]string, 0, len(blocked))
	for _, tool := range blocked {
		if _, ok := seen[tool]; ok {
			continue
		}
		seen[tool] = struct{}{}
		unique = append(unique, tool)
	}
	sort.Strings(unique)
	summary := fmt.Sprintf("%d change(s) need your consent: %s", len(unique), strings.Join(unique, ", "))
	if intent = strings.TrimSpace(intent); intent != "" {
		summary += "\n" + intent
	}
	return summary
}
