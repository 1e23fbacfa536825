package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/internal/governance"
	"OpenMCP-Gate/internal/mcp"
	"OpenMCP-Gate/internal/observability/alerting"
	"OpenMCP-Gate/internal/observability/metrics"
	"OpenMCP-Gate/internal/plan"
	"OpenMCP-Gate/internal/router"
	"OpenMCP-Gate/pkg/logger"
)

const (
	defaultWaitInterval = 5 * time.Second
	defaultWaitTimeout  = 2 * time.Minute
)

// Resolver 解析并调用工具，由 router.Router 实现。
type Resolver interface {
	ResolveName(ctx context.Context, fullName string) (router.Descriptor, error)
	Invoke(ctx context.Context, desc router.Descriptor, args map[string]any) (*mcp.CallResult, error)
}

// Executor 按顺序执行计划步骤。同一个 Executor 可被并发的多个运行共享，运行状态只存在于单次调用中。
type Executor struct {
	resolver       Resolver
	gate           governance.Gate
	predicates     []Predicate
	alerts         alerting.Dispatcher
	logger         *slog.Logger
	waitInterval   time.Duration
	waitTimeout    time.Duration
	validateSchema bool
}

// Option 定义 Executor 的可选配置。
type Option func(*Executor)

// WithGate 指定治理 Gate，未设置时所有调用视为 allow。
func WithGate(g governance.Gate) Option {
	return func(e *Executor) {
		e.gate = g
	}
}

// WithPredicates 覆盖默认的成功判定规则。
func WithPredicates(p []Predicate) Option {
	return func(e *Executor) {
		if len(p) > 0 {
			e.predicates = p
		}
	}
}

// WithAlerts 配置告警分发器，运行中止时发送事件。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(e *Executor) {
		e.alerts = d
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithWaiter 配置就绪轮询的默认间隔与超时。
func WithWaiter(interval, timeout time.Duration) Option {
	return func(e *Executor) {
		if interval > 0 {
			e.waitInterval = interval
		}
		if timeout > 0 {
			e.waitTimeout = timeout
		}
	}
}

// WithSchemaValidation 控制调用前是否按 inputSchema 校验参数。
func WithSchemaValidation(enabled bool) Option {
	return func(e *Executor) {
		e.validateSchema = enabled
	}
}

// New 创建执行器。
func New(resolver Resolver, opts ...Option) *Executor {
	e := &Executor{
		resolver:       resolver,
		predicates:     DefaultPredicates,
		waitInterval:   defaultWaitInterval,
		waitTimeout:    defaultWaitTimeout,
		validateSchema: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = logger.Named("executor")
	}
	return e
}

// run 保存一次运行的可变状态，不在运行之间共享。
type run struct {
	plan   *plan.Plan
	opts   Options
	result *Result
}

func (r *run) record(p Progress) {
	r.result.Progress = append(r.result.Progress, p)
}

func (r *run) text(format string, args ...any) {
	r.result.Transcript = append(r.result.Transcript, mcp.Text(format, args...))
}

func (r *run) stop(index int, reason string) {
	r.result.Status = StatusStopped
	r.result.Reason = reason
	if index >= 0 {
		i := index
		r.result.FailedStep = &i
	}
}

// Execute 执行计划。dryRun 或 review 模式只返回预览，不产生任何副作用。
func (e *Executor) Execute(ctx context.Context, p *plan.Plan, mode Mode, opts Options) (*Result, error) {
	if p == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "计划不能为空")
	}
	if mode != ModeConfirmed {
		return e.preview(p), nil
	}
	if e.resolver == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行器缺少工具解析器")
	}

	r := &run{plan: p, opts: opts, result: &Result{
		Transcript: []mcp.ContentBlock{},
		Progress:   []Progress{},
	}}
	r.text("Executing %s", p.Summary)

	// 取消只在步骤之间检查：步骤内部的调用、校验与轮询使用脱离取消的上下文，各自的超时仍然生效。
	stepCtx := context.WithoutCancel(ctx)
	for i, step := range p.Steps {
		if err := ctx.Err(); err != nil {
			r.text("Run cancelled before step %d (%s)", i+1, step.Tool)
			r.stop(-1, "cancelled: "+err.Error())
			break
		}
		if !e.runStep(stepCtx, r, i, step) {
			break
		}
	}
	if r.result.Status == "" {
		r.result.Status = StatusDone
		failed := 0
		for _, item := range r.result.Progress {
			if item.Status != StepOK {
				failed++
			}
		}
		if failed > 0 {
			r.result.Reason = strconv.Itoa(failed) + " step(s) failed; continued on error"
		}
	}
	metrics.ObserveRun(string(r.result.Status))
	logger.Audit().Info("计划运行结束",
		slog.String("summary", p.Summary),
		slog.String("status", string(r.result.Status)),
		slog.Int("steps", len(p.Steps)),
		slog.Int("progress", len(r.result.Progress)),
		slog.String("reason", r.result.Reason),
	)
	return r.result, nil
}

// runStep 执行单个步骤并返回是否继续。
func (e *Executor) runStep(ctx context.Context, r *run, index int, step plan.Step) bool {
	start := time.Now()
	progress := Progress{StepIndex: index, StepID: step.ID, Tool: step.Tool}
	label := fmt.Sprintf("[%d/%d] %s", index+1, len(r.plan.Steps), step.Title)

	finish := func(p Progress) {
		r.record(p)
		metrics.ObserveStep(p.Tool, string(p.Status), time.Since(start))
		logger.Audit().Info("计划步骤完成",
			slog.Int("step", p.StepIndex),
			slog.String("tool", p.Tool),
			slog.String("status", string(p.Status)),
			slog.String("reason", p.Reason),
			slog.Bool("propagation_timeout", p.PropagationTimeout),
		)
	}
	fail := func(err error, reason string) bool {
		progress.Status = StepError
		progress.Code = xerrors.CodeOf(err)
		if progress.Code == xerrors.CodeUnknown {
			progress.Code = xerrors.CodeToolExecution
		}
		progress.Reason = reason
		finish(progress)
		r.text("%s failed: %s", label, reason)
		if r.plan.ContinueOnError {
			return true
		}
		r.stop(index, reason)
		r.text("Stopped at step %d (%s). Fix the cause and %s to run again from step 1.", index+1, step.Tool, ReplayInstruction)
		e.alert(ctx, err, step.Tool, index)
		return false
	}

	desc, err := e.resolver.ResolveName(ctx, step.Tool)
	if err != nil {
		return fail(err, err.Error())
	}
	progress.Tool = desc.FullName()

	if e.gate != nil {
		decision, err := e.gate.Check(ctx, governance.Request{
			Tool:    progress.Tool,
			Args:    step.Args,
			Context: r.opts.Context,
			Profile: r.opts.Profile,
		})
		if err != nil {
			return fail(err, "governance evaluation failed: "+err.Error())
		}
		metrics.ObserveDecision(progress.Tool, string(decision.Decision))
		switch decision.Decision {
		case governance.VerdictDeny:
			d := decision
			progress.Status = StepDenied
			progress.Code = xerrors.CodePolicyDenied
			progress.Decision = &d
			progress.Reason = "denied by governance: " + strings.Join(decision.Reasons, "; ")
			finish(progress)
			r.text("%s denied by governance", label)
			r.result.Transcript = append(r.result.Transcript, mcp.JSON(decision))
			r.stop(index, progress.Reason)
			e.alert(ctx, xerrors.New(xerrors.CodePolicyDenied, progress.Reason,
				xerrors.WithMetadata("policyIds", strings.Join(decision.PolicyIDs, ","))), progress.Tool, index)
			return false
		case governance.VerdictWarn:
			d := decision
			progress.Decision = &d
			progress.Warnings = append(progress.Warnings, decision.Reasons...)
			r.text("%s governance warning: %s", label, strings.Join(decision.Reasons, "; "))
		}
	}

	if e.validateSchema {
		if err := validateArgs(desc.InputSchema, step.Args); err != nil {
			return fail(xerrors.Wrap(xerrors.CodeToolExecution, err, "参数校验失败"), err.Error())
		}
	}

	result, err := e.resolver.Invoke(ctx, desc, step.Args)
	if err != nil {
		return fail(err, err.Error())
	}
	r.result.Transcript = append(r.result.Transcript, result.Content...)
	if ok, rule := Classify(result, e.predicates); !ok {
		reason := "tool reported failure (" + rule + ")"
		if text := result.TextContent(); result.IsError && text != "" {
			reason = text
		}
		return fail(xerrors.New(xerrors.CodeToolExecution, reason), reason)
	}

	for vi, v := range step.Verify {
		if err := e.verify(ctx, v); err != nil {
			return fail(err, fmt.Sprintf("verification %d (%s) failed: %v", vi+1, v.Tool, err))
		}
	}

	if step.Wait != nil {
		attempts, err := e.waitReady(ctx, step.Wait)
		if err != nil {
			progress.PropagationTimeout = true
			progress.Warnings = append(progress.Warnings, err.Error())
			metrics.ObservePropagationTimeout(progress.Tool)
			r.text("%s propagation timeout after %d attempt(s): %v", label, attempts, err)
		} else {
			r.text("%s ready after %d attempt(s)", label, attempts)
		}
	}

	progress.Status = StepOK
	finish(progress)
	r.text("%s ok", label)
	return true
}

// verify 回读资源并断言 expect 中的字段。
func (e *Executor) verify(ctx context.Context, v plan.Verification) error {
	result, err := e.call(ctx, v.Tool, v.Args)
	if err != nil {
		return err
	}
	if result.IsError {
		return xerrors.New(xerrors.CodeToolExecution, result.TextContent())
	}
	if len(v.Expect) == 0 {
		return nil
	}
	var payload map[string]any
	if err := result.DecodeFirstJSON(&payload); err != nil {
		return xerrors.Wrap(xerrors.CodeToolExecution, err, "校验结果不是 JSON 对象")
	}
	for field, want := range v.Expect {
		got := lookupPath(payload, field)
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return xerrors.New(xerrors.CodeToolExecution, fmt.Sprintf("%s = %v, want %v", field, got, want))
		}
	}
	return nil
}

// waitReady 以固定间隔轮询直到资源可读，第一次成功即返回；超时返回 PROPAGATION_TIMEOUT。
func (e *Executor) waitReady(ctx context.Context, spec *plan.WaitSpec) (int, error) {
	interval := parseDuration(spec.Interval, e.waitInterval)
	timeout := parseDuration(spec.Timeout, e.waitTimeout)
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempts := 0
	var lastErr error
	for {
		attempts++
		result, err := e.call(waitCtx, spec.Tool, spec.Args)
		if err == nil {
			if ok, _ := Classify(result, e.predicates); ok {
				return attempts, nil
			}
		} else {
			lastErr = err
		}
		select {
		case <-waitCtx.Done():
			opts := []xerrors.Option{
				xerrors.WithMetadata("tool", spec.Tool),
				xerrors.WithMetadata("timeout", timeout.String()),
			}
			if lastErr != nil {
				return attempts, xerrors.Wrap(xerrors.CodePropagationTimeout, lastErr, "propagation timeout", opts...)
			}
			return attempts, xerrors.New(xerrors.CodePropagationTimeout, "propagation timeout", opts...)
		case <-ticker.C:
		}
	}
}

func (e *Executor) call(ctx context.Context, tool string, args map[string]any) (*mcp.CallResult, error) {
	desc, err := e.resolver.ResolveName(ctx, tool)
	if err != nil {
		return nil, err
	}
	return e.resolver.Invoke(ctx, desc, args)
}

func (e *Executor) alert(ctx context.Context, err error, tool string, index int) {
	if e.alerts == nil || err == nil {
		return
	}
	event := alerting.FromError(err, "")
	event.Tool = tool
	event.StepIndex = index
	if notifyErr := e.alerts.Notify(ctx, event); notifyErr != nil {
		e.logger.Warn("发送告警失败", slog.Any("error", notifyErr))
	}
}

// preview 生成待确认结果：计划、可读预览与重放提示。
func (e *Executor) preview(p *plan.Plan) *Result {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", p.Summary)
	for i, step := range p.Steps {
		args, _ := json.Marshal(step.Args)
		fmt.Fprintf(&b, "%d. %s (%s) %s\n", i+1, step.Title, step.Tool, args)
	}
	if p.ContinueOnError {
		b.WriteString("continueOnError: later steps run even if one fails\n")
	}
	preview := strings.TrimRight(b.String(), "\n")
	return &Result{
		Status:      StatusPending,
		Plan:        p,
		Preview:     preview,
		Instruction: ReplayInstruction,
		Transcript: []mcp.ContentBlock{
			mcp.Text("%s", preview),
			mcp.Text("No changes were made. To execute, %s.", ReplayInstruction),
		},
		Progress: []Progress{},
	}
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
