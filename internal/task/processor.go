package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/internal/executor"
	"OpenMCP-Gate/internal/observability/alerting"
	"OpenMCP-Gate/internal/observability/metrics"
	"OpenMCP-Gate/pkg/logger"
)

// Runner 定义了处理器所需的执行能力，executor.Executor 实现了该接口。
type Runner interface {
	Run(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// Processor 负责从队列消费运行并交给执行器。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	if p.logger == nil {
		p.logger = logger.Named("task")
	}
	return p
}

// Start 启动处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, runID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, runID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) {
			p.logger.Debug("跳过运行", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取运行失败", slog.Any("error", err), slog.String("run_id", runID))
		p.emitAlert(ctx, &Task{ID: runID}, CodeTaskProcessing, err, "claim")
		return err
	}
	metrics.ObserveTaskEvent("claimed")

	req := task.Request
	req.Apply = true
	res, execErr := p.runner.Run(ctx, req)
	if execErr == nil && res == nil {
		execErr = xerrors.New(CodeTaskProcessing, "执行器返回了空结果")
	}
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, execErr, nil)
	}

	record := resultOf(res)
	if res.Status == executor.StatusStopped {
		cause := xerrors.New(stopCode(res), res.Reason,
			xerrors.WithMetadata("failed_step", failedStep(res.FailedStep)))
		return p.handleExecutionFailure(ctx, task, cause, &record)
	}

	if err := p.store.MarkSucceeded(ctx, task.ID, record); err != nil {
		p.logger.Error("标记运行成功状态失败", slog.Any("error", err), slog.String("run_id", task.ID))
		return err
	}
	metrics.ObserveTaskEvent("succeeded")
	logger.Audit().Info("异步运行完成",
		slog.String("run_id", task.ID),
		slog.String("summary", task.Summary),
		slog.Int("steps", len(record.Progress)),
		slog.String("reason", record.Reason),
	)
	return nil
}

// handleExecutionFailure 记录失败。只有执行器返回的可重试错误会重新入队；
// 中止的运行可能已经产生副作用，始终是终态。
func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error, record *ExecutionResult) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := record == nil && xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), record, terminal); storeErr != nil {
		p.logger.Error("标记运行失败状态出错", slog.Any("error", storeErr), slog.String("run_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("异步运行失败",
		slog.String("run_id", task.ID),
		slog.String("summary", task.Summary),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	}
	metrics.ObserveTaskEvent("failed_" + stage)
	p.emitAlert(ctx, task, code, execErr, stage)

	if !terminal {
		if p.producer == nil {
			return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行生产者")
		}
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("运行 %s 重投失败", task.ID))
		}
		p.logger.Debug("运行已重新排队", slog.String("run_id", task.ID), slog.Int("attempts", task.Attempts))
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	event := alerting.FromError(cause, task.ID)
	event.Code = code
	event.Severity = xerrors.AttributesOf(code).Severity
	event.Attempts = task.Attempts
	event.MaxRetries = task.MaxRetries
	event.OccurredAt = time.Now().UTC()
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["stage"] = stage
	if cause != nil {
		event.Message = cause.Error()
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("run_id", task.ID),
			slog.String("stage", stage),
		)
	}
}

// stopCode 取中止步骤的错误码，治理拒绝记为 POLICY_DENIED；没有失败步骤（例如被取消）时为 RUN_STOPPED。
func stopCode(res *executor.Result) xerrors.Code {
	if res == nil || res.FailedStep == nil {
		return CodeTaskStopped
	}
	for i := len(res.Progress) - 1; i >= 0; i-- {
		item := res.Progress[i]
		if item.StepIndex != *res.FailedStep {
			continue
		}
		if item.Status == executor.StepDenied {
			return xerrors.CodePolicyDenied
		}
		if item.Code != "" && item.Code != xerrors.CodeUnknown {
			return item.Code
		}
		break
	}
	return CodeTaskStopped
}

func failedStep(step *int) string {
	if step == nil {
		return ""
	}
	return strconv.Itoa(*step)
}
