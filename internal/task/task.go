package task

import (
	stdErrors "errors"

	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/internal/executor"
	"OpenMCP-Gate/internal/mcp"
)

// Status 表示异步运行在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ExecutionResult 保存一次计划运行的结果。
type ExecutionResult struct {
	RunStatus  executor.Status     `json:"run_status"`
	Progress   []executor.Progress `json:"progress"`
	FailedStep *int                `json:"failed_step,omitempty"`
	Reason     string              `json:"reason,omitempty"`
}

// Task 描述了排队执行的计划运行。Request 始终以 confirmed 模式执行。
type Task struct {
	ID         string           `json:"id"`
	Summary    string           `json:"summary"`
	Profile    string           `json:"profile,omitempty"`
	Request    executor.Request `json:"request"`
	Status     Status           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的运行不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "run not found")
	// ErrTaskConflict 表示运行在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "run conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示运行已经结束。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "run already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示运行的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "run retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound   xerrors.Code = "RUN_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "RUN_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "RUN_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "RUN_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "RUN_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "RUN_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "RUN_PROCESSING_FAILED"
	CodeTaskStopped    xerrors.Code = "RUN_STOPPED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "run not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "run conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:   "run already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:   "run retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "run validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish run",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "run execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskStopped, xerrors.Attributes{
		Message:   "plan run stopped",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// IsTaskError 判断错误是否为统一任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrTaskNotFound) {
		return target == CodeTaskNotFound
	}
	if stdErrors.Is(err, ErrTaskConflict) {
		return target == CodeTaskConflict
	}
	if stdErrors.Is(err, ErrTaskCompleted) {
		return target == CodeTaskCompleted
	}
	if stdErrors.Is(err, ErrTaskExhausted) {
		return target == CodeTaskExhausted
	}
	return false
}

// IsValidStatus 检查给定的运行状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Result != nil {
		result := *task.Result
		result.Progress = append([]executor.Progress(nil), task.Result.Progress...)
		if task.Result.FailedStep != nil {
			step := *task.Result.FailedStep
			result.FailedStep = &step
		}
		clone.Result = &result
	}
	clone.Request.Steps = make([]executor.StepInput, len(task.Request.Steps))
	for i, step := range task.Request.Steps {
		step.Args = mcp.CloneArgs(step.Args)
		clone.Request.Steps[i] = step
	}
	if task.Request.Context != nil {
		clone.Request.Context = make(map[string]string, len(task.Request.Context))
		for k, v := range task.Request.Context {
			clone.Request.Context[k] = v
		}
	}
	return &clone
}

func resultOf(res *executor.Result) ExecutionResult {
	if res == nil {
		return ExecutionResult{}
	}
	return ExecutionResult{
		RunStatus:  res.Status,
		Progress:   append([]executor.Progress(nil), res.Progress...),
		FailedStep: res.FailedStep,
		Reason:     res.Reason,
	}
}
