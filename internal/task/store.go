package task

import (
	"context"

	xerrors "OpenMCP-Gate/internal/errors"
)

// Store 抽象了运行状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error
	// MarkFailed 记录失败。terminal 为 false 时运行回到 pending 等待重试。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, result *ExecutionResult, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
