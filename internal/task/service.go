package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/internal/executor"
	"OpenMCP-Gate/internal/observability/metrics"
	"OpenMCP-Gate/pkg/logger"
)

// SubmitRequest 是异步运行的提交参数。ID 为空时自动生成，
// 相同 ID 的重复提交返回已有运行。
type SubmitRequest struct {
	ID string `json:"id,omitempty"`
	executor.Request
}

// Service 负责运行的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造运行服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一个新的运行并推送到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if len(req.Steps) == 0 {
		return nil, xerrors.New(CodeTaskValidation, "steps 不能为空")
	}
	for i, step := range req.Steps {
		if strings.TrimSpace(step.Tool) == "" {
			return nil, xerrors.New(CodeTaskValidation, fmt.Sprintf("第 %d 个步骤缺少 tool", i+1))
		}
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")
	}

	runID := strings.TrimSpace(req.ID)
	if runID != "" {
		task, err := s.store.Get(ctx, runID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		runID = uuid.NewString()
	}

	request := req.Request
	request.Apply = true
	summary := strings.TrimSpace(request.Summary)
	if summary == "" {
		summary = fmt.Sprintf("%d step(s)", len(request.Steps))
	}

	task := &Task{
		ID:         runID,
		Summary:    summary,
		Profile:    request.Profile,
		Request:    request,
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, runID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, runID); err != nil {
		logger.L().Error("运行入队失败", slog.Any("error", err), slog.String("run_id", runID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布运行到队列失败")
		_ = s.store.MarkFailed(ctx, runID, CodeTaskPublish, wrapped.Error(), nil, true)
		return nil, wrapped
	}
	metrics.ObserveTaskEvent("submitted")
	logger.Audit().Info("运行入队成功",
		slog.String("run_id", runID),
		slog.String("summary", summary),
		slog.Int("steps", len(request.Steps)),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// Get 返回指定运行的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的运行列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的运行统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询运行状态直到成功或终态失败。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status == StatusSucceeded || task.Status == StatusFailed {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
