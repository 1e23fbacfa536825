package task

import (
	"context"
	"sync"

	xerrors "OpenMCP-Gate/internal/errors"
)

// MemoryQueue 使用 channel 实现进程内队列，适用于单实例部署与测试。
// Publish 持有读锁直到投递完成，Close 因此不会关闭正在写入的 channel。
type MemoryQueue struct {
	ch     chan string
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Len 返回队列中等待消费的运行数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Publish 将运行 ID 投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, runID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭", xerrors.WithMetadata("run_id", runID))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- runID:
		return nil
	}
}

// Consume 启动指定数量的工作协程，直到 ctx 结束。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case runID, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, runID)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
