// Package installcache keeps the per-owner installation identifiers that some
// source-control backends require on every call. Entries are only ever added;
// a stale id is tolerated, a lost one is not.
package installcache

import (
	"context"
	"strings"
	"sync"
)

// Cache 以 owner 为键缓存安装 ID。
type Cache interface {
	Get(ctx context.Context, owner string) (string, bool, error)
	Put(ctx context.Context, owner, installationID string) error
	Close() error
}

// Memory 是基于互斥锁的进程内实现。
type Memory struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewMemory 创建内存缓存。
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]string)}
}

// Get 返回 owner 对应的安装 ID。
func (m *Memory) Get(_ context.Context, owner string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.entries[normalizeOwner(owner)]
	return id, ok, nil
}

// Put 记录安装 ID，已存在的条目不会被删除。
func (m *Memory) Put(_ context.Context, owner, installationID string) error {
	if strings.TrimSpace(installationID) == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[normalizeOwner(owner)] = installationID
	return nil
}

// Len 返回当前条目数。
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close 对内存缓存无需操作。
func (m *Memory) Close() error { return nil }

func normalizeOwner(owner string) string {
	return strings.ToLower(strings.TrimSpace(owner))
}

var _ Cache = (*Memory)(nil)
