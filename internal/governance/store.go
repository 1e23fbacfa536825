package governance

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"OpenMCP-Gate/pkg/logger"
)

// Store 持有当前生效的策略快照。读取无锁，重载时整体替换。
type Store struct {
	path    string
	current atomic.Pointer[Policy]
	version atomic.Uint64
	mu      sync.Mutex
}

// NewStore 从文件加载策略；path 为空时使用内置默认策略。
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStoreFromDocument 直接使用已解析的文档构造存储，主要用于测试。
func NewStoreFromDocument(doc *Document) (*Store, error) {
	s := &Store{}
	if err := s.Replace(doc, "inline"); err != nil {
		return nil, err
	}
	return s, nil
}

// Current 返回当前策略快照。
func (s *Store) Current() *Policy {
	return s.current.Load()
}

// Reload 重新读取策略文件并原子替换。失败时保留旧快照。
func (s *Store) Reload() error {
	doc, source, err := LoadDocument(s.path)
	if err != nil {
		return err
	}
	return s.Replace(doc, source)
}

// Replace 编译文档并原子替换当前快照。
func (s *Store) Replace(doc *Document, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	policy, err := Compile(doc, source, s.version.Load()+1)
	if err != nil {
		return err
	}
	s.version.Store(policy.Version)
	s.current.Store(policy)
	logger.Audit().Info("治理策略已加载",
		slog.String("source", source),
		slog.String("label", policy.Label),
		slog.Uint64("version", policy.Version),
		slog.Int("rules", len(policy.exact)+len(policy.globs)),
	)
	return nil
}

// Evaluator 基于 Store 的当前快照执行评估，实现执行器使用的 Gate。
type Evaluator struct {
	store   *Store
	profile string
}

// NewEvaluator 创建评估器，profile 为 ATO 基线名称，可为空。
func NewEvaluator(store *Store, profile string) *Evaluator {
	return &Evaluator{store: store, profile: profile}
}

// Evaluate 使用当前策略评估调用；profile 为空时使用默认 profile。
func (e *Evaluator) Evaluate(tool string, args map[string]any, evalCtx map[string]string, profile string) Decision {
	if profile == "" {
		profile = e.profile
	}
	return Evaluate(e.store.Current(), tool, args, evalCtx, profile)
}

// Check 实现 Gate 接口。本地评估不会失败。
func (e *Evaluator) Check(_ context.Context, req Request) (Decision, error) {
	decision := e.Evaluate(req.Tool, req.Args, req.Context, req.Profile)
	return decision, nil
}

// Store 返回底层策略存储。
func (e *Evaluator) Store() *Store {
	return e.store
}
