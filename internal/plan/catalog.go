package plan

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	xerrors "OpenMCP-Gate/internal/errors"
)

// Catalog 是按模板 ID 索引的本地模板目录。
type Catalog struct {
	mu        sync.RWMutex
	dir       string
	templates map[string]*TemplateDef
}

// NewCatalog 加载目录下全部 .yaml/.yml/.json 模板；dir 为空时返回空目录。
func NewCatalog(dir string) (*Catalog, error) {
	c := &Catalog{dir: dir, templates: map[string]*TemplateDef{}}
	if strings.TrimSpace(dir) == "" {
		return c, nil
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload 重新扫描模板目录。
func (c *Catalog) Reload() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNotFound, err, "读取模板目录失败", xerrors.WithMetadata("path", c.dir))
	}
	loaded := make(map[string]*TemplateDef, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		tmpl, err := LoadTemplate(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			return err
		}
		if tmpl.ID == "" {
			tmpl.ID = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		if _, dup := loaded[tmpl.ID]; dup {
			return xerrors.New(xerrors.CodeConflict, "模板 ID 重复: "+tmpl.ID, xerrors.WithMetadata("path", entry.Name()))
		}
		loaded[tmpl.ID] = tmpl
	}
	c.mu.Lock()
	c.templates = loaded
	c.mu.Unlock()
	return nil
}

// Add 注册一个内存中的模板。
func (c *Catalog) Add(t *TemplateDef) error {
	if t == nil || strings.TrimSpace(t.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "模板缺少 id")
	}
	if err := t.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[t.ID] = t
	return nil
}

// Get 按 ID 返回模板。
func (c *Catalog) Get(id string) (*TemplateDef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "模板不存在: "+id, xerrors.WithMetadata("template", id))
	}
	return t, nil
}

// List 返回按 ID 排序的模板。
func (c *Catalog) List() []*TemplateDef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*TemplateDef, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
