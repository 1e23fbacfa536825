package plan

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "OpenMCP-Gate/internal/errors"
)

// InputSpec 描述模板的一个输入。
type InputSpec struct {
	Required    bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any      `yaml:"default,omitempty" json:"default,omitempty"`
	Enum        []string `yaml:"enum,omitempty" json:"enum,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
}

// TemplateDef 是声明式的编排模板。
type TemplateDef struct {
	ID              string               `yaml:"id" json:"id"`
	Name            string               `yaml:"name" json:"name"`
	Version         string               `yaml:"version" json:"version"`
	Description     string               `yaml:"description,omitempty" json:"description,omitempty"`
	Inputs          map[string]InputSpec `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Tasks           []TaskNode           `yaml:"tasks" json:"tasks"`
	ContinueOnError bool                 `yaml:"continue_on_error,omitempty" json:"continueOnError,omitempty"`
}

// NodeKind 区分任务树中的叶子与分组。
type NodeKind string

const (
	KindTool  NodeKind = "tool"
	KindGroup NodeKind = "group"
)

// TaskNode 是任务树的节点：tool 叶子携带工具名与参数，group 携带 when 守卫与子任务。
type TaskNode struct {
	Type   NodeKind       `yaml:"type,omitempty" json:"type,omitempty"`
	ID     string         `yaml:"id,omitempty" json:"id,omitempty"`
	Title  string         `yaml:"title,omitempty" json:"title,omitempty"`
	When   string         `yaml:"when,omitempty" json:"when,omitempty"`
	Tool   string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	Args   map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
	Verify []Verification `yaml:"verify,omitempty" json:"verify,omitempty"`
	Wait   *WaitSpec      `yaml:"wait,omitempty" json:"wait,omitempty"`
	Tasks  []TaskNode     `yaml:"tasks,omitempty" json:"tasks,omitempty"`
}

// Kind 返回节点类型；未显式声明时按是否带有子任务推断。
func (n TaskNode) Kind() NodeKind {
	switch n.Type {
	case KindTool, KindGroup:
		return n.Type
	}
	if n.Tool == "" && len(n.Tasks) > 0 {
		return KindGroup
	}
	return KindTool
}

// Verification 是步骤成功后的回读校验：调用工具并断言结果字段。
type Verification struct {
	Tool   string         `yaml:"tool" json:"tool"`
	Args   map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty" json:"expect,omitempty"`
}

// WaitSpec 描述最终一致后端的就绪轮询。间隔与超时为 Go duration 字符串，空值使用执行器默认值。
type WaitSpec struct {
	Tool     string         `yaml:"tool" json:"tool"`
	Args     map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
	Interval string         `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout  string         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ParseTemplate 解析 YAML 或 JSON 模板并校验结构。
func ParseTemplate(data []byte) (*TemplateDef, error) {
	var tmpl TemplateDef
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析模板失败")
	}
	normalizeTemplate(&tmpl)
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// LoadTemplate 从文件读取模板，.json 使用 encoding/json，其余按 YAML 处理。
func LoadTemplate(file string) (*TemplateDef, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "读取模板失败", xerrors.WithMetadata("path", file))
	}
	if !strings.EqualFold(filepath.Ext(file), ".json") {
		return ParseTemplate(data)
	}
	var tmpl TemplateDef
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析模板失败", xerrors.WithMetadata("path", file))
	}
	normalizeTemplate(&tmpl)
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// Validate 检查模板结构：叶子必须有工具名，分组必须有子任务。
func (t *TemplateDef) Validate() error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "模板为空")
	}
	return validateNodes(t.Tasks, "tasks")
}

func validateNodes(nodes []TaskNode, prefix string) error {
	for i, node := range nodes {
		where := prefix + "[" + itoa(i) + "]"
		switch node.Kind() {
		case KindGroup:
			if len(node.Tasks) == 0 {
				return xerrors.New(xerrors.CodeInvalidArgument, "分组没有子任务", xerrors.WithMetadata("node", where))
			}
			if err := validateNodes(node.Tasks, where+".tasks"); err != nil {
				return err
			}
		default:
			if strings.TrimSpace(node.Tool) == "" {
				return xerrors.New(xerrors.CodeInvalidArgument, "任务缺少 tool", xerrors.WithMetadata("node", where))
			}
		}
	}
	return nil
}

// normalizeTemplate 把 YAML 解出的 map[interface{}]interface{} 等形态统一为 JSON 风格的值。
func normalizeTemplate(t *TemplateDef) {
	for key, spec := range t.Inputs {
		spec.Default = normalizeValue(spec.Default)
		t.Inputs[key] = spec
	}
	normalizeNodes(t.Tasks)
}

func normalizeNodes(nodes []TaskNode) {
	for i := range nodes {
		nodes[i].Args = normalizeMap(nodes[i].Args)
		for j := range nodes[i].Verify {
			nodes[i].Verify[j].Args = normalizeMap(nodes[i].Verify[j].Args)
			nodes[i].Verify[j].Expect = normalizeMap(nodes[i].Verify[j].Expect)
		}
		if nodes[i].Wait != nil {
			nodes[i].Wait.Args = normalizeMap(nodes[i].Wait.Args)
		}
		normalizeNodes(nodes[i].Tasks)
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := normalizeValue(m).(map[string]any)
	return out
}

func normalizeValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = normalizeValue(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[stringify(k)] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalizeValue(item)
		}
		return out
	case int:
		return float64(typed)
	case int64:
		return float64(typed)
	case uint64:
		return float64(typed)
	default:
		return v
	}
}
