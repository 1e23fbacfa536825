package plan

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/pkg/placeholder"
)

// Inputs 是解析后的模板输入。
type Inputs map[string]any

// Step 是展开并插值后的单个工具调用。
type Step struct {
	ID     string         `json:"id"`
	Title  string         `json:"title"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	Verify []Verification `json:"verify,omitempty"`
	Wait   *WaitSpec      `json:"wait,omitempty"`
}

// Plan 是一次编译的产物，只属于一次执行。
type Plan struct {
	Summary         string `json:"summary"`
	Steps           []Step `json:"steps"`
	ContinueOnError bool   `json:"continueOnError"`
}

// ResolveInputs 应用默认值并校验必填与枚举约束。未声明的键原样透传。
func ResolveInputs(t *TemplateDef, supplied map[string]any) (Inputs, error) {
	resolved := make(Inputs, len(supplied)+len(t.Inputs))
	for k, v := range supplied {
		resolved[k] = v
	}

	keys := make([]string, 0, len(t.Inputs))
	for key := range t.Inputs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		spec := t.Inputs[key]
		value, ok := resolved[key]
		if !ok || value == nil {
			if spec.Default != nil {
				resolved[key] = spec.Default
				value = spec.Default
			} else if spec.Required {
				return nil, xerrors.New(xerrors.CodeMissingInput, "missing required input: "+key,
					xerrors.WithMetadata("input", key))
			} else {
				continue
			}
		}
		if len(spec.Enum) > 0 && !contains(spec.Enum, stringify(value)) {
			return nil, xerrors.New(xerrors.CodeInvalidInput,
				fmt.Sprintf("invalid value %q for input %s (allowed: %s)", stringify(value), key, strings.Join(spec.Enum, ", ")),
				xerrors.WithMetadata("input", key),
				xerrors.WithMetadata("allowed", strings.Join(spec.Enum, ",")))
		}
	}
	return resolved, nil
}

// Compile 深度优先展开任务树。when 为假的分组连同全部后代一起被剪除。
func Compile(t *TemplateDef, inputs Inputs) (*Plan, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	lookup := inputs.lookup()
	plan := &Plan{Steps: []Step{}, ContinueOnError: t.ContinueOnError}
	walk(t.Tasks, lookup, plan)
	plan.Summary = summarize(t, len(plan.Steps))
	return plan, nil
}

// Build 等价于 Compile(t, ResolveInputs(t, supplied))。
func Build(t *TemplateDef, supplied map[string]any) (*Plan, Inputs, error) {
	inputs, err := ResolveInputs(t, supplied)
	if err != nil {
		return nil, nil, err
	}
	plan, err := Compile(t, inputs)
	if err != nil {
		return nil, nil, err
	}
	return plan, inputs, nil
}

func walk(nodes []TaskNode, lookup placeholder.Lookup, plan *Plan) {
	for _, node := range nodes {
		if node.When != "" && !Truthy(placeholder.Render(node.When, lookup)) {
			continue
		}
		if node.Kind() == KindGroup {
			walk(node.Tasks, lookup, plan)
			continue
		}
		tool := placeholder.Render(node.Tool, lookup)
		step := Step{
			ID:    placeholder.Render(node.ID, lookup),
			Title: placeholder.Render(node.Title, lookup),
			Tool:  tool,
			Args:  interpolateMap(node.Args, lookup),
		}
		if step.ID == "" {
			step.ID = "step-" + itoa(len(plan.Steps)+1)
		}
		if step.Title == "" {
			step.Title = tool
		}
		for _, v := range node.Verify {
			step.Verify = append(step.Verify, Verification{
				Tool:   placeholder.Render(v.Tool, lookup),
				Args:   interpolateMap(v.Args, lookup),
				Expect: interpolateMap(v.Expect, lookup),
			})
		}
		if node.Wait != nil {
			step.Wait = &WaitSpec{
				Tool:     placeholder.Render(node.Wait.Tool, lookup),
				Args:     interpolateMap(node.Wait.Args, lookup),
				Interval: node.Wait.Interval,
				Timeout:  node.Wait.Timeout,
			}
		}
		plan.Steps = append(plan.Steps, step)
	}
}

// Truthy 是 when 守卫唯一的真值判断：去空白后为空或为 false/0/no/null/undefined（不区分大小写）即为假。
func Truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0", "no", "null", "undefined":
		return false
	default:
		return true
	}
}

func interpolateMap(m map[string]any, lookup placeholder.Lookup) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out, _ := interpolate(m, lookup).(map[string]any)
	return out
}

func interpolate(v any, lookup placeholder.Lookup) any {
	switch typed := v.(type) {
	case string:
		return placeholder.Render(typed, lookup)
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = interpolate(item, lookup)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = interpolate(item, lookup)
		}
		return out
	default:
		return v
	}
}

func (in Inputs) lookup() placeholder.Lookup {
	return func(key string) (string, bool) {
		v, ok := in[key]
		if !ok || v == nil {
			return "", false
		}
		return stringify(v), true
	}
}

func summarize(t *TemplateDef, steps int) string {
	name := t.Name
	if name == "" {
		name = t.ID
	}
	if name == "" {
		name = "plan"
	}
	if t.Version != "" {
		name += " v" + t.Version
	}
	return fmt.Sprintf("%s: %d step(s)", name, steps)
}

func stringify(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	default:
		return fmt.Sprint(typed)
	}
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
