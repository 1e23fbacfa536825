package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ContentType 标识工具返回内容块的类型。
type ContentType string

const (
	ContentText ContentType = "text"
	ContentJSON ContentType = "json"
)

// ContentBlock 是工具返回的一段内容，要么是文本，要么是 JSON。
type ContentBlock struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
	JSON any         `json:"json,omitempty"`
}

// Text 构造文本内容块。
func Text(format string, args ...any) ContentBlock {
	if len(args) == 0 {
		return ContentBlock{Type: ContentText, Text: format}
	}
	return ContentBlock{Type: ContentText, Text: fmt.Sprintf(format, args...)}
}

// JSON 构造 JSON 内容块。
func JSON(value any) ContentBlock {
	return ContentBlock{Type: ContentJSON, JSON: value}
}

// CallResult 是一次工具调用的统一返回。
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// FirstJSON 返回第一个 JSON 内容块，没有时 ok 为 false。
func (r *CallResult) FirstJSON() (any, bool) {
	if r == nil {
		return nil, false
	}
	for _, block := range r.Content {
		if block.Type == ContentJSON {
			return block.JSON, true
		}
	}
	return nil, false
}

// DecodeFirstJSON 将第一个 JSON 内容块解码到 out。
func (r *CallResult) DecodeFirstJSON(out any) error {
	value, ok := r.FirstJSON()
	if !ok {
		return fmt.Errorf("结果中没有 JSON 内容块")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("编码 JSON 内容块失败: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("解码 JSON 内容块失败: %w", err)
	}
	return nil
}

// TextContent 拼接所有文本内容块。
func (r *CallResult) TextContent() string {
	if r == nil {
		return ""
	}
	parts := make([]string, 0, len(r.Content))
	for _, block := range r.Content {
		if block.Type == ContentText && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ErrorResult 构造一个业务失败结果。
func ErrorResult(format string, args ...any) *CallResult {
	return &CallResult{Content: []ContentBlock{Text(format, args...)}, IsError: true}
}

// JSONResult 构造一个只包含单个 JSON 块的结果。
func JSONResult(value any) *CallResult {
	return &CallResult{Content: []ContentBlock{JSON(value)}}
}

// ToolInfo 是后端工具目录中的一项。
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Caller 是整个系统唯一依赖的工具调用契约。
type Caller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error)
}

// CallerFunc 将普通函数适配为 Caller。
type CallerFunc func(ctx context.Context, name string, args map[string]any) (*CallResult, error)

// CallTool 实现 Caller。
func (f CallerFunc) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	return f(ctx, name, args)
}

// Backend 是一个可枚举工具目录、可被调用的后端。
type Backend interface {
	Caller
	ListTools(ctx context.Context) ([]ToolInfo, error)
}

// CloneArgs 深拷贝参数，避免调用方与后端共享可变结构。
func CloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	out, _ := cloneValue(args).(map[string]any)
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
