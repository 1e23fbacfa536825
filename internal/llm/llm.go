package llm

import "context"

// Role 是对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall 是模型提出的一次工具调用。
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message 是对话中的一条消息。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

// ToolSpec 是提供给模型的工具描述，Parameters 为 JSON Schema。
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request 描述一次对话补全请求。
type Request struct {
	Messages    []Message
	Tools       []ToolSpec
	Temperature float32
}

// Response 是模型返回的下一条助手消息。
type Response struct {
	Message      Message
	FinishReason string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}
