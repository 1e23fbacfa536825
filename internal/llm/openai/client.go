package openai

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/internal/llm"
)

const (
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 go-openai 调用 OpenAI 兼容的对话接口。
type Client struct {
	api   *openai.Client
	model string
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	config := openai.DefaultConfig(apiKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		config.BaseURL = base
	}
	config.HTTPClient = &http.Client{Timeout: timeout}

	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: model,
	}, nil
}

// Chat 发送对话并返回助手的下一条消息。
func (c *Client) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	request := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toMessages(req.Messages),
		Temperature: req.Temperature,
	}
	for _, spec := range req.Tools {
		request.Tools = append(request.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        EncodeName(spec.Name),
				Description: spec.Description,
				Parameters:  parameters(spec.Parameters),
			},
		})
	}

	resp, err := c.api.CreateChatCompletion(ctx, request)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型请求超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "请求 OpenAI 失败")
	}
	if len(resp.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeUpstreamUnavailable, "OpenAI 响应中没有有效的 choices")
	}

	choice := resp.Choices[0]
	message := llm.Message{
		Role:    llm.RoleAssistant,
		Content: strings.TrimSpace(choice.Message.Content),
	}
	for _, call := range choice.Message.ToolCalls {
		args := map[string]any{}
		if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "工具调用参数不是合法 JSON",
					xerrors.WithMetadata("tool", call.Function.Name))
			}
		}
		message.ToolCalls = append(message.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Name:      DecodeName(call.Function.Name),
			Arguments: args,
		})
	}
	return &llm.Response{Message: message, FinishReason: string(choice.FinishReason)}, nil
}

func toMessages(messages []llm.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			raw, _ := json.Marshal(call.Arguments)
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      EncodeName(call.Name),
					Arguments: string(raw),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func parameters(schema map[string]any) any {
	if len(schema) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return schema
}

// EncodeName 把 <service>.<tool> 转换为 OpenAI 允许的函数名（不允许点号）。
func EncodeName(name string) string {
	return strings.ReplaceAll(name, ".", "__")
}

// DecodeName 是 EncodeName 的逆操作。
func DecodeName(name string) string {
	return strings.ReplaceAll(name, "__", ".")
}

var _ llm.Client = (*Client)(nil)
