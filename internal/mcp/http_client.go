package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	xerrors "OpenMCP-Gate/internal/errors"
)

// DefaultHTTPTimeout 是未显式配置时单次后端调用的超时时间。
const DefaultHTTPTimeout = 30 * time.Second

// HTTPBackend 通过 HTTP 访问一个工具后端：
// POST {base}/tools/list 与 POST {base}/tools/call。
type HTTPBackend struct {
	baseURL    *url.URL
	httpClient *http.Client
	headers    map[string]string
}

// HTTPOption 定义 HTTPBackend 的可选配置。
type HTTPOption func(*HTTPBackend)

// WithHTTPClient 替换底层 http.Client，主要用于测试。
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(b *HTTPBackend) {
		if client != nil {
			b.httpClient = client
		}
	}
}

// WithHeader 为每个请求附加固定请求头。
func WithHeader(key, value string) HTTPOption {
	return func(b *HTTPBackend) {
		b.headers[key] = value
	}
}

// NewHTTPBackend 根据基础地址创建后端客户端。
func NewHTTPBackend(rawURL string, timeout time.Duration, opts ...HTTPOption) (*HTTPBackend, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "后端地址不能为空")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析后端地址失败")
	}
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	b := &HTTPBackend{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout},
		headers:    map[string]string{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// ListTools 查询后端的工具目录。
func (b *HTTPBackend) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var resp struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := b.post(ctx, "/tools/list", map[string]any{}, &resp); err != nil {
		return nil, err
	}
	return resp.Tools, nil
}

// CallTool 调用后端的指定工具。
func (b *HTTPBackend) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	payload := map[string]any{"name": name, "arguments": args}
	var result CallResult
	if err := b.post(ctx, "/tools/call", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (b *HTTPBackend) post(ctx context.Context, endpoint string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
	}
	target := b.resolve(endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(encoded))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return xerrors.Wrap(xerrors.CodeTimeout, err, "后端调用超时", xerrors.WithMetadata("url", target))
		}
		return xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "后端不可达", xerrors.WithMetadata("url", target))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return xerrors.New(xerrors.CodeUpstreamUnavailable,
			fmt.Sprintf("后端返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
			xerrors.WithMetadata("url", target),
			xerrors.WithRetryable(resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests),
		)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "解析后端响应失败", xerrors.WithMetadata("url", target))
	}
	return nil
}

func (b *HTTPBackend) resolve(endpoint string) string {
	u := *b.baseURL
	u.Path = path.Join(u.Path, endpoint)
	return u.String()
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

var _ Backend = (*HTTPBackend)(nil)
