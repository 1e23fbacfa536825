package opengate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Plan executions that wait on propagation may need more.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the OpenMCP Gate REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// APIError represents server side validation, policy or internal errors.
type APIError struct {
	StatusCode int
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("opengate api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("opengate api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the gateway API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken stores a bearer token sent with every request. The gateway
// itself does not authenticate; the token is meant for a fronting proxy.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Health reports the gateway status and its bound services.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	if err := c.get(ctx, "/healthz", nil, &out); err != nil {
		return Health{}, err
	}
	return out, nil
}

// Tools lists the federated tool catalog.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.get(ctx, "/api/v1/tools", nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// CompileTemplate compiles a catalog template, or an inline one, into a plan
// without executing anything.
func (c *Client) CompileTemplate(ctx context.Context, req CompileRequest) (CompileResult, error) {
	var out CompileResult
	if err := c.post(ctx, "/api/v1/plans/compile", req, &out); err != nil {
		return CompileResult{}, err
	}
	return out, nil
}

// ExecuteTemplate compiles and runs a catalog template in one call.
func (c *Client) ExecuteTemplate(ctx context.Context, id string, req TemplateExecution) (ExecuteResult, error) {
	var out ExecuteResult
	endpoint := "/api/v1/templates/" + url.PathEscape(id) + "/execute"
	if err := c.post(ctx, endpoint, req, &out); err != nil {
		return ExecuteResult{}, err
	}
	return out, nil
}

// ExecutePlan runs explicit steps synchronously. With Apply false the server
// only returns a preview.
func (c *Client) ExecutePlan(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	var out ExecuteResult
	if err := c.post(ctx, "/api/v1/plans/execute", req, &out); err != nil {
		return ExecuteResult{}, err
	}
	return out, nil
}

// SubmitRun queues a plan for asynchronous execution.
func (c *Client) SubmitRun(ctx context.Context, req RunSubmission) (Run, error) {
	var out Run
	if err := c.post(ctx, "/api/v1/runs", req, &out); err != nil {
		return Run{}, err
	}
	return out, nil
}

// GetRun fetches a run by identifier.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var out Run
	if err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(id), nil, &out); err != nil {
		return Run{}, err
	}
	return out, nil
}

// ListRuns lists runs matching the given filter.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) ([]Run, error) {
	var out struct {
		Runs []Run `json:"runs"`
	}
	if err := c.get(ctx, "/api/v1/runs", opts.values(), &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// RunStats aggregates run counts per status.
func (c *Client) RunStats(ctx context.Context) (RunStats, error) {
	var out RunStats
	if err := c.get(ctx, "/api/v1/runs/stats", nil, &out); err != nil {
		return RunStats{}, err
	}
	return out, nil
}

// WaitRun polls a run until it leaves the pending and running states or ctx
// is done.
func (c *Client) WaitRun(ctx context.Context, id string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, id)
		if err != nil {
			return Run{}, err
		}
		if run.Finished() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Evaluate asks the governance gate for a decision on a single tool call.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (Decision, error) {
	var out Decision
	if err := c.post(ctx, "/api/v1/governance/evaluate", req, &out); err != nil {
		return Decision{}, err
	}
	return out, nil
}

// Chat sends a natural-language instruction to the conversational agent.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	var out ChatResult
	if err := c.post(ctx, "/api/v1/agent/chat", req, &out); err != nil {
		return ChatResult{}, err
	}
	return out, nil
}

func (o ListRunsOptions) values() url.Values {
	q := url.Values{}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(o.Statuses) > 0 {
		q.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Profile != "" {
		q.Set("profile", o.Profile)
	}
	if len(o.ErrorCodes) > 0 {
		q.Set("error_code", strings.Join(o.ErrorCodes, ","))
	}
	if o.Query != "" {
		q.Set("q", o.Query)
	}
	if o.Ascending {
		q.Set("order", "asc")
	}
	return q
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
