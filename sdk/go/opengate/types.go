package opengate

import "encoding/json"

// Health is the /healthz payload.
type Health struct {
	Status   string   `json:"status"`
	Services []string `json:"services"`
	Policy   string   `json:"policy,omitempty"`
}

// Tool is one entry of the federated catalog, named "service.tool".
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Step is a single tool call of a plan.
type Step struct {
	ID    string         `json:"id,omitempty"`
	Title string         `json:"title,omitempty"`
	Tool  string         `json:"tool"`
	Args  map[string]any `json:"args"`
}

// PlanStep is a compiled step. Verify and Wait are kept raw.
type PlanStep struct {
	Step
	Verify json.RawMessage `json:"verify,omitempty"`
	Wait   json.RawMessage `json:"wait,omitempty"`
}

// Plan is an ordered list of steps produced by the compiler.
type Plan struct {
	Summary         string     `json:"summary"`
	Steps           []PlanStep `json:"steps"`
	ContinueOnError bool       `json:"continueOnError"`
}

// ExecuteRequest converts the plan into an executable request.
func (p Plan) ExecuteRequest(apply bool) ExecuteRequest {
	steps := make([]Step, 0, len(p.Steps))
	for _, s := range p.Steps {
		steps = append(steps, s.Step)
	}
	return ExecuteRequest{
		Apply:           apply,
		Steps:           steps,
		ContinueOnError: p.ContinueOnError,
		Summary:         p.Summary,
	}
}

// CompileRequest selects a catalog template by ID or carries an inline
// template definition.
type CompileRequest struct {
	Template string          `json:"template,omitempty"`
	Inline   json.RawMessage `json:"inline,omitempty"`
	Inputs   map[string]any  `json:"inputs,omitempty"`
}

// CompileResult holds the compiled plan and the resolved inputs.
type CompileResult struct {
	Plan   *Plan          `json:"plan"`
	Inputs map[string]any `json:"inputs"`
}

// TemplateExecution runs a catalog template. Mode is "dryRun", "review" or
// "confirmed"; unknown values fall back to review.
type TemplateExecution struct {
	Inputs  map[string]any    `json:"inputs,omitempty"`
	Mode    string            `json:"mode,omitempty"`
	Profile string            `json:"profile,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

// ExecuteRequest is the synchronous plan execution payload.
type ExecuteRequest struct {
	Apply           bool              `json:"apply"`
	Profile         string            `json:"profile,omitempty"`
	Steps           []Step            `json:"steps"`
	ContinueOnError bool              `json:"continueOnError,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
	Summary         string            `json:"summary,omitempty"`
}

// Decision is a governance verdict: "allow", "warn" or "deny".
type Decision struct {
	Decision    string   `json:"decision"`
	Reasons     []string `json:"reasons"`
	Suggestions []string `json:"suggestions"`
	Controls    []string `json:"controls"`
	PolicyIDs   []string `json:"policyIds"`
}

// Allowed reports whether the decision lets the call proceed.
func (d Decision) Allowed() bool {
	return d.Decision != "deny"
}

// Progress is the outcome of one step.
type Progress struct {
	StepIndex          int       `json:"stepIndex"`
	StepID             string    `json:"stepId,omitempty"`
	Tool               string    `json:"tool"`
	Status             string    `json:"status"`
	Code               string    `json:"code,omitempty"`
	Reason             string    `json:"reason,omitempty"`
	Warnings           []string  `json:"warnings,omitempty"`
	Governance         *Decision `json:"governance,omitempty"`
	PropagationTimeout bool      `json:"propagationTimeout,omitempty"`
}

// ContentBlock is one block of an execution transcript.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	JSON any    `json:"json,omitempty"`
}

// ExecuteResult is returned by synchronous executions.
type ExecuteResult struct {
	Status      string         `json:"status"`
	Plan        *Plan          `json:"plan,omitempty"`
	Preview     string         `json:"preview,omitempty"`
	Instruction string         `json:"instruction,omitempty"`
	Transcript  []ContentBlock `json:"transcript"`
	Progress    []Progress     `json:"progress"`
	FailedStep  *int           `json:"failedStep,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// RunSubmission queues a plan. Runs always execute in confirmed mode; a
// repeated ID returns the existing run.
type RunSubmission struct {
	ID string `json:"id,omitempty"`
	ExecuteRequest
}

// RunResult is the stored outcome of a finished run.
type RunResult struct {
	RunStatus  string     `json:"run_status"`
	Progress   []Progress `json:"progress"`
	FailedStep *int       `json:"failed_step,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// Run is an asynchronous plan execution.
type Run struct {
	ID         string         `json:"id"`
	Summary    string         `json:"summary"`
	Profile    string         `json:"profile,omitempty"`
	Request    ExecuteRequest `json:"request"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *RunResult     `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Finished reports whether the run reached succeeded or failed.
func (r Run) Finished() bool {
	return r.Status == "succeeded" || r.Status == "failed"
}

// ListRunsOptions filters ListRuns. Zero values are omitted.
type ListRunsOptions struct {
	Limit      int
	Offset     int
	Statuses   []string
	Profile    string
	ErrorCodes []string
	Query      string
	Ascending  bool
}

// RunStats aggregates runs per status.
type RunStats struct {
	Total           int            `json:"total"`
	Pending         int            `json:"pending"`
	Running         int            `json:"running"`
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	FailuresByCode  map[string]int `json:"failures_by_code,omitempty"`
	OldestUpdatedAt int64          `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64          `json:"newest_updated_at,omitempty"`
}

// EvaluateRequest asks for a decision on one tool call.
type EvaluateRequest struct {
	Tool    string            `json:"tool"`
	Args    map[string]any    `json:"args"`
	Context map[string]string `json:"context,omitempty"`
	Profile string            `json:"profile,omitempty"`
}

// ChatRequest is a natural-language instruction. Consent carries the user's
// reply to a previous consent prompt.
type ChatRequest struct {
	Instruction string            `json:"instruction"`
	Consent     string            `json:"consent,omitempty"`
	MaxTurns    int               `json:"maxTurns,omitempty"`
	Profile     string            `json:"profile,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
}

// Attempt is one tool call the agent tried.
type Attempt struct {
	Turn    int            `json:"turn"`
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args,omitempty"`
	Outcome string         `json:"outcome"`
	Code    string         `json:"code,omitempty"`
	Detail  string         `json:"detail,omitempty"`
}

// ChatResult is the agent's reply. NeedConsent means the instruction must be
// resent with an explicit consent answer.
type ChatResult struct {
	ConversationID string    `json:"conversationId"`
	NeedConsent    bool      `json:"needConsent"`
	Summary        string    `json:"summary,omitempty"`
	Hint           string    `json:"hint,omitempty"`
	Answer         string    `json:"answer,omitempty"`
	Consent        string    `json:"consent"`
	Turns          int       `json:"turns"`
	Transcript     []Attempt `json:"transcript"`
}
