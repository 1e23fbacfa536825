package executor

import (
	"strings"

	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/internal/governance"
	"OpenMCP-Gate/internal/mcp"
	"OpenMCP-Gate/internal/plan"
)

// ReplayInstruction 是待确认结果中附带的重放提示。
const ReplayInstruction = "replay with confirm=true"

// Mode 是执行模式。
type Mode string

const (
	ModeDryRun    Mode = "dryRun"
	ModeReview    Mode = "review"
	ModeConfirmed Mode = "confirmed"
)

// ParseMode 解析模式字符串，未知值按 review 处理。
func ParseMode(raw string) Mode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "dryrun", "dry-run", "dry_run", "dry":
		return ModeDryRun
	case "confirmed", "confirm", "apply":
		return ModeConfirmed
	default:
		return ModeReview
	}
}

// Status 是一次运行的状态。
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusStopped Status = "stopped"
)

// StepStatus 是单个步骤的结果。
type StepStatus string

const (
	StepOK     StepStatus = "ok"
	StepError  StepStatus = "error"
	StepDenied StepStatus = "denied"
)

// Progress 是执行进度中的一项，运行期间只追加。
type Progress struct {
	StepIndex          int                  `json:"stepIndex"`
	StepID             string               `json:"stepId,omitempty"`
	Tool               string               `json:"tool"`
	Status             StepStatus           `json:"status"`
	Code               xerrors.Code         `json:"code,omitempty"`
	Reason             string               `json:"reason,omitempty"`
	Warnings           []string             `json:"warnings,omitempty"`
	Decision           *governance.Decision `json:"governance,omitempty"`
	PropagationTimeout bool                 `json:"propagationTimeout,omitempty"`
}

// Result 是 Execute 的返回值。
type Result struct {
	Status      Status             `json:"status"`
	Plan        *plan.Plan         `json:"plan,omitempty"`
	Preview     string             `json:"preview,omitempty"`
	Instruction string             `json:"instruction,omitempty"`
	Transcript  []mcp.ContentBlock `json:"transcript"`
	Progress    []Progress         `json:"progress"`
	FailedStep  *int               `json:"failedStep,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

// Summary 是运行结束时附加在转录末尾的 JSON 摘要。
type Summary struct {
	Status      Status     `json:"status"`
	Progress    []Progress `json:"progress"`
	FailedStep  *int       `json:"failedStep,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Instruction string     `json:"instruction,omitempty"`
}

// Summary 返回结果摘要。
func (r *Result) Summary() Summary {
	return Summary{
		Status:      r.Status,
		Progress:    r.Progress,
		FailedStep:  r.FailedStep,
		Reason:      r.Reason,
		Instruction: r.Instruction,
	}
}

// CallResult 把运行结果转换为工具调用协议的返回：转录内容块加最终摘要。
func (r *Result) CallResult() *mcp.CallResult {
	content := make([]mcp.ContentBlock, 0, len(r.Transcript)+1)
	content = append(content, r.Transcript...)
	content = append(content, mcp.JSON(r.Summary()))
	return &mcp.CallResult{Content: content, IsError: r.Status == StatusStopped}
}

// StepInput 是执行入口中直接给出的步骤。
type StepInput struct {
	ID    string         `json:"id,omitempty"`
	Title string         `json:"title,omitempty"`
	Tool  string         `json:"tool"`
	Args  map[string]any `json:"args"`
}

// Request 是计划执行入口的参数。
type Request struct {
	Apply           bool              `json:"apply"`
	Profile         string            `json:"profile,omitempty"`
	Steps           []StepInput       `json:"steps"`
	ContinueOnError bool              `json:"continueOnError,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
	Summary         string            `json:"summary,omitempty"`
}

// Plan 把入口参数转换为计划。
func (r Request) Plan() *plan.Plan {
	p := &plan.Plan{Summary: r.Summary, ContinueOnError: r.ContinueOnError, Steps: make([]plan.Step, 0, len(r.Steps))}
	for i, s := range r.Steps {
		step := plan.Step{ID: s.ID, Title: s.Title, Tool: s.Tool, Args: mcp.CloneArgs(s.Args)}
		if step.ID == "" {
			step.ID = "step-" + itoa(i+1)
		}
		if step.Title == "" {
			step.Title = s.Tool
		}
		p.Steps = append(p.Steps, step)
	}
	if p.Summary == "" {
		p.Summary = "ad-hoc plan: " + itoa(len(p.Steps)) + " step(s)"
	}
	return p
}

// Mode 返回入口参数对应的执行模式。
func (r Request) Mode() Mode {
	if r.Apply {
		return ModeConfirmed
	}
	return ModeDryRun
}

// Options 是单次运行的上下文。
type Options struct {
	Profile string
	Context map[string]string
}
