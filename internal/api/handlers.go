package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"OpenMCP-Gate/internal/agent"
	"OpenMCP-Gate/internal/auth"
	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/internal/executor"
	"OpenMCP-Gate/internal/governance"
	"OpenMCP-Gate/internal/plan"
	"OpenMCP-Gate/internal/task"
	"OpenMCP-Gate/pkg/logger"
)

type healthResponse struct {
	Status   string   `json:"status"`
	Services []string `json:"services"`
	Policy   string   `json:"policy,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Services: []string{}}
	if s.deps.Router != nil {
		resp.Services = s.deps.Router.Services()
	}
	if s.deps.Policies != nil {
		if current := s.deps.Policies.Current(); current != nil {
			resp.Policy = current.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.deps.Router == nil {
		unavailable(w, "路由")
		return
	}
	entries, err := s.deps.Router.Catalog(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": entries})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Plans == nil {
		unavailable(w, "模板目录")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": s.deps.Plans.List()})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Plans == nil {
		unavailable(w, "模板目录")
		return
	}
	tmpl, err := s.deps.Plans.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

type compileRequest struct {
	Template string            `json:"template,omitempty"`
	Inline   *plan.TemplateDef `json:"inline,omitempty"`
	Inputs   map[string]any    `json:"inputs,omitempty"`
}

type compileResponse struct {
	Plan   *plan.Plan  `json:"plan"`
	Inputs plan.Inputs `json:"inputs"`
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req compileRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	tmpl, err := s.template(req.Template, req.Inline)
	if err != nil {
		writeError(w, err)
		return
	}
	p, inputs, err := plan.Build(tmpl, req.Inputs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, compileResponse{Plan: p, Inputs: inputs})
}

type executeTemplateRequest struct {
	Inputs  map[string]any    `json:"inputs,omitempty"`
	Mode    string            `json:"mode,omitempty"`
	Profile string            `json:"profile,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

func (s *Server) handleExecuteTemplate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Executor == nil {
		unavailable(w, "执行器")
		return
	}
	var req executeTemplateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	tmpl, err := s.template(chi.URLParam(r, "id"), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	p, _, err := plan.Build(tmpl, req.Inputs)
	if err != nil {
		writeError(w, err)
		return
	}
	mode := executor.ParseMode(req.Mode)
	result, err := s.deps.Executor.Execute(r.Context(), p, mode, executor.Options{Profile: req.Profile, Context: req.Context})
	if err != nil {
		writeError(w, err)
		return
	}
	s.auditRun("template", tmpl.ID, mode, result)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.deps.Executor == nil {
		unavailable(w, "执行器")
		return
	}
	var req executor.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.deps.Executor.Run(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.auditRun("inline", req.Summary, req.Mode(), result)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		unavailable(w, "运行服务")
		return
	}
	var req task.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	run, err := s.deps.Runs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		unavailable(w, "运行服务")
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.deps.Runs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		unavailable(w, "运行服务")
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.deps.Runs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		unavailable(w, "运行服务")
		return
	}
	run, err := s.deps.Runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Governance == nil {
		unavailable(w, "治理评估")
		return
	}
	var req governance.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Tool) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "tool 不能为空"))
		return
	}
	decision, err := s.deps.Governance.Check(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Policies == nil {
		unavailable(w, "本地策略")
		return
	}
	if err := s.deps.Policies.Reload(); err != nil {
		writeError(w, err)
		return
	}
	current := s.deps.Policies.Current()
	attrs := []any{slog.String("policy", current.String())}
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		attrs = append(attrs, slog.String("user", subject.Name))
	}
	logger.Audit().Info("策略已重载", attrs...)
	writeJSON(w, http.StatusOK, map[string]any{"policy": current.String(), "version": current.Version})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agent == nil {
		unavailable(w, "会话代理")
		return
	}
	var req agent.ChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.deps.Agent.Chat(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// template 按 ID 从目录中查找模板，或校验请求中内联的模板。
func (s *Server) template(id string, inline *plan.TemplateDef) (*plan.TemplateDef, error) {
	if inline != nil {
		if err := inline.Validate(); err != nil {
			return nil, err
		}
		return inline, nil
	}
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "需要提供 template 或 inline")
	}
	if s.deps.Plans == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "模板目录未初始化")
	}
	return s.deps.Plans.Get(id)
}

func (s *Server) auditRun(source, label string, mode executor.Mode, result *executor.Result) {
	attrs := []any{
		slog.String("source", source),
		slog.String("label", label),
		slog.String("mode", string(mode)),
		slog.String("status", string(result.Status)),
		slog.Int("steps", len(result.Progress)),
	}
	if result.FailedStep != nil {
		attrs = append(attrs, slog.Int("failed_step", *result.FailedStep), slog.String("reason", result.Reason))
	}
	logger.Audit().Info("计划执行完成", attrs...)
}

func listOptions(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	opts := make([]task.ListOption, 0, 5)
	for _, key := range []string{"limit", "offset"} {
		raw := strings.TrimSpace(query.Get(key))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须是非负整数", xerrors.WithMetadata(key, raw))
		}
		if key == "limit" {
			opts = append(opts, task.WithLimit(n))
		} else {
			opts = append(opts, task.WithOffset(n))
		}
	}
	if statuses := task.ParseStatuses(query.Get("status")); len(statuses) > 0 {
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if profile := query.Get("profile"); profile != "" {
		opts = append(opts, task.WithProfile(profile))
	}
	if codes := task.ParseErrorCodes(query.Get("error_code")); len(codes) > 0 {
		opts = append(opts, task.WithErrorCodes(codes...))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	if strings.EqualFold(query.Get("order"), "asc") {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return opts, nil
}
