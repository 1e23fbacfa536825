package api

import (
	"encoding/json"
	stdErrors "errors"
	"io"
	"net/http"

	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/internal/task"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	body := errorBody{Code: string(code), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		body.Metadata = coded.Metadata()
	}
	writeJSON(w, statusFor(code), errorEnvelope{Error: body})
}

// authError 以统一的错误信封输出认证与授权失败。
func authError(w http.ResponseWriter, _ *http.Request, status int, err error) {
	code := "UNAUTHENTICATED"
	if status == http.StatusForbidden {
		code = "PERMISSION_DENIED"
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: err.Error()}})
}

func unavailable(w http.ResponseWriter, component string) {
	writeError(w, xerrors.New(xerrors.CodeInitializationFailure, component+" 未初始化"))
}

// decodeBody 解析 JSON 请求体，空请求体视为参数错误。
func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if stdErrors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeInvalidArgument, "请求体为空")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeMissingInput, xerrors.CodeInvalidInput,
		xerrors.CodePolicyInvalid, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodeUnknownService, xerrors.CodeToolNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodePolicyDenied, xerrors.CodeConsentRequired:
		return http.StatusForbidden
	case xerrors.CodeUpstreamUnavailable, xerrors.CodeToolExecution:
		return http.StatusBadGateway
	case xerrors.CodeTimeout, xerrors.CodePropagationTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure, xerrors.CodeQueueFailure, task.CodeTaskPublish:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
