package executor

import (
	"regexp"
	"strings"

	"OpenMCP-Gate/internal/mcp"
)

// Predicate 是一条成功判定规则。matched 为 false 表示该规则不适用于此结果。
type Predicate struct {
	Name  string
	Check func(payload map[string]any) (success, matched bool)
}

var succeedPattern = regexp.MustCompile(`(?i)succeed`)

var terminalFailures = map[string]struct{}{
	"failed": {}, "failure": {}, "error": {}, "canceled": {}, "cancelled": {},
}

// DefaultPredicates 是按顺序尝试的成功判定，第一条匹配的规则决定结果。
var DefaultPredicates = []Predicate{
	{Name: "terminal-failure", Check: terminalFailure},
	{Name: "status", Check: explicitStatus},
	{Name: "provisioningState", Check: provisioningState},
	{Name: "id", Check: hasID},
}

func terminalFailure(payload map[string]any) (bool, bool) {
	for _, field := range []string{"status", "provisioningState", "properties.provisioningState"} {
		if s, ok := lookupPath(payload, field).(string); ok {
			if _, failed := terminalFailures[strings.ToLower(s)]; failed {
				return false, true
			}
		}
	}
	return false, false
}

func explicitStatus(payload map[string]any) (bool, bool) {
	s, ok := payload["status"].(string)
	if !ok {
		return false, false
	}
	switch strings.ToLower(s) {
	case "succeeded", "done":
		return true, true
	default:
		return false, false
	}
}

func provisioningState(payload map[string]any) (bool, bool) {
	for _, field := range []string{"provisioningState", "properties.provisioningState"} {
		if s, ok := lookupPath(payload, field).(string); ok && succeedPattern.MatchString(s) {
			return true, true
		}
	}
	return false, false
}

func hasID(payload map[string]any) (bool, bool) {
	v, ok := payload["id"]
	if !ok || v == nil {
		return false, false
	}
	if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
		return false, false
	}
	return true, true
}

// Classify 判断工具结果是否成功，并返回决定结果的规则名。
// isError 为真总是失败；没有 JSON 内容块的结果只依据 isError。
func Classify(result *mcp.CallResult, predicates []Predicate) (bool, string) {
	if result == nil {
		return false, "empty"
	}
	if result.IsError {
		return false, "isError"
	}
	if _, ok := result.FirstJSON(); !ok {
		return true, "no-json"
	}
	var payload map[string]any
	if err := result.DecodeFirstJSON(&payload); err != nil || payload == nil {
		return true, "non-object"
	}
	for _, p := range predicates {
		if success, matched := p.Check(payload); matched {
			return success, p.Name
		}
	}
	return false, "unrecognized"
}

func lookupPath(payload map[string]any, path string) any {
	var current any = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}
