package governance

import "strings"

// Verdict 是治理判定的取值，严重程度 deny > warn > allow。
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictWarn  Verdict = "warn"
	VerdictDeny  Verdict = "deny"
)

// Rank 返回判定的严重程度，用于取最大值。
func (v Verdict) Rank() int {
	switch v {
	case VerdictDeny:
		return 2
	case VerdictWarn:
		return 1
	default:
		return 0
	}
}

// Max 返回两者中更严重的判定。
func Max(a, b Verdict) Verdict {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseVerdict 解析配置中的判定字符串，空值按 fallback 处理。
func ParseVerdict(raw string, fallback Verdict) (Verdict, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return fallback, true
	case "allow":
		return VerdictAllow, true
	case "warn", "warning":
		return VerdictWarn, true
	case "deny", "block":
		return VerdictDeny, true
	default:
		return fallback, false
	}
}

// Decision 是一次评估的完整结论，创建后不再修改。
type Decision struct {
	Decision    Verdict  `json:"decision"`
	Reasons     []string `json:"reasons"`
	Suggestions []string `json:"suggestions"`
	Controls    []string `json:"controls"`
	PolicyIDs   []string `json:"policyIds"`
}

// Allowed 判断是否允许执行（warn 同样允许）。
func (d Decision) Allowed() bool {
	return d.Decision != VerdictDeny
}

// Allow 返回一个不带任何原因的放行结论。
func Allow() Decision {
	return Decision{
		Decision:    VerdictAllow,
		Reasons:     []string{},
		Suggestions: []string{},
		Controls:    []string{},
		PolicyIDs:   []string{},
	}
}
