package governance

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"OpenMCP-Gate/pkg/placeholder"
)

var skuVersionSuffix = regexp.MustCompile(`(?i)[_-]v\d+(\.\d+)*$`)

// normalizers 把字段值转换为比较用的规范形式。
var normalizers = map[string]func(string) string{
	"":      func(s string) string { return strings.ToLower(strings.TrimSpace(s)) },
	"lower": func(s string) string { return strings.ToLower(strings.TrimSpace(s)) },
	"sku-family": func(s string) string {
		return strings.ToLower(skuVersionSuffix.ReplaceAllString(strings.TrimSpace(s), ""))
	},
	"region": func(s string) string {
		return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	},
}

// Evaluate 对一次工具调用执行策略检查。相同的策略版本与输入总是得到相同结论。
func Evaluate(p *Policy, tool string, args map[string]any, evalCtx map[string]string, profile string) Decision {
	if p == nil {
		return Allow()
	}
	rules := p.rulesFor(tool)
	if len(rules) == 0 {
		return Allow()
	}

	acc := &accumulator{
		verdict: VerdictAllow,
		lookup:  suggestionLookup(evalCtx, args),
	}
	controls := map[string]struct{}{}
	families := p.ProfileFamilies(profile)
	policyIDs := make([]string, 0, len(rules))

	for _, rule := range rules {
		before := len(acc.reasons)
		checkRule(acc, rule, args)
		if len(acc.reasons) > before {
			policyIDs = append(policyIDs, rule.id)
			for _, s := range rule.node.Suggestions {
				acc.suggest(s)
			}
		}
		for _, c := range rule.node.Controls {
			id := strings.ToUpper(strings.TrimSpace(c))
			if id == "" || !inFamilies(families, id) {
				continue
			}
			controls[id] = struct{}{}
		}
	}

	decision := Decision{
		Decision:    acc.verdict,
		Reasons:     acc.reasons,
		Suggestions: acc.suggestions,
		Controls:    make([]string, 0, len(controls)),
		PolicyIDs:   policyIDs,
	}
	if decision.Reasons == nil {
		decision.Reasons = []string{}
	}
	if decision.Suggestions == nil {
		decision.Suggestions = []string{}
	}
	for c := range controls {
		decision.Controls = append(decision.Controls, c)
	}
	sort.Strings(decision.Controls)
	return decision
}

type accumulator struct {
	verdict     Verdict
	reasons     []string
	suggestions []string
	seen        map[string]struct{}
	lookup      placeholder.Lookup
}

// fail 记录一条失败检查：每条检查恰好贡献一条原因。
func (a *accumulator) fail(severity Verdict, suggestion, format string, args ...any) {
	a.verdict = Max(a.verdict, severity)
	a.reasons = append(a.reasons, fmt.Sprintf(format, args...))
	if suggestion != "" {
		a.suggest(suggestion)
	}
}

func (a *accumulator) suggest(tmpl string) {
	rendered := strings.TrimSpace(placeholder.Render(tmpl, a.lookup))
	if rendered == "" {
		return
	}
	if a.seen == nil {
		a.seen = make(map[string]struct{})
	}
	if _, ok := a.seen[rendered]; ok {
		return
	}
	a.seen[rendered] = struct{}{}
	a.suggestions = append(a.suggestions, rendered)
}

func checkRule(acc *accumulator, rule *compiledRule, args map[string]any) {
	node := rule.node
	severityOf := func(raw string) Verdict {
		v, _ := ParseVerdict(raw, rule.severity)
		return v
	}

	if n := node.Name; n != nil {
		field := defaultString(n.Field, "name")
		if name, ok := stringField(args, field); ok {
			sev := severityOf(n.Severity)
			if rule.pattern != nil && !rule.pattern.MatchString(name) {
				acc.fail(sev, n.Suggestion, "%s %q does not match required pattern %s", field, name, rule.pattern.String())
			}
			if hit, ok := deniedName(name, n.Deny, n.DenySubstrings); ok {
				acc.fail(sev, n.Suggestion, "%s %q is not permitted (matches %q)", field, name, hit)
			}
		}
	}

	for _, v := range node.AllowedValues {
		raw, ok := stringField(args, v.Field)
		if !ok {
			continue
		}
		normalize := normalizers[v.Normalize]
		if !containsNormalized(v.Values, raw, normalize) {
			acc.fail(severityOf(v.Severity), v.Suggestion, "%s %q is not an allowed value (allowed: %s)", v.Field, raw, strings.Join(v.Values, ", "))
		}
	}

	if len(node.RequireTags) > 0 {
		field := defaultString(node.TagsField, "tags")
		tags, _ := lookupField(args, field).(map[string]any)
		var missing []string
		for _, key := range node.RequireTags {
			value, ok := tags[key]
			if !ok || strings.TrimSpace(scalarString(value)) == "" {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			acc.fail(rule.severity, "", "missing required tags: %s", strings.Join(missing, ", "))
		}
	}

	for _, field := range node.RequireTrue {
		if !isTrue(lookupField(args, field)) {
			acc.fail(rule.severity, "", "%s must be true", field)
		}
	}

	if r := node.Regions; r != nil {
		field := defaultString(r.Field, "location")
		if region, ok := stringField(args, field); ok && !containsNormalized(r.Allowed, region, normalizers["region"]) {
			acc.fail(severityOf(r.Severity), r.Suggestion, "region %q is not allowed (allowed: %s)", region, strings.Join(r.Allowed, ", "))
		}
	}
}

func deniedName(name string, exact, substrings []string) (string, bool) {
	lower := strings.ToLower(name)
	for _, d := range exact {
		if strings.EqualFold(strings.TrimSpace(d), name) {
			return d, true
		}
	}
	for _, d := range substrings {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" && strings.Contains(lower, d) {
			return d, true
		}
	}
	return "", false
}

func containsNormalized(values []string, raw string, normalize func(string) string) bool {
	target := normalize(raw)
	for _, v := range values {
		if normalize(v) == target {
			return true
		}
	}
	return false
}

// lookupField 按点分路径读取嵌套参数，例如 properties.sku.name。
func lookupField(args map[string]any, field string) any {
	if args == nil || field == "" {
		return nil
	}
	if v, ok := args[field]; ok {
		return v
	}
	var current any = args
	for _, part := range strings.Split(field, ".") {
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

func stringField(args map[string]any, field string) (string, bool) {
	v := lookupField(args, field)
	if v == nil {
		return "", false
	}
	s := scalarString(v)
	return s, s != ""
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case map[string]any, []any:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func isTrue(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	default:
		return false
	}
}

func inFamilies(families map[string]struct{}, control string) bool {
	if families == nil {
		return true
	}
	family := control
	if i := strings.IndexAny(control, "-( "); i > 0 {
		family = control[:i]
	}
	_, ok := families[family]
	return ok
}

func suggestionLookup(evalCtx map[string]string, args map[string]any) placeholder.Lookup {
	return func(key string) (string, bool) {
		if v, ok := evalCtx[key]; ok {
			return v, true
		}
		if v := scalarString(lookupField(args, key)); v != "" {
			return v, true
		}
		return "", false
	}
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
