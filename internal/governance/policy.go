package governance

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "OpenMCP-Gate/internal/errors"
)

//go:embed default_policy.yaml
var defaultPolicy []byte

// Document 是治理策略文件的结构。tools 的键为工具全名，允许使用 path.Match 通配符。
type Document struct {
	Version  string              `yaml:"version" json:"version"`
	Profiles map[string]Profile  `yaml:"profiles,omitempty" json:"profiles,omitempty"`
	Tools    map[string]RuleNode `yaml:"tools" json:"tools"`
}

// Profile 描述一个 ATO 基线所关注的控制族，例如 AC、CM、SC。
type Profile struct {
	Families []string `yaml:"families" json:"families"`
}

// RuleNode 是单个工具的策略记录。
type RuleNode struct {
	ID            string      `yaml:"id,omitempty" json:"id,omitempty"`
	Severity      string      `yaml:"severity,omitempty" json:"severity,omitempty"`
	Name          *NameRule   `yaml:"name,omitempty" json:"name,omitempty"`
	AllowedValues []ValueRule `yaml:"allowed_values,omitempty" json:"allowed_values,omitempty"`
	RequireTags   []string    `yaml:"require_tags,omitempty" json:"require_tags,omitempty"`
	TagsField     string      `yaml:"tags_field,omitempty" json:"tags_field,omitempty"`
	RequireTrue   []string    `yaml:"require_true,omitempty" json:"require_true,omitempty"`
	Regions       *RegionRule `yaml:"regions,omitempty" json:"regions,omitempty"`
	Controls      []string    `yaml:"controls,omitempty" json:"controls,omitempty"`
	Suggestions   []string    `yaml:"suggestions,omitempty" json:"suggestions,omitempty"`
}

// NameRule 约束资源名：必须匹配的正则、禁止的完整名称与禁止的子串。
type NameRule struct {
	Field          string   `yaml:"field,omitempty" json:"field,omitempty"`
	Pattern        string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Deny           []string `yaml:"deny,omitempty" json:"deny,omitempty"`
	DenySubstrings []string `yaml:"deny_substrings,omitempty" json:"deny_substrings,omitempty"`
	Severity       string   `yaml:"severity,omitempty" json:"severity,omitempty"`
	Suggestion     string   `yaml:"suggestion,omitempty" json:"suggestion,omitempty"`
}

// ValueRule 要求字段值（归一化后）属于允许的枚举。
type ValueRule struct {
	Field      string   `yaml:"field" json:"field"`
	Values     []string `yaml:"values" json:"values"`
	Normalize  string   `yaml:"normalize,omitempty" json:"normalize,omitempty"`
	Severity   string   `yaml:"severity,omitempty" json:"severity,omitempty"`
	Suggestion string   `yaml:"suggestion,omitempty" json:"suggestion,omitempty"`
}

// RegionRule 限定允许的部署区域。
type RegionRule struct {
	Field      string   `yaml:"field,omitempty" json:"field,omitempty"`
	Allowed    []string `yaml:"allowed" json:"allowed"`
	Severity   string   `yaml:"severity,omitempty" json:"severity,omitempty"`
	Suggestion string   `yaml:"suggestion,omitempty" json:"suggestion,omitempty"`
}

// Policy 是编译后的只读策略快照。
type Policy struct {
	Version  uint64
	Label    string
	Source   string
	profiles map[string]map[string]struct{}
	exact    map[string]*compiledRule
	globs    []*compiledRule
}

type compiledRule struct {
	key      string
	id       string
	node     RuleNode
	severity Verdict
	pattern  *regexp.Regexp
}

// ParseDocument 解析 YAML 或 JSON 格式的策略文档（YAML 是 JSON 的超集）。
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodePolicyInvalid, err, "解析策略文档失败")
	}
	if doc.Tools == nil {
		doc.Tools = map[string]RuleNode{}
	}
	return &doc, nil
}

// LoadDocument 从文件读取策略文档，路径为空时使用内置默认策略。
func LoadDocument(file string) (*Document, string, error) {
	if strings.TrimSpace(file) == "" {
		doc, err := ParseDocument(defaultPolicy)
		return doc, "builtin", err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodePolicyInvalid, err, "读取策略文件失败", xerrors.WithMetadata("path", file))
	}
	if strings.EqualFold(filepath.Ext(file), ".json") {
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, "", xerrors.Wrap(xerrors.CodePolicyInvalid, err, "解析策略文件失败", xerrors.WithMetadata("path", file))
		}
		if doc.Tools == nil {
			doc.Tools = map[string]RuleNode{}
		}
		return &doc, file, nil
	}
	doc, err := ParseDocument(data)
	return doc, file, err
}

// Compile 校验并编译策略文档。
func Compile(doc *Document, source string, version uint64) (*Policy, error) {
	if doc == nil {
		return nil, xerrors.New(xerrors.CodePolicyInvalid, "策略文档为空")
	}
	p := &Policy{
		Version:  version,
		Label:    doc.Version,
		Source:   source,
		profiles: make(map[string]map[string]struct{}, len(doc.Profiles)),
		exact:    make(map[string]*compiledRule),
	}
	for name, profile := range doc.Profiles {
		families := make(map[string]struct{}, len(profile.Families))
		for _, f := range profile.Families {
			families[strings.ToUpper(strings.TrimSpace(f))] = struct{}{}
		}
		p.profiles[strings.ToLower(name)] = families
	}

	keys := make([]string, 0, len(doc.Tools))
	for key := range doc.Tools {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		rule, err := compileRule(key, doc.Tools[key])
		if err != nil {
			return nil, err
		}
		if strings.ContainsAny(key, "*?[") {
			if _, err := path.Match(key, ""); err != nil {
				return nil, xerrors.Wrap(xerrors.CodePolicyInvalid, err, "工具通配符非法", xerrors.WithMetadata("tool", key))
			}
			p.globs = append(p.globs, rule)
			continue
		}
		p.exact[key] = rule
	}
	return p, nil
}

func compileRule(key string, node RuleNode) (*compiledRule, error) {
	severity, ok := ParseVerdict(node.Severity, VerdictDeny)
	if !ok {
		return nil, invalidSeverity(key, node.Severity)
	}
	rule := &compiledRule{key: key, id: node.ID, node: node, severity: severity}
	if rule.id == "" {
		rule.id = key
	}
	checks := []string{}
	if node.Name != nil {
		checks = append(checks, node.Name.Severity)
		if node.Name.Pattern != "" {
			re, err := regexp.Compile(node.Name.Pattern)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodePolicyInvalid, err, "名称正则非法", xerrors.WithMetadata("tool", key))
			}
			rule.pattern = re
		}
	}
	for _, v := range node.AllowedValues {
		if strings.TrimSpace(v.Field) == "" {
			return nil, xerrors.New(xerrors.CodePolicyInvalid, "allowed_values 缺少 field", xerrors.WithMetadata("tool", key))
		}
		if _, ok := normalizers[v.Normalize]; !ok {
			return nil, xerrors.New(xerrors.CodePolicyInvalid, "未知的归一化方式: "+v.Normalize, xerrors.WithMetadata("tool", key))
		}
		checks = append(checks, v.Severity)
	}
	if node.Regions != nil {
		checks = append(checks, node.Regions.Severity)
	}
	for _, raw := range checks {
		if _, ok := ParseVerdict(raw, severity); !ok {
			return nil, invalidSeverity(key, raw)
		}
	}
	return rule, nil
}

func invalidSeverity(key, raw string) error {
	return xerrors.New(xerrors.CodePolicyInvalid, "未知的严重程度: "+raw, xerrors.WithMetadata("tool", key))
}

// rulesFor 返回适用于工具的全部规则：精确匹配在前，其后是按键排序的通配规则。
func (p *Policy) rulesFor(tool string) []*compiledRule {
	var rules []*compiledRule
	if rule, ok := p.exact[tool]; ok {
		rules = append(rules, rule)
	}
	for _, rule := range p.globs {
		if matched, _ := path.Match(rule.key, tool); matched {
			rules = append(rules, rule)
		}
	}
	return rules
}

// Covers 判断策略是否覆盖该工具。
func (p *Policy) Covers(tool string) bool {
	return len(p.rulesFor(tool)) > 0
}

// ProfileFamilies 返回 profile 的控制族集合，未知 profile 返回 nil。
func (p *Policy) ProfileFamilies(profile string) map[string]struct{} {
	if p == nil || profile == "" {
		return nil
	}
	return p.profiles[strings.ToLower(profile)]
}

func (p *Policy) String() string {
	return fmt.Sprintf("policy %s (v%d, %s)", p.Label, p.Version, p.Source)
}
