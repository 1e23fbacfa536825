package router

import (
	"strings"

	xerrors "OpenMCP-Gate/internal/errors"
	"OpenMCP-Gate/internal/mcp"
)

// Descriptor 是一次解析得到的工具描述，只在调用期间有效，不做持久化。
type Descriptor struct {
	Service     string         `json:"service"`
	LocalName   string         `json:"localName"`
	RemoteName  string         `json:"remoteName"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// FullName 返回 <service>.<localName> 形式的全名。
func (d Descriptor) FullName() string {
	return d.Service + "." + d.LocalName
}

// Describe 根据后端返回的目录项生成描述，localName 为去掉 "<service>." 前缀后的名字。
func Describe(service string, info mcp.ToolInfo) Descriptor {
	return Descriptor{
		Service:     service,
		LocalName:   strings.TrimPrefix(info.Name, service+"."),
		RemoteName:  info.Name,
		Description: info.Description,
		InputSchema: info.InputSchema,
	}
}

// Match 按优先级在目录中查找工具：
// 1) localName 完全相等；2) remoteName 完全相等；3) remoteName == "<service>.<requested>"。
// 每一级遍历整个目录，第一条命中即返回。
func Match(service, requested string, tools []mcp.ToolInfo) (Descriptor, bool) {
	descriptors := make([]Descriptor, len(tools))
	for i, info := range tools {
		descriptors[i] = Describe(service, info)
	}
	predicates := []func(Descriptor) bool{
		func(d Descriptor) bool { return d.LocalName == requested },
		func(d Descriptor) bool { return d.RemoteName == requested },
		func(d Descriptor) bool { return d.RemoteName == service+"."+requested },
	}
	for _, matches := range predicates {
		for _, d := range descriptors {
			if matches(d) {
				return d, true
			}
		}
	}
	return Descriptor{}, false
}

// SplitName 将 "<service>.<tool>" 按第一个点拆分。
func SplitName(fullName string) (service, tool string, err error) {
	fullName = strings.TrimSpace(fullName)
	idx := strings.Index(fullName, ".")
	if idx <= 0 || idx == len(fullName)-1 {
		return "", "", xerrors.New(xerrors.CodeInvalidArgument, "工具名必须形如 <service>.<tool>",
			xerrors.WithMetadata("tool", fullName))
	}
	return fullName[:idx], fullName[idx+1:], nil
}

// Namespace 返回工具全名中的服务部分，无法拆分时返回空串。
func Namespace(fullName string) string {
	service, _, err := SplitName(fullName)
	if err != nil {
		return ""
	}
	return service
}
