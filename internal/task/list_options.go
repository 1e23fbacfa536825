package task

import (
	"slices"
	"strings"
	"time"
)

// SortOrder 决定列表按 UpdatedAt 的排序方向。
type SortOrder int

const (
	SortByUpdatedDesc SortOrder = iota
	SortByUpdatedAsc
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions 是运行列表与统计共用的过滤条件，零值表示不过滤。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Profile    string
	ErrorCodes []string
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	Query      string
}

func (opts *ListOptions) applyDefaults() {
	switch {
	case opts.Limit <= 0:
		opts.Limit = defaultListLimit
	case opts.Limit > maxListLimit:
		opts.Limit = maxListLimit
	}
	opts.Offset = max(opts.Offset, 0)
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	opts.ErrorCodes = normalizeCodes(opts.ErrorCodes)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Profile = strings.ToLower(strings.TrimSpace(opts.Profile))
	opts.Query = strings.TrimSpace(opts.Query)
}

// matches 判断运行是否满足过滤条件，分页与排序不在此处处理。
func (opts ListOptions) matches(t *Task) bool {
	if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, t.Status) {
		return false
	}
	if opts.Profile != "" && !strings.EqualFold(t.Profile, opts.Profile) {
		return false
	}
	if len(opts.ErrorCodes) > 0 && !slices.Contains(opts.ErrorCodes, t.ErrorCode) {
		return false
	}
	if opts.UpdatedGTE > 0 && t.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && t.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && (t.Result != nil) != *opts.HasResult {
		return false
	}
	if opts.Query != "" {
		haystack := strings.ToLower(strings.Join([]string{t.ID, t.Summary, t.Profile, t.LastError}, "\n"))
		if !strings.Contains(haystack, strings.ToLower(opts.Query)) {
			return false
		}
	}
	return true
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 只返回指定状态的运行，未知状态被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithProfile 只返回使用指定合规档位提交的运行。
func WithProfile(profile string) ListOption {
	return func(opts *ListOptions) { opts.Profile = profile }
}

// WithErrorCodes 按最近一次失败的错误码过滤，例如 POLICY_DENIED。
func WithErrorCodes(codes ...string) ListOption {
	return func(opts *ListOptions) {
		opts.ErrorCodes = append(opts.ErrorCodes[:0], codes...)
	}
}

// WithUpdatedSince 过滤 UpdatedAt 不早于 ts 的运行。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedGTE = unixOrZero(ts) }
}

// WithUpdatedUntil 过滤 UpdatedAt 不晚于 ts 的运行。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedLTE = unixOrZero(ts) }
}

// WithResultPresence 按是否已写入执行结果过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) { opts.HasResult = &hasResult }
}

func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithQuery 在 id、summary、profile 与 last_error 中做不区分大小写的子串匹配。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

func normalizeStatuses(input []Status) []Status {
	var result []Status
	for _, status := range input {
		if IsValidStatus(status) && !slices.Contains(result, status) {
			result = append(result, status)
		}
	}
	return result
}

func normalizeCodes(input []string) []string {
	var result []string
	for _, code := range input {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code != "" && !slices.Contains(result, code) {
			result = append(result, code)
		}
	}
	return result
}

// ParseStatuses 解析逗号分隔的状态过滤，例如 "pending,failed"，未知值被丢弃。
func ParseStatuses(raw string) []Status {
	var statuses []Status
	for _, part := range splitList(raw) {
		statuses = append(statuses, Status(strings.ToLower(part)))
	}
	return normalizeStatuses(statuses)
}

// ParseErrorCodes 解析逗号分隔的错误码过滤。
func ParseErrorCodes(raw string) []string {
	return normalizeCodes(splitList(raw))
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
