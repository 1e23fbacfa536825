package task

// TaskStats 汇总符合过滤条件的运行，供仪表盘与 /runs/stats 使用。
// FailuresByCode 按失败运行的错误码计数，例如策略拒绝的 POLICY_DENIED。
type TaskStats struct {
	Total           int            `json:"total"`
	Pending         int            `json:"pending"`
	Running         int            `json:"running"`
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	FailuresByCode  map[string]int `json:"failures_by_code,omitempty"`
	OldestUpdatedAt int64          `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64          `json:"newest_updated_at,omitempty"`
}

// add 把一条运行计入统计。
func (s *TaskStats) add(t *Task) {
	s.Total++
	switch t.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
		s.countFailure(t.ErrorCode, 1)
	}
	if t.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = t.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (t.UpdatedAt != 0 && t.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = t.UpdatedAt
	}
}

func (s *TaskStats) countFailure(code string, n int) {
	if code == "" {
		code = "UNKNOWN"
	}
	if s.FailuresByCode == nil {
		s.FailuresByCode = map[string]int{}
	}
	s.FailuresByCode[code] += n
}
