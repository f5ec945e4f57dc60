package workflow

import "encoding/json"

// RunStatus 表示一次工作流运行的整体状态。
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunHalted    RunStatus = "halted"
)

// IsValidRunStatus 检查运行状态是否为支持的枚举值。
func IsValidRunStatus(status RunStatus) bool {
	switch status {
	case RunPending, RunRunning, RunSucceeded, RunFailed, RunHalted:
		return true
	default:
		return false
	}
}

// Terminal 判断运行是否已进入终态。
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunHalted
}

// StepRecord 是持久化的单步执行记录。
// 原始结果以 JSON 原样落库，即使事件流只下发了有界摘要。
type StepRecord struct {
	Index     int             `json:"index"`
	Tool      string          `json:"tool"`
	Action    string          `json:"action"`
	Status    Status          `json:"status"`
	Attempts  int             `json:"attempts"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	Formatted string          `json:"formatted,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
}

// Run 是一次工作流运行的持久化记录。
type Run struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Goal        string       `json:"goal"`
	Status      RunStatus    `json:"status"`
	Steps       []StepRecord `json:"steps,omitempty"`
	FinalResult string       `json:"final_result,omitempty"`
	HaltReason  string       `json:"halt_reason,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	CreatedAt   int64        `json:"created_at"`
	UpdatedAt   int64        `json:"updated_at"`
}

func cloneRun(run *Run) *Run {
	clone := *run
	if run.Steps != nil {
		clone.Steps = append([]StepRecord(nil), run.Steps...)
	}
	return &clone
}

// RunStats 统计符合过滤条件的运行数量与更新时间范围。
type RunStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	Halted          int   `json:"halted"`
	OldestUpdatedAt int64 `json:"oldest_updated_at"`
	NewestUpdatedAt int64 `json:"newest_updated_at"`
}
