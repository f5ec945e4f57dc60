package workflow

import (
	xerrors "MCP-Flow/internal/errors"
)

// Status 表示步骤在生命周期中的状态。
// 状态只能单向推进：pending → running → succeeded/failed，
// 失败后在重试额度内可以回到 pending。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Step 描述工作流中的一个待执行步骤。
type Step struct {
	Index      int            `json:"index"`
	Tool       string         `json:"tool"`
	Action     string         `json:"action"`
	Input      map[string]any `json:"input,omitempty"`
	Status     Status         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
}

// StepResult 保存一个已完成步骤的原始与格式化结果。
type StepResult struct {
	Index     int    `json:"index"`
	Raw       any    `json:"raw,omitempty"`
	Formatted string `json:"formatted,omitempty"`
}

// State 是一次工作流执行的完整运行时状态。
// cursor 只会前进；重规划只允许替换 cursor 及之后的步骤。
type State struct {
	Goal             string             `json:"goal"`
	Steps            []*Step            `json:"steps"`
	Cursor           int                `json:"cursor"`
	Results          map[int]StepResult `json:"results"`
	FailedStepCount  int                `json:"failed_step_count"`
	TotalEverPlanned int                `json:"total_ever_planned"`
}

// NewState 根据初始计划构建执行状态，步骤编号从 1 开始。
func NewState(goal string, steps []*Step) *State {
	for i, step := range steps {
		step.Index = i + 1
		if step.Status == "" {
			step.Status = StatusPending
		}
	}
	return &State{
		Goal:             goal,
		Steps:            steps,
		Cursor:           1,
		Results:          make(map[int]StepResult),
		TotalEverPlanned: len(steps),
	}
}

// Current 返回游标指向的步骤，计划耗尽时返回 nil。
func (s *State) Current() *Step {
	if s.Cursor < 1 || s.Cursor > len(s.Steps) {
		return nil
	}
	return s.Steps[s.Cursor-1]
}

// Advance 将游标移动到下一个步骤。
func (s *State) Advance() {
	s.Cursor++
}

// Completed 返回已经执行完毕（成功或终态失败）的步骤。
func (s *State) Completed() []*Step {
	if s.Cursor <= 1 {
		return nil
	}
	end := s.Cursor - 1
	if end > len(s.Steps) {
		end = len(s.Steps)
	}
	return s.Steps[:end]
}

// Remaining 返回游标及其之后尚未执行的步骤。
func (s *State) Remaining() []*Step {
	if s.Cursor > len(s.Steps) {
		return nil
	}
	return s.Steps[s.Cursor-1:]
}

// ReplaceTail 用新的步骤序列替换游标及之后的部分。
// 游标之前的步骤保持原编号不变，新步骤从游标位置开始重新编号。
func (s *State) ReplaceTail(newSteps []*Step) {
	kept := s.Steps[:s.Cursor-1]
	replaced := make([]*Step, 0, len(kept)+len(newSteps))
	replaced = append(replaced, kept...)
	for i, step := range newSteps {
		step.Index = s.Cursor + i
		if step.Status == "" {
			step.Status = StatusPending
		}
		step.Attempts = 0
		replaced = append(replaced, step)
	}
	s.Steps = replaced
	s.TotalEverPlanned += len(newSteps)
}

// LastSuccess 返回最后一个成功步骤的结果，没有则返回 nil。
func (s *State) LastSuccess() *StepResult {
	var last *StepResult
	for _, step := range s.Steps {
		if step.Status != StatusSucceeded {
			continue
		}
		if result, ok := s.Results[step.Index]; ok {
			resultCopy := result
			last = &resultCopy
		}
	}
	return last
}

// Summary 统计执行结果。
type Summary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Outcome 是一次工作流执行的终态记录。
type Outcome struct {
	Success     bool    `json:"success"`
	FinalResult any     `json:"final_result,omitempty"`
	HaltReason  string  `json:"halt_reason,omitempty"`
	Summary     Summary `json:"summary"`
}

// Summarize 根据当前状态生成统计信息。
func (s *State) Summarize() Summary {
	summary := Summary{Total: len(s.Steps)}
	for _, step := range s.Steps {
		switch step.Status {
		case StatusSucceeded:
			summary.Succeeded++
		case StatusFailed:
			summary.Failed++
		}
	}
	return summary
}

const (
	CodeWorkflowValidation xerrors.Code = "WORKFLOW_VALIDATION_FAILED"
	CodeWorkflowNotFound   xerrors.Code = "WORKFLOW_NOT_FOUND"
	CodeWorkflowConflict   xerrors.Code = "WORKFLOW_CONFLICT"
	CodeWorkflowPersist    xerrors.Code = "WORKFLOW_PERSIST_FAILED"
)

var (
	// ErrRunNotFound 表示指定的工作流运行记录不存在。
	ErrRunNotFound = xerrors.New(CodeWorkflowNotFound, "workflow run not found")
	// ErrRunConflict 表示同一运行记录被重复创建。
	ErrRunConflict = xerrors.New(CodeWorkflowConflict, "workflow run conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

func init() {
	xerrors.Register(CodeWorkflowValidation, xerrors.Attributes{
		Message:   "workflow validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowNotFound, xerrors.Attributes{
		Message:   "workflow run not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowConflict, xerrors.Attributes{
		Message:   "workflow run conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowPersist, xerrors.Attributes{
		Message:   "workflow persistence failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的步骤状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
