package workflow

import (
	"MCP-Flow/internal/transmit"
)

// EventType 枚举事件流中的事件种类。
type EventType string

const (
	EventExecutionStart  EventType = "execution_start"
	EventStepStart       EventType = "step_start"
	EventStepRawResult   EventType = "step_raw_result"
	EventStepResultChunk EventType = "step_result_chunk"
	EventStepComplete    EventType = "step_complete"
	EventStepError       EventType = "step_error"
	EventAdapted         EventType = "workflow_adapted"
	EventComplete        EventType = "workflow_complete"
	EventFatal           EventType = "error"
	EventStreamEnd       EventType = "stream_end"
)

// Event 是事件流中的一条记录。
// 字段按事件种类选择性填充，序列化时省略空值。
type Event struct {
	Type  EventType `json:"type"`
	RunID string    `json:"run_id,omitempty"`

	// execution_start
	Goal       string `json:"goal,omitempty"`
	TotalSteps int    `json:"total_steps,omitempty"`

	// step_*
	Index   int            `json:"index,omitempty"`
	Tool    string         `json:"tool,omitempty"`
	Action  string         `json:"action,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
	Attempt int            `json:"attempt,omitempty"`

	// step_raw_result：原始内容与摘要二选一，
	// SizeBytes 始终为编码后的完整字节数。
	Raw        any                  `json:"raw,omitempty"`
	RawSummary *transmit.RawSummary `json:"raw_summary,omitempty"`
	SizeBytes  int                  `json:"size_bytes,omitempty"`

	// step_result_chunk
	Chunk string `json:"chunk,omitempty"`

	// step_complete
	Formatted string `json:"formatted,omitempty"`

	// step_error / error
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
	WillRetry bool   `json:"will_retry,omitempty"`

	// workflow_adapted
	AtIndex      int    `json:"at_index,omitempty"`
	Reason       string `json:"reason,omitempty"`
	NewStepCount int    `json:"new_step_count,omitempty"`

	// workflow_complete
	Success     bool     `json:"success,omitempty"`
	FinalResult any      `json:"final_result,omitempty"`
	HaltReason  string   `json:"halt_reason,omitempty"`
	Summary     *Summary `json:"summary,omitempty"`
}

// Sink 接收执行过程中产生的事件，调用按产生顺序串行进行。
type Sink interface {
	Emit(event Event)
}

// SinkFunc 把函数适配为 Sink。
type SinkFunc func(event Event)

// Emit 实现 Sink。
func (f SinkFunc) Emit(event Event) { f(event) }

// NopSink 丢弃所有事件。
var NopSink Sink = SinkFunc(func(Event) {})

// CollectSink 把事件收集到切片中，主要用于测试。
type CollectSink struct {
	Events []Event
}

// Emit 实现 Sink。
func (c *CollectSink) Emit(event Event) {
	c.Events = append(c.Events, event)
}
