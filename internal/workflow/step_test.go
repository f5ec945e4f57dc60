package workflow

import (
	"testing"
)

func TestNewStateNumbersStepsFromOne(t *testing.T) {
	state := NewState("goal", []*Step{
		{Tool: "echo", Action: "a"},
		{Tool: "echo", Action: "b"},
	})
	if state.Steps[0].Index != 1 || state.Steps[1].Index != 2 {
		t.Fatalf("编号不符: %+v", state.Steps)
	}
	if state.Steps[0].Status != StatusPending {
		t.Fatalf("初始状态应为 pending, got %s", state.Steps[0].Status)
	}
	if state.Current() != state.Steps[0] {
		t.Fatal("游标应指向第一个步骤")
	}
}

func TestStateAdvanceAndPartition(t *testing.T) {
	state := NewState("goal", []*Step{
		{Tool: "echo", Action: "a"},
		{Tool: "echo", Action: "b"},
		{Tool: "echo", Action: "c"},
	})

	state.Advance()
	if got := len(state.Completed()); got != 1 {
		t.Fatalf("已完成步骤数不符: %d", got)
	}
	if got := len(state.Remaining()); got != 2 {
		t.Fatalf("剩余步骤数不符: %d", got)
	}

	state.Advance()
	state.Advance()
	if state.Current() != nil {
		t.Fatal("计划耗尽后 Current 应返回 nil")
	}
	if state.Remaining() != nil {
		t.Fatal("计划耗尽后 Remaining 应返回 nil")
	}
}

func TestReplaceTailKeepsCompletedPrefix(t *testing.T) {
	state := NewState("goal", []*Step{
		{Tool: "echo", Action: "done"},
		{Tool: "echo", Action: "old-1"},
		{Tool: "echo", Action: "old-2"},
	})
	state.Steps[0].Status = StatusSucceeded
	state.Advance()

	state.ReplaceTail([]*Step{
		{Tool: "echo", Action: "new-1", Attempts: 5},
		{Tool: "echo", Action: "new-2"},
		{Tool: "echo", Action: "new-3"},
	})

	if len(state.Steps) != 4 {
		t.Fatalf("替换后步骤总数不符: %d", len(state.Steps))
	}
	// 游标之前的步骤保持原样。
	if state.Steps[0].Action != "done" || state.Steps[0].Index != 1 {
		t.Fatalf("已完成前缀被破坏: %+v", state.Steps[0])
	}
	// 新步骤从游标位置重新编号，尝试计数归零。
	for i, step := range state.Steps[1:] {
		if step.Index != i+2 {
			t.Fatalf("新步骤编号不符: %+v", step)
		}
		if step.Attempts != 0 {
			t.Fatalf("新步骤尝试计数应归零: %+v", step)
		}
		if step.Status != StatusPending {
			t.Fatalf("新步骤状态应为 pending: %+v", step)
		}
	}
	if state.TotalEverPlanned != 6 {
		t.Fatalf("累计规划步骤数不符: %d", state.TotalEverPlanned)
	}
}

func TestLastSuccessSkipsFailures(t *testing.T) {
	state := NewState("goal", []*Step{
		{Tool: "echo", Action: "a"},
		{Tool: "echo", Action: "b"},
	})
	state.Steps[0].Status = StatusSucceeded
	state.Results[1] = StepResult{Index: 1, Formatted: "first"}
	state.Steps[1].Status = StatusFailed

	last := state.LastSuccess()
	if last == nil || last.Formatted != "first" {
		t.Fatalf("应返回最后一个成功结果: %+v", last)
	}
}

func TestSummarizeCountsByStatus(t *testing.T) {
	state := NewState("goal", []*Step{
		{Tool: "echo", Action: "a"},
		{Tool: "echo", Action: "b"},
		{Tool: "echo", Action: "c"},
	})
	state.Steps[0].Status = StatusSucceeded
	state.Steps[1].Status = StatusFailed

	summary := state.Summarize()
	if summary.Total != 3 || summary.Succeeded != 1 || summary.Failed != 1 {
		t.Fatalf("统计不符: %+v", summary)
	}
}
