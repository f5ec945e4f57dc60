package workflow

import "context"

// Planner 根据目标与可用工具生成初始执行计划。
type Planner interface {
	Plan(ctx context.Context, goal string) ([]*Step, error)
}

// DecisionAction 枚举观察者可以做出的决策。
type DecisionAction string

const (
	// DecisionContinue 维持剩余计划不变。
	DecisionContinue DecisionAction = "continue"
	// DecisionReplace 用新的步骤替换剩余计划。
	DecisionReplace DecisionAction = "replace"
	// DecisionHalt 提前结束：目标已经达成，或被判定已无法达成，
	// 剩余步骤不再执行。
	DecisionHalt DecisionAction = "halt"
)

// Decision 是观察者对当前执行状态的判断结果。
// Unrecoverable 只在 halt 时有意义：为 true 表示目标无法达成，
// 运行以失败收尾而非成功。
type Decision struct {
	Action        DecisionAction
	NewSteps      []*Step
	Reason        string
	Unrecoverable bool
}

// Observer 在执行过程中复盘已有结果，决定是否调整剩余计划。
// 观察失败时调用方按 continue 处理，绝不因观察者出错中断工作流。
type Observer interface {
	Observe(ctx context.Context, state *State) (Decision, error)
}
