package planner

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	xerrors "MCP-Flow/internal/errors"
	"MCP-Flow/internal/knowledge"
	"MCP-Flow/internal/llm"
	"MCP-Flow/internal/tool"
	"MCP-Flow/internal/workflow"
	"MCP-Flow/pkg/logger"
)

const planSystemPrompt = `你是一个工作流规划器。根据用户目标与可用工具，输出一个 JSON 对象：
{"steps":[{"tool":"工具名","action":"动作名","input":{...}}]}
要求：
1. 只使用给出的工具与动作，不要编造。
2. 步骤按执行顺序排列，每一步只做一件事。
3. 只输出 JSON，不要输出解释文字。`

const observeSystemPrompt = `你是一个工作流观察者。根据目标、已完成步骤的结果与剩余计划，输出一个 JSON 对象：
{"action":"continue|replace|halt","reason":"...","unrecoverable":false,"steps":[{"tool":"...","action":"...","input":{...}}]}
要求：
1. 目标已经达成时输出 halt。
2. 判断目标已无法达成时同样输出 halt，并把 unrecoverable 置为 true。
3. 剩余计划仍然合理时输出 continue。
4. 需要调整时输出 replace，steps 为新的剩余步骤。
5. 只输出 JSON，不要输出解释文字。`

// LLMPlanner 借助大模型生成与调整执行计划。
// 同时实现 workflow.Planner 与 workflow.Observer。
type LLMPlanner struct {
	client    llm.Client
	registry  *tool.Registry
	knowledge knowledge.Provider
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*LLMPlanner)

// WithKnowledge 配置规划提示库，命中的条目会附加到规划提示词中。
func WithKnowledge(provider knowledge.Provider) Option {
	return func(p *LLMPlanner) {
		p.knowledge = provider
	}
}

// New 构造 LLMPlanner。
func New(client llm.Client, registry *tool.Registry, opts ...Option) *LLMPlanner {
	p := &LLMPlanner{
		client:   client,
		registry: registry,
		logger:   logger.Named("planner"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// plannedStep 是模型输出中的单个步骤。
type plannedStep struct {
	Tool   string         `json:"tool"`
	Action string         `json:"action"`
	Input  map[string]any `json:"input"`
}

// Plan 实现 workflow.Planner。
func (p *LLMPlanner) Plan(ctx context.Context, goal string) ([]*workflow.Step, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "目标不能为空")
	}

	var prompt strings.Builder
	prompt.WriteString("目标: ")
	prompt.WriteString(goal)
	prompt.WriteString("\n\n可用工具:\n")
	prompt.WriteString(p.registry.ActionSummary())
	if p.knowledge != nil {
		if snippets := p.knowledge.Query(goal); len(snippets) > 0 {
			prompt.WriteString("\n\n参考经验:\n")
			for _, snippet := range snippets {
				prompt.WriteString("- ")
				prompt.WriteString(snippet.Title)
				prompt.WriteString(": ")
				prompt.WriteString(snippet.Content)
				prompt.WriteString("\n")
			}
		}
	}

	resp, err := p.client.Complete(ctx, llm.Request{
		System: planSystemPrompt,
		Prompt: prompt.String(),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlanningFailed, err, "调用规划模型失败")
	}

	var decoded struct {
		Steps []plannedStep `json:"steps"`
	}
	if err := decodeModelJSON(resp.Content, &decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlanningFailed, err, "解析规划输出失败")
	}
	if len(decoded.Steps) == 0 {
		return nil, xerrors.New(xerrors.CodePlanningFailed, "规划输出中没有步骤")
	}

	steps, err := p.toSteps(decoded.Steps)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("生成执行计划",
		slog.String("goal", goal),
		slog.Int("steps", len(steps)),
	)
	return steps, nil
}

// Observe 实现 workflow.Observer。
// 模型输出无法解析时按 continue 处理，绝不中断执行。
func (p *LLMPlanner) Observe(ctx context.Context, state *workflow.State) (workflow.Decision, error) {
	var prompt strings.Builder
	prompt.WriteString("目标: ")
	prompt.WriteString(state.Goal)
	prompt.WriteString("\n\n已完成步骤:\n")
	for _, step := range state.Completed() {
		prompt.WriteString("- 步骤 ")
		prompt.WriteString(itoa(step.Index))
		prompt.WriteString(" [")
		prompt.WriteString(step.Tool)
		prompt.WriteString("/")
		prompt.WriteString(step.Action)
		prompt.WriteString("] ")
		prompt.WriteString(string(step.Status))
		if result, ok := state.Results[step.Index]; ok && result.Formatted != "" {
			prompt.WriteString("\n  结果: ")
			prompt.WriteString(truncate(result.Formatted, 500))
		}
		prompt.WriteString("\n")
	}
	prompt.WriteString("\n剩余计划:\n")
	for _, step := range state.Remaining() {
		prompt.WriteString("- 步骤 ")
		prompt.WriteString(itoa(step.Index))
		prompt.WriteString(" [")
		prompt.WriteString(step.Tool)
		prompt.WriteString("/")
		prompt.WriteString(step.Action)
		prompt.WriteString("]\n")
	}
	prompt.WriteString("\n可用工具:\n")
	prompt.WriteString(p.registry.ActionSummary())

	resp, err := p.client.Complete(ctx, llm.Request{
		System: observeSystemPrompt,
		Prompt: prompt.String(),
	})
	if err != nil {
		return workflow.Decision{Action: workflow.DecisionContinue},
			xerrors.Wrap(xerrors.CodePlanningFailed, err, "调用观察模型失败")
	}

	var decoded struct {
		Action        string        `json:"action"`
		Reason        string        `json:"reason"`
		Unrecoverable bool          `json:"unrecoverable"`
		Steps         []plannedStep `json:"steps"`
	}
	if err := decodeModelJSON(resp.Content, &decoded); err != nil {
		p.logger.Warn("解析观察输出失败，维持原计划", slog.Any("error", err))
		return workflow.Decision{Action: workflow.DecisionContinue}, nil
	}

	switch strings.ToLower(strings.TrimSpace(decoded.Action)) {
	case string(workflow.DecisionHalt):
		return workflow.Decision{
			Action:        workflow.DecisionHalt,
			Reason:        decoded.Reason,
			Unrecoverable: decoded.Unrecoverable,
		}, nil
	case string(workflow.DecisionReplace):
		steps, err := p.toSteps(decoded.Steps)
		if err != nil || len(steps) == 0 {
			p.logger.Warn("替换计划不合法，维持原计划", slog.Any("error", err))
			return workflow.Decision{Action: workflow.DecisionContinue}, nil
		}
		return workflow.Decision{
			Action:   workflow.DecisionReplace,
			NewSteps: steps,
			Reason:   decoded.Reason,
		}, nil
	default:
		return workflow.Decision{Action: workflow.DecisionContinue, Reason: decoded.Reason}, nil
	}
}

// toSteps 校验模型输出的步骤引用的工具与动作确实存在。
func (p *LLMPlanner) toSteps(planned []plannedStep) ([]*workflow.Step, error) {
	steps := make([]*workflow.Step, 0, len(planned))
	for _, item := range planned {
		desc, err := p.registry.Lookup(item.Tool)
		if err != nil {
			return nil, xerrors.New(xerrors.CodePlanningFailed, "计划引用了未注册的工具: "+item.Tool)
		}
		if !hasAction(desc, item.Action) {
			return nil, xerrors.New(xerrors.CodePlanningFailed,
				"工具 "+item.Tool+" 不支持动作: "+item.Action)
		}
		steps = append(steps, &workflow.Step{
			Tool:   item.Tool,
			Action: item.Action,
			Input:  item.Input,
		})
	}
	return steps, nil
}

func hasAction(desc tool.Descriptor, action string) bool {
	if len(desc.DeclaredActions) == 0 {
		return true
	}
	for _, declared := range desc.DeclaredActions {
		if declared.Name == action {
			return true
		}
	}
	return false
}

// decodeModelJSON 解析模型输出中的 JSON。
// 先剥离 Markdown 代码块，再在直接解析失败时用 jsonrepair 修复。
func decodeModelJSON(content string, target any) error {
	cleaned := stripCodeFence(content)
	if err := json.Unmarshal([]byte(cleaned), target); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(cleaned)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(repaired), target)
}

// stripCodeFence 去掉 ```json ... ``` 包裹并裁剪到最外层大括号。
func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return trimmed[start : end+1]
	}
	return trimmed
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
