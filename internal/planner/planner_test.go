package planner

import (
	"context"
	"errors"
	"testing"

	xerrors "MCP-Flow/internal/errors"
	"MCP-Flow/internal/llm"
	"MCP-Flow/internal/tool"
	"MCP-Flow/internal/workflow"
)

type fakeClient struct {
	content string
	err     error
	prompts []string
}

func (c *fakeClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.prompts = append(c.prompts, req.Prompt)
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Response{Content: c.content}, nil
}

func testRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	registry, err := tool.NewRegistry([]tool.Descriptor{
		{
			Name:   "web_search",
			Launch: tool.LaunchSpec{Endpoint: "http://localhost:9101"},
			DeclaredActions: []tool.Action{
				{Name: "search", Description: "搜索网页"},
			},
		},
		{
			Name:   "filesystem",
			Launch: tool.LaunchSpec{Command: "mcp-tool-fs"},
		},
	})
	if err != nil {
		t.Fatalf("构建工具注册表失败: %v", err)
	}
	return registry
}

func TestPlanParsesModelOutput(t *testing.T) {
	client := &fakeClient{content: `{"steps":[
		{"tool":"web_search","action":"search","input":{"query":"eth price"}},
		{"tool":"filesystem","action":"read_file","input":{"path":"/tmp/x"}}
	]}`}
	planner := New(client, testRegistry(t))

	steps, err := planner.Plan(context.Background(), "查询以太坊价格并保存")
	if err != nil {
		t.Fatalf("规划失败: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("步骤数不符: %d", len(steps))
	}
	if steps[0].Tool != "web_search" || steps[0].Action != "search" {
		t.Fatalf("第一步不符: %+v", steps[0])
	}
	if steps[0].Input["query"] != "eth price" {
		t.Fatalf("输入参数丢失: %+v", steps[0].Input)
	}
}

func TestPlanStripsCodeFence(t *testing.T) {
	client := &fakeClient{content: "好的，计划如下：\n```json\n{\"steps\":[{\"tool\":\"web_search\",\"action\":\"search\",\"input\":{}}]}\n```"}
	planner := New(client, testRegistry(t))

	steps, err := planner.Plan(context.Background(), "搜索")
	if err != nil {
		t.Fatalf("带代码块的输出应能解析: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("步骤数不符: %d", len(steps))
	}
}

func TestPlanRepairsSloppyJSON(t *testing.T) {
	// 尾逗号与单引号交给 jsonrepair 兜底。
	client := &fakeClient{content: `{"steps":[{"tool":"web_search","action":"search","input":{},},]}`}
	planner := New(client, testRegistry(t))

	steps, err := planner.Plan(context.Background(), "搜索")
	if err != nil {
		t.Fatalf("可修复的输出不应失败: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("步骤数不符: %d", len(steps))
	}
}

func TestPlanRejectsUnknownTool(t *testing.T) {
	client := &fakeClient{content: `{"steps":[{"tool":"nonexistent","action":"x","input":{}}]}`}
	planner := New(client, testRegistry(t))

	_, err := planner.Plan(context.Background(), "目标")
	if err == nil {
		t.Fatal("引用未注册工具的计划应被拒绝")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodePlanningFailed {
		t.Fatalf("期望 PLANNING_FAILED, got %s", code)
	}
}

func TestPlanRejectsUndeclaredAction(t *testing.T) {
	client := &fakeClient{content: `{"steps":[{"tool":"web_search","action":"delete_everything","input":{}}]}`}
	planner := New(client, testRegistry(t))

	if _, err := planner.Plan(context.Background(), "目标"); err == nil {
		t.Fatal("未声明的动作应被拒绝")
	}
}

func TestPlanRejectsEmptyGoal(t *testing.T) {
	planner := New(&fakeClient{}, testRegistry(t))
	if _, err := planner.Plan(context.Background(), "   "); err == nil {
		t.Fatal("空目标应被拒绝")
	}
}

func TestObserveFallsBackToContinue(t *testing.T) {
	client := &fakeClient{content: "这不是 JSON 也无法修复成有意义的决策"}
	planner := New(client, testRegistry(t))
	state := workflow.NewState("目标", []*workflow.Step{
		{Tool: "web_search", Action: "search"},
	})

	decision, err := planner.Observe(context.Background(), state)
	if err != nil {
		t.Fatalf("无法解析的观察输出不应报错: %v", err)
	}
	if decision.Action != workflow.DecisionContinue {
		t.Fatalf("解析失败应维持原计划, got %s", decision.Action)
	}
}

func TestObserveHalt(t *testing.T) {
	client := &fakeClient{content: `{"action":"halt","reason":"目标已达成"}`}
	planner := New(client, testRegistry(t))
	state := workflow.NewState("目标", []*workflow.Step{
		{Tool: "web_search", Action: "search"},
	})

	decision, err := planner.Observe(context.Background(), state)
	if err != nil {
		t.Fatalf("观察失败: %v", err)
	}
	if decision.Action != workflow.DecisionHalt || decision.Reason != "目标已达成" {
		t.Fatalf("决策不符: %+v", decision)
	}
	if decision.Unrecoverable {
		t.Fatal("未标记 unrecoverable 的 halt 应视为目标达成")
	}
}

func TestObserveHaltUnrecoverable(t *testing.T) {
	client := &fakeClient{content: `{"action":"halt","reason":"接口已下线","unrecoverable":true}`}
	planner := New(client, testRegistry(t))
	state := workflow.NewState("目标", []*workflow.Step{
		{Tool: "web_search", Action: "search"},
	})

	decision, err := planner.Observe(context.Background(), state)
	if err != nil {
		t.Fatalf("观察失败: %v", err)
	}
	if decision.Action != workflow.DecisionHalt || !decision.Unrecoverable {
		t.Fatalf("决策不符: %+v", decision)
	}
	if decision.Reason != "接口已下线" {
		t.Fatalf("原因不符: %q", decision.Reason)
	}
}

func TestObserveReplaceValidatesSteps(t *testing.T) {
	// 替换计划引用了未注册的工具时按 continue 处理。
	client := &fakeClient{content: `{"action":"replace","reason":"r","steps":[{"tool":"ghost","action":"x","input":{}}]}`}
	planner := New(client, testRegistry(t))
	state := workflow.NewState("目标", []*workflow.Step{
		{Tool: "web_search", Action: "search"},
	})

	decision, err := planner.Observe(context.Background(), state)
	if err != nil {
		t.Fatalf("观察失败: %v", err)
	}
	if decision.Action != workflow.DecisionContinue {
		t.Fatalf("非法替换计划应维持原计划, got %s", decision.Action)
	}
}

func TestObserveModelErrorKeepsPlan(t *testing.T) {
	client := &fakeClient{err: errors.New("model offline")}
	planner := New(client, testRegistry(t))
	state := workflow.NewState("目标", []*workflow.Step{
		{Tool: "web_search", Action: "search"},
	})

	decision, err := planner.Observe(context.Background(), state)
	if err == nil {
		t.Fatal("模型调用失败应返回错误供调用方记录")
	}
	if decision.Action != workflow.DecisionContinue {
		t.Fatalf("模型失败时仍应返回 continue, got %s", decision.Action)
	}
}

func TestStripCodeFence(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"{\"a\":1}", "{\"a\":1}"},
		{"```json\n{\"a\":1}\n```", "{\"a\":1}"},
		{"前缀说明 {\"a\":1} 后缀说明", "{\"a\":1}"},
	}
	for _, tc := range cases {
		if got := stripCodeFence(tc.in); got != tc.want {
			t.Fatalf("stripCodeFence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
