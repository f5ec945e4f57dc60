package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"MCP-Flow/internal/credential"
	"MCP-Flow/internal/pool"
	"MCP-Flow/internal/tool"
	"MCP-Flow/internal/transmit"
	"MCP-Flow/internal/workflow"
)

type echoProvider struct{}

func (echoProvider) Invoke(_ context.Context, action string, _ map[string]any) (any, error) {
	return "done: " + action, nil
}

func (echoProvider) Close() error { return nil }

type fixedPlanner struct {
	steps []*workflow.Step
}

func (p *fixedPlanner) Plan(context.Context, string) ([]*workflow.Step, error) {
	steps := make([]*workflow.Step, len(p.steps))
	for i, step := range p.steps {
		clone := *step
		steps[i] = &clone
	}
	return steps, nil
}

// newTestServer 组装一个全内存的服务实例。
func newTestServer(t *testing.T) (*Server, *workflow.MemoryStore, *credential.MemoryStore) {
	t.Helper()

	registry, err := tool.NewRegistry([]tool.Descriptor{
		{Name: "echo", Launch: tool.LaunchSpec{Command: "fake-echo"}},
	})
	if err != nil {
		t.Fatalf("构建工具注册表失败: %v", err)
	}
	secrets := credential.NewMemoryStore()
	connector := tool.ConnectorFunc(func(context.Context, tool.Descriptor, map[string]string) (tool.Provider, error) {
		return echoProvider{}, nil
	})
	p := pool.New(pool.Config{}, registry, credential.NewInjector(secrets), connector)
	t.Cleanup(func() { p.Close() })

	store := workflow.NewMemoryStore()
	planner := &fixedPlanner{steps: []*workflow.Step{
		{Tool: "echo", Action: "fetch"},
		{Tool: "echo", Action: "render"},
	}}
	engine := workflow.NewEngine(planner, workflow.NewStepExecutor(p, 0), transmit.New(),
		workflow.WithRecorder(workflow.NewSyncRecorder(store)),
	)
	service := workflow.NewService(store, engine)
	server := NewServer(":0", service, p, WithCredentialWriter(secrets))
	return server, store, secrets
}

func TestSubmitWorkflowStreamsNDJSON(t *testing.T) {
	server, store, _ := newTestServer(t)

	body := strings.NewReader(`{"user_id":"alice","goal":"拉取并渲染"}`)
	req := httptest.NewRequest("POST", "/api/v1/workflows", body)
	rec := httptest.NewRecorder()
	server.handleWorkflows(rec, req)

	if rec.Code != 200 {
		t.Fatalf("状态码不符: %d, body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/x-ndjson" {
		t.Fatalf("Content-Type 不符: %s", got)
	}

	var events []workflow.Event
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event workflow.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			t.Fatalf("事件行解析失败: %v (%s)", err, line)
		}
		events = append(events, event)
	}

	if len(events) == 0 {
		t.Fatal("事件流为空")
	}
	if events[0].Type != workflow.EventExecutionStart {
		t.Fatalf("首个事件应为 execution_start, got %s", events[0].Type)
	}
	if last := events[len(events)-1]; last.Type != workflow.EventStreamEnd {
		t.Fatalf("事件流应以 stream_end 收尾, got %s", last.Type)
	}

	var complete *workflow.Event
	for i := range events {
		if events[i].Type == workflow.EventComplete {
			complete = &events[i]
		}
	}
	if complete == nil || !complete.Success {
		t.Fatalf("workflow_complete 不符: %+v", complete)
	}

	// 运行记录同步落库，可按 run_id 查询。
	run, err := store.Get(context.Background(), events[0].RunID)
	if err != nil {
		t.Fatalf("查询运行记录失败: %v", err)
	}
	if run.Status != workflow.RunSucceeded {
		t.Fatalf("终态不符: %s", run.Status)
	}
}

func TestSubmitWorkflowRejectsEmptyGoal(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/v1/workflows", strings.NewReader(`{"user_id":"alice","goal":""}`))
	rec := httptest.NewRecorder()
	server.handleWorkflows(rec, req)

	if rec.Code != 400 {
		t.Fatalf("空目标应返回 400, got %d", rec.Code)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/workflows/ghost", nil)
	rec := httptest.NewRecorder()
	server.handleWorkflow(rec, req)

	if rec.Code != 404 {
		t.Fatalf("不存在的运行应返回 404, got %d", rec.Code)
	}
}

func TestListWorkflowsFilters(t *testing.T) {
	server, store, _ := newTestServer(t)
	ctx := context.Background()
	for _, run := range []*workflow.Run{
		{ID: "a", UserID: "alice", Goal: "g1"},
		{ID: "b", UserID: "bob", Goal: "g2"},
	} {
		if err := store.Create(ctx, run); err != nil {
			t.Fatalf("创建运行记录失败: %v", err)
		}
	}

	req := httptest.NewRequest("GET", "/api/v1/workflows?user=alice", nil)
	rec := httptest.NewRecorder()
	server.handleWorkflows(rec, req)

	if rec.Code != 200 {
		t.Fatalf("状态码不符: %d", rec.Code)
	}
	var runs []*workflow.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("响应解析失败: %v", err)
	}
	if len(runs) != 1 || runs[0].UserID != "alice" {
		t.Fatalf("过滤结果不符: %+v", runs)
	}
}

func TestCredentialsEndpointNeverEchoesSecrets(t *testing.T) {
	server, _, secrets := newTestServer(t)

	body := strings.NewReader(`{"user_id":"alice","tool":"echo","secrets":{"API_KEY":"super-secret"}}`)
	req := httptest.NewRequest("PUT", "/api/v1/credentials", body)
	rec := httptest.NewRecorder()
	server.handleCredentials(rec, req)

	if rec.Code != 200 {
		t.Fatalf("状态码不符: %d, body=%s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "super-secret") {
		t.Fatal("响应不得回显密钥")
	}

	stored, err := secrets.Lookup(context.Background(), "alice", "echo")
	if err != nil {
		t.Fatalf("读取凭证失败: %v", err)
	}
	if stored["API_KEY"] != "super-secret" {
		t.Fatalf("凭证未写入: %+v", stored)
	}

	// 删除后查询应得到空集。
	req = httptest.NewRequest("DELETE", "/api/v1/credentials", strings.NewReader(`{"user_id":"alice","tool":"echo"}`))
	rec = httptest.NewRecorder()
	server.handleCredentials(rec, req)
	if rec.Code != 200 {
		t.Fatalf("删除失败: %d", rec.Code)
	}
	stored, err = secrets.Lookup(context.Background(), "alice", "echo")
	if err != nil {
		t.Fatalf("读取凭证失败: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("删除后仍有凭证: %+v", stored)
	}
}

func TestCredentialsEndpointValidatesRequest(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest("PUT", "/api/v1/credentials", strings.NewReader(`{"user_id":"","tool":"echo"}`))
	rec := httptest.NewRecorder()
	server.handleCredentials(rec, req)
	if rec.Code != 400 {
		t.Fatalf("缺少 user_id 应返回 400, got %d", rec.Code)
	}
}
