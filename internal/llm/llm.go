package llm

import "context"

// Request 描述一次大模型调用：系统提示与用户提示。
type Request struct {
	System string
	Prompt string
}

// Response 是大模型返回的原始文本内容。
type Response struct {
	Content string
}

// Client 定义了调用大模型的统一接口。
// 规划器只依赖该接口，具体使用哪个模型由装配阶段决定。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
