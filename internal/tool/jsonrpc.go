package tool

import (
	"fmt"
	"sync/atomic"
)

// 工具提供方之间采用 JSON-RPC 2.0 帧通信。
const jsonRPCVersion = "2.0"

// rpcRequest 表示一次 JSON-RPC 请求。
type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// rpcResponse 表示一次 JSON-RPC 响应。
type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError 是工具提供方上报的结构化错误。
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error 实现 error 接口。
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("JSON-RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// idGenerator 为并发请求生成唯一 ID。
type idGenerator struct {
	counter atomic.Int64
}

func (g *idGenerator) next() int64 {
	return g.counter.Add(1)
}

func newInvokeRequest(id int64, action string, input map[string]any) *rpcRequest {
	return &rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Method:  "tools/invoke",
		Params: map[string]any{
			"action": action,
			"input":  input,
		},
	}
}
