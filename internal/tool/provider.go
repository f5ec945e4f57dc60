package tool

import (
	"context"
	"strings"

	xerrors "MCP-Flow/internal/errors"
)

// Provider 是一条已建立的工具会话，支持调用命名操作。
// 实现不要求并发安全，连接池保证同一会话同一时刻只有一个持有者。
type Provider interface {
	// Invoke 调用指定操作并返回解码后的结果载荷。
	// 工具自身上报的业务失败以 TOOL_EXECUTION_FAILED 返回，
	// 传输层故障以 CONNECTION_FAILED 返回。
	Invoke(ctx context.Context, action string, input map[string]any) (any, error)
	// Close 终止会话并释放底层资源。
	Close() error
}

// Connector 负责根据描述与注入后的环境建立工具会话。
type Connector interface {
	Connect(ctx context.Context, desc Descriptor, env map[string]string) (Provider, error)
}

// ConnectorFunc 允许用函数直接充当 Connector。
type ConnectorFunc func(ctx context.Context, desc Descriptor, env map[string]string) (Provider, error)

// Connect 实现 Connector 接口。
func (f ConnectorFunc) Connect(ctx context.Context, desc Descriptor, env map[string]string) (Provider, error) {
	return f(ctx, desc, env)
}

// DefaultConnector 根据启动方式选择子进程或 HTTP 接入。
type DefaultConnector struct{}

// Connect 实现 Connector 接口。
func (DefaultConnector) Connect(ctx context.Context, desc Descriptor, env map[string]string) (Provider, error) {
	if desc.Launch.IsProcess() {
		return DialStdio(ctx, desc, env)
	}
	if strings.TrimSpace(desc.Launch.Endpoint) != "" {
		return NewHTTPProvider(desc, env)
	}
	return nil, xerrors.New(xerrors.CodeInvalidArgument, "工具 "+desc.Name+" 没有可用的接入方式")
}
