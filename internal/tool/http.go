package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "MCP-Flow/internal/errors"
)

const defaultHTTPTimeout = 120 * time.Second

// HTTPProvider 通过远程端点调用工具，每次操作对应一次 POST 请求。
type HTTPProvider struct {
	toolName   string
	endpoint   string
	headers    http.Header
	httpClient *http.Client
}

// NewHTTPProvider 根据描述与注入后的环境构建 HTTP 工具会话。
// 环境模板中的每个键都会以 X-Tool-<Key> 头的形式随请求发送。
func NewHTTPProvider(desc Descriptor, env map[string]string) (*HTTPProvider, error) {
	endpoint := strings.TrimSpace(desc.Launch.Endpoint)
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工具 "+desc.Name+" 未配置远程端点")
	}

	headers := make(http.Header, len(env))
	for key, value := range env {
		headers.Set("X-Tool-"+canonicalHeaderKey(key), value)
	}

	return &HTTPProvider{
		toolName: desc.Name,
		endpoint: endpoint,
		headers:  headers,
		httpClient: &http.Client{
			Timeout: defaultHTTPTimeout,
		},
	}, nil
}

// Invoke 实现 Provider 接口。
func (p *HTTPProvider) Invoke(ctx context.Context, action string, input map[string]any) (any, error) {
	payload, err := json.Marshal(map[string]any{
		"action": action,
		"input":  input,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailed, err, "序列化工具请求失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailed, err, "构建工具请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range p.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailed, err, "请求工具端点失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeConnectionFailed,
			"工具端点返回状态 "+resp.Status+": "+strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Result any       `json:"result"`
		Error  *RPCError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailed, err, "解析工具响应失败")
	}
	if decoded.Error != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolExecution, decoded.Error, "工具 "+p.toolName+" 执行 "+action+" 失败")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, xerrors.New(xerrors.CodeToolExecution, "工具端点返回状态 "+resp.Status)
	}
	return decoded.Result, nil
}

// Close 对无状态的 HTTP 会话无需操作。
func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// canonicalHeaderKey 将 API_KEY 之类的环境键转换为 Api-Key 形式。
func canonicalHeaderKey(key string) string {
	parts := strings.Split(strings.ToLower(key), "_")
	for i, part := range parts {
		if part == "" {
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + part[1:]
	}
	return strings.Join(parts, "-")
}

var _ Provider = (*HTTPProvider)(nil)
