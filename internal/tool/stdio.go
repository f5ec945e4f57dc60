package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	xerrors "MCP-Flow/internal/errors"
	"MCP-Flow/pkg/logger"
)

// StdioProvider 通过子进程的标准输入输出与工具提供方通信。
// 每行一个 JSON-RPC 帧，响应由后台读取协程按请求 ID 分发。
type StdioProvider struct {
	toolName string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	ids      idGenerator
	logger   *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *rpcResponse
	closed  bool
	readErr error
}

// DialStdio 启动工具子进程并完成通信准备。
func DialStdio(ctx context.Context, desc Descriptor, env map[string]string) (*StdioProvider, error) {
	command := strings.TrimSpace(desc.Launch.Command)
	if command == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工具 "+desc.Name+" 未配置启动命令")
	}

	cmd := exec.CommandContext(ctx, command, desc.Launch.Args...)
	cmd.Env = os.Environ()
	for key, value := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailed, err, "创建 stdin 管道失败")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailed, err, "创建 stdout 管道失败")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailed, err, "创建 stderr 管道失败")
	}

	if err := cmd.Start(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailed, err, "启动工具进程 "+desc.Name+" 失败")
	}

	p := &StdioProvider{
		toolName: desc.Name,
		cmd:      cmd,
		stdin:    stdin,
		logger:   logger.Named("tool." + desc.Name),
		pending:  make(map[int64]chan *rpcResponse),
	}

	go p.readLoop(stdout)
	go p.drainStderr(stderr)

	p.logger.Info("工具进程已启动",
		slog.String("tool", desc.Name),
		slog.Int("pid", cmd.Process.Pid),
	)
	return p, nil
}

// Invoke 实现 Provider 接口。
func (p *StdioProvider) Invoke(ctx context.Context, action string, input map[string]any) (any, error) {
	id := p.ids.next()
	request := newInvokeRequest(id, action, input)

	respCh := make(chan *rpcResponse, 1)
	p.mu.Lock()
	if p.closed {
		err := p.readErr
		p.mu.Unlock()
		if err == nil {
			err = xerrors.New(xerrors.CodeConnectionFailed, "工具进程已退出")
		}
		return nil, err
	}
	p.pending[id] = respCh
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	encoded, err := json.Marshal(request)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailed, err, "序列化工具请求失败")
	}

	p.writeMu.Lock()
	_, err = p.stdin.Write(append(encoded, '\n'))
	p.writeMu.Unlock()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailed, err, "写入工具进程失败")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-respCh:
		if !ok || resp == nil {
			return nil, xerrors.New(xerrors.CodeConnectionFailed, "工具进程在响应前退出")
		}
		if resp.Error != nil {
			return nil, xerrors.Wrap(xerrors.CodeToolExecution, resp.Error, "工具 "+p.toolName+" 执行 "+action+" 失败")
		}
		return resp.Result, nil
	}
}

// readLoop 持续读取工具进程的输出并按请求 ID 分发。
func (p *StdioProvider) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			p.logger.Warn("忽略无法解析的工具输出", slog.String("line", truncateLine(line)))
			continue
		}
		p.mu.Lock()
		ch, ok := p.pending[resp.ID]
		p.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	err := scanner.Err()
	p.mu.Lock()
	p.closed = true
	if err != nil {
		p.readErr = xerrors.Wrap(xerrors.CodeConnectionFailed, err, "读取工具输出失败")
	} else {
		p.readErr = xerrors.New(xerrors.CodeConnectionFailed, "工具进程输出流已关闭")
	}
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	p.mu.Unlock()
}

// drainStderr 将工具进程的诊断输出转发到日志。
func (p *StdioProvider) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			p.logger.Debug("工具进程 stderr", slog.String("line", truncateLine(line)))
		}
	}
}

// Close 终止工具进程。
func (p *StdioProvider) Close() error {
	p.mu.Lock()
	alreadyClosed := p.closed
	p.closed = true
	p.mu.Unlock()

	p.writeMu.Lock()
	_ = p.stdin.Close()
	p.writeMu.Unlock()

	if p.cmd.Process != nil && !alreadyClosed {
		_ = p.cmd.Process.Kill()
	}
	if p.cmd.ProcessState == nil {
		_ = p.cmd.Wait()
	}
	return nil
}

func truncateLine(line string) string {
	const limit = 256
	if len(line) > limit {
		return line[:limit] + "..."
	}
	return line
}

var _ Provider = (*StdioProvider)(nil)
