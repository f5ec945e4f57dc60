package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	xerrors "MCP-Flow/internal/errors"
	"MCP-Flow/internal/pool"
	"MCP-Flow/pkg/logger"
)

const defaultStepTimeout = 60 * time.Second

// StepExecutor 负责单个步骤的一次执行尝试：
// 从连接池取得连接，在限定时间内调用工具动作，用完立即归还。
type StepExecutor struct {
	pool        *pool.Pool
	stepTimeout time.Duration
	logger      *slog.Logger
}

// NewStepExecutor 构造 StepExecutor。
func NewStepExecutor(p *pool.Pool, stepTimeout time.Duration) *StepExecutor {
	if stepTimeout <= 0 {
		stepTimeout = defaultStepTimeout
	}
	return &StepExecutor{
		pool:        p,
		stepTimeout: stepTimeout,
		logger:      logger.Named("executor"),
	}
}

// Execute 执行步骤的一次尝试并返回原始结果。
// 超时按瞬态失败处理，由调用方决定是否重试。
func (e *StepExecutor) Execute(ctx context.Context, userID string, step *Step) (any, error) {
	conn, err := e.pool.Acquire(ctx, step.Tool, userID)
	if err != nil {
		return nil, err
	}
	defer e.pool.Release(conn)

	invokeCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	started := time.Now()
	result, err := conn.Provider().Invoke(invokeCtx, step.Action, step.Input)
	elapsed := time.Since(started)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, xerrors.New(xerrors.CodeTimeout,
				"步骤 "+step.Action+" 超过 "+e.stepTimeout.String()+" 未返回",
				xerrors.WithMetadata("tool", step.Tool),
			)
		}
		return nil, err
	}

	e.logger.Debug("步骤调用完成",
		slog.String("tool", step.Tool),
		slog.String("action", step.Action),
		slog.Duration("elapsed", elapsed),
	)
	return result, nil
}

// IsTransient 判断错误是否值得重试。
// 连接与超时类失败视为瞬态；工具明确报告的执行失败视为终态，
// 重试同样的输入不会改变结果。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeConnectionFailed, xerrors.CodeTimeout:
		return true
	case xerrors.CodeToolExecution, xerrors.CodeAuthFailed, xerrors.CodeResourceExhausted:
		return false
	}
	return xerrors.RetryableError(err)
}
