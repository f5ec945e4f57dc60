package workflow

import "context"

// Store 抽象了工作流运行记录的持久化接口。
type Store interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	MarkRunning(ctx context.Context, id string) error
	UpsertStep(ctx context.Context, id string, record StepRecord) error
	Finalize(ctx context.Context, id string, status RunStatus, finalResult, haltReason, lastError string) error
	List(ctx context.Context, opts ListOptions) ([]*Run, error)
	Stats(ctx context.Context, opts ListOptions) (RunStats, error)
	Close() error
}
