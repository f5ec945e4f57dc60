package workflow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	xerrors "MCP-Flow/internal/errors"
	"MCP-Flow/pkg/logger"
)

// Service 负责工作流运行的创建、执行与查询。
type Service struct {
	store  Store
	engine *Engine
}

// NewService 构造工作流服务。
func NewService(store Store, engine *Engine) *Service {
	return &Service{store: store, engine: engine}
}

// SubmitRequest 描述一次工作流提交。
type SubmitRequest struct {
	UserID string `json:"user_id"`
	Goal   string `json:"goal"`
}

// Submit 创建一条新的运行记录。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Run, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, xerrors.New(CodeWorkflowValidation, "工作流目标不能为空")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, xerrors.New(CodeWorkflowValidation, "用户标识不能为空")
	}
	if s.store == nil || s.engine == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "工作流服务未初始化")
	}

	run := &Run{
		ID:     uuid.NewString(),
		UserID: strings.TrimSpace(req.UserID),
		Goal:   strings.TrimSpace(req.Goal),
		Status: RunPending,
	}
	if err := s.store.Create(ctx, run); err != nil {
		return nil, err
	}
	logger.Audit().Info("工作流已创建",
		slog.String("run_id", run.ID),
		slog.String("user_id", run.UserID),
		slog.String("goal", run.Goal),
	)
	return run, nil
}

// Execute 执行指定的运行并把事件写入 Sink。
func (s *Service) Execute(ctx context.Context, run *Run, sink Sink) Outcome {
	return s.engine.Execute(ctx, run, sink)
}

// Get 返回指定运行的状态。
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的运行列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的运行统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (RunStats, error) {
	if s.store == nil {
		return RunStats{}, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
