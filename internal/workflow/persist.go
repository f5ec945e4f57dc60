package workflow

import (
	"context"
	"encoding/json"
	"log/slog"

	xerrors "MCP-Flow/internal/errors"
	"MCP-Flow/pkg/logger"
)

// Recorder 把执行过程中的状态变化写入持久层。
// 执行主循环不等待写入完成，持久化失败不影响正在进行的工作流。
type Recorder interface {
	RecordRunning(ctx context.Context, runID string)
	RecordStep(ctx context.Context, runID string, record StepRecord)
	RecordFinal(ctx context.Context, runID string, status RunStatus, finalResult, haltReason, lastError string)
}

const (
	jobKindRunning  = "running"
	jobKindStep     = "step"
	jobKindFinalize = "finalize"
)

// persistJob 是经队列传递的持久化作业。
type persistJob struct {
	Kind        string      `json:"kind"`
	RunID       string      `json:"run_id"`
	Step        *StepRecord `json:"step,omitempty"`
	Status      RunStatus   `json:"status,omitempty"`
	FinalResult string      `json:"final_result,omitempty"`
	HaltReason  string      `json:"halt_reason,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
}

// AsyncRecorder 把持久化作业序列化后投递到队列，由后台工作协程落库。
type AsyncRecorder struct {
	producer Producer
	logger   *slog.Logger
}

// NewAsyncRecorder 构造 AsyncRecorder。
func NewAsyncRecorder(producer Producer) *AsyncRecorder {
	return &AsyncRecorder{
		producer: producer,
		logger:   logger.Named("recorder"),
	}
}

func (r *AsyncRecorder) publish(ctx context.Context, job persistJob) {
	payload, err := json.Marshal(job)
	if err != nil {
		r.logger.Error("序列化持久化作业失败",
			slog.Any("error", err),
			slog.String("run_id", job.RunID),
			slog.String("kind", job.Kind),
		)
		return
	}
	if err := r.producer.Publish(ctx, string(payload)); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递持久化作业失败")
		r.logger.Error("投递持久化作业失败",
			slog.Any("error", wrapped),
			slog.String("run_id", job.RunID),
			slog.String("kind", job.Kind),
		)
	}
}

// RecordRunning 实现 Recorder。
func (r *AsyncRecorder) RecordRunning(ctx context.Context, runID string) {
	r.publish(ctx, persistJob{Kind: jobKindRunning, RunID: runID})
}

// RecordStep 实现 Recorder。
func (r *AsyncRecorder) RecordStep(ctx context.Context, runID string, record StepRecord) {
	r.publish(ctx, persistJob{Kind: jobKindStep, RunID: runID, Step: &record})
}

// RecordFinal 实现 Recorder。
func (r *AsyncRecorder) RecordFinal(ctx context.Context, runID string, status RunStatus, finalResult, haltReason, lastError string) {
	r.publish(ctx, persistJob{
		Kind:        jobKindFinalize,
		RunID:       runID,
		Status:      status,
		FinalResult: finalResult,
		HaltReason:  haltReason,
		LastError:   lastError,
	})
}

var _ Recorder = (*AsyncRecorder)(nil)

// PersistWorker 从队列消费持久化作业并写入存储。
type PersistWorker struct {
	consumer    Consumer
	store       Store
	workerCount int
	logger      *slog.Logger
}

// NewPersistWorker 构造 PersistWorker。
func NewPersistWorker(consumer Consumer, store Store, workerCount int) *PersistWorker {
	if workerCount <= 0 {
		workerCount = 2
	}
	return &PersistWorker{
		consumer:    consumer,
		store:       store,
		workerCount: workerCount,
		logger:      logger.Named("persist"),
	}
}

// Start 启动消费循环，直到上下文取消。
func (w *PersistWorker) Start(ctx context.Context) error {
	return w.consumer.Consume(ctx, w.workerCount, w.handle)
}

func (w *PersistWorker) handle(ctx context.Context, payload string) error {
	var job persistJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		// 畸形作业直接丢弃，重投也不会成功。
		w.logger.Error("解析持久化作业失败", slog.Any("error", err))
		return nil
	}

	var err error
	switch job.Kind {
	case jobKindRunning:
		err = w.store.MarkRunning(ctx, job.RunID)
	case jobKindStep:
		if job.Step == nil {
			w.logger.Error("步骤作业缺少记录", slog.String("run_id", job.RunID))
			return nil
		}
		err = w.store.UpsertStep(ctx, job.RunID, *job.Step)
	case jobKindFinalize:
		err = w.store.Finalize(ctx, job.RunID, job.Status, job.FinalResult, job.HaltReason, job.LastError)
	default:
		w.logger.Error("未知的持久化作业类型", slog.String("kind", job.Kind))
		return nil
	}
	if err != nil {
		wrapped := xerrors.Wrap(CodeWorkflowPersist, err, "持久化作业执行失败")
		w.logger.Error("持久化作业执行失败",
			slog.Any("error", wrapped),
			slog.String("run_id", job.RunID),
			slog.String("kind", job.Kind),
		)
		return wrapped
	}
	return nil
}

// SyncRecorder 直接同步写入存储，用于测试与不带队列的部署。
type SyncRecorder struct {
	store  Store
	logger *slog.Logger
}

// NewSyncRecorder 构造 SyncRecorder。
func NewSyncRecorder(store Store) *SyncRecorder {
	return &SyncRecorder{store: store, logger: logger.Named("recorder")}
}

// RecordRunning 实现 Recorder。
func (r *SyncRecorder) RecordRunning(ctx context.Context, runID string) {
	if err := r.store.MarkRunning(ctx, runID); err != nil {
		r.logger.Error("更新运行状态失败", slog.Any("error", err), slog.String("run_id", runID))
	}
}

// RecordStep 实现 Recorder。
func (r *SyncRecorder) RecordStep(ctx context.Context, runID string, record StepRecord) {
	if err := r.store.UpsertStep(ctx, runID, record); err != nil {
		r.logger.Error("写入步骤记录失败", slog.Any("error", err), slog.String("run_id", runID))
	}
}

// RecordFinal 实现 Recorder。
func (r *SyncRecorder) RecordFinal(ctx context.Context, runID string, status RunStatus, finalResult, haltReason, lastError string) {
	if err := r.store.Finalize(ctx, runID, status, finalResult, haltReason, lastError); err != nil {
		r.logger.Error("写入终态失败", slog.Any("error", err), slog.String("run_id", runID))
	}
}

var _ Recorder = (*SyncRecorder)(nil)
