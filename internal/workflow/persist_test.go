package workflow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAsyncPersistenceAppliesJobsInOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	if err := store.Create(ctx, &Run{ID: "run-1", UserID: "alice", Goal: "g"}); err != nil {
		t.Fatalf("创建运行记录失败: %v", err)
	}

	queue := NewMemoryQueue(16)
	worker := NewPersistWorker(queue, store, 1)
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go func() {
		if err := worker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("持久化工作协程异常退出: %v", err)
		}
	}()

	recorder := NewAsyncRecorder(queue)
	recorder.RecordRunning(ctx, "run-1")
	recorder.RecordStep(ctx, "run-1", StepRecord{
		Index: 1, Tool: "echo", Action: "fetch", Status: StatusSucceeded, Attempts: 1, Formatted: "ok",
	})
	recorder.RecordFinal(ctx, "run-1", RunSucceeded, "ok", "", "")

	deadline := time.After(3 * time.Second)
	for {
		run, err := store.Get(ctx, "run-1")
		if err != nil {
			t.Fatalf("读取运行记录失败: %v", err)
		}
		if run.Status == RunSucceeded {
			if len(run.Steps) != 1 || run.Steps[0].Formatted != "ok" {
				t.Fatalf("步骤记录不符: %+v", run.Steps)
			}
			if run.FinalResult != "ok" {
				t.Fatalf("最终结果不符: %q", run.FinalResult)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("作业未能及时落库, 当前状态 %s", run.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPersistWorkerDropsMalformedJob(t *testing.T) {
	worker := NewPersistWorker(NewMemoryQueue(1), NewMemoryStore(), 1)
	// 畸形作业直接丢弃，返回 nil 避免无限重投。
	if err := worker.handle(context.Background(), "not-json"); err != nil {
		t.Fatalf("畸形作业不应返回错误, got %v", err)
	}
	if err := worker.handle(context.Background(), `{"kind":"unknown","run_id":"x"}`); err != nil {
		t.Fatalf("未知作业类型不应返回错误, got %v", err)
	}
}

func TestPersistWorkerReturnsStoreFailure(t *testing.T) {
	store := NewMemoryStore()
	worker := NewPersistWorker(NewMemoryQueue(1), store, 1)
	// 目标记录不存在时返回错误，交由队列按驱动语义重投。
	err := worker.handle(context.Background(), `{"kind":"running","run_id":"ghost"}`)
	if err == nil {
		t.Fatal("存储失败应向上返回")
	}
}

func TestSyncRecorderWritesThrough(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, &Run{ID: "run-1", UserID: "alice", Goal: "g"}); err != nil {
		t.Fatalf("创建运行记录失败: %v", err)
	}

	recorder := NewSyncRecorder(store)
	recorder.RecordRunning(ctx, "run-1")
	recorder.RecordFinal(ctx, "run-1", RunHalted, "", "cancelled", "")

	run, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("读取运行记录失败: %v", err)
	}
	if run.Status != RunHalted || run.HaltReason != "cancelled" {
		t.Fatalf("终态不符: %+v", run)
	}
}
