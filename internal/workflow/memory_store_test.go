package workflow

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	run := &Run{ID: "run-1", UserID: "alice", Goal: "查询余额"}
	if err := store.Create(ctx, run); err != nil {
		t.Fatalf("创建运行记录失败: %v", err)
	}
	if err := store.Create(ctx, &Run{ID: "run-1", UserID: "alice", Goal: "重复"}); !errors.Is(err, ErrRunConflict) {
		t.Fatalf("重复创建应返回冲突, got %v", err)
	}

	loaded, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("读取运行记录失败: %v", err)
	}
	if loaded.Status != RunPending {
		t.Fatalf("新建记录应为 pending, got %s", loaded.Status)
	}

	if err := store.MarkRunning(ctx, "run-1"); err != nil {
		t.Fatalf("置为运行中失败: %v", err)
	}

	record := StepRecord{Index: 1, Tool: "echo", Action: "fetch", Status: StatusSucceeded, Attempts: 1, Formatted: "ok"}
	if err := store.UpsertStep(ctx, "run-1", record); err != nil {
		t.Fatalf("写入步骤失败: %v", err)
	}
	// 同一步骤再次写入应覆盖而不是追加。
	record.Attempts = 2
	if err := store.UpsertStep(ctx, "run-1", record); err != nil {
		t.Fatalf("更新步骤失败: %v", err)
	}

	if err := store.Finalize(ctx, "run-1", RunSucceeded, "ok", "", ""); err != nil {
		t.Fatalf("写入终态失败: %v", err)
	}
	// 终态之后不允许回到运行中。
	if err := store.MarkRunning(ctx, "run-1"); !errors.Is(err, ErrRunConflict) {
		t.Fatalf("终态记录不应再置为运行中, got %v", err)
	}

	final, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("读取终态记录失败: %v", err)
	}
	if final.Status != RunSucceeded || final.FinalResult != "ok" {
		t.Fatalf("终态记录不符: %+v", final)
	}
	if len(final.Steps) != 1 || final.Steps[0].Attempts != 2 {
		t.Fatalf("步骤记录不符: %+v", final.Steps)
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "ghost"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("不存在的记录应返回 NOT_FOUND, got %v", err)
	}
}

func TestMemoryStoreFinalizeRejectsNonTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, &Run{ID: "run-1", Goal: "g"}); err != nil {
		t.Fatalf("创建运行记录失败: %v", err)
	}
	if err := store.Finalize(ctx, "run-1", RunRunning, "", "", ""); err == nil {
		t.Fatal("非终态状态不应被接受")
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	seed := []*Run{
		{ID: "a", UserID: "alice", Goal: "查询以太坊余额"},
		{ID: "b", UserID: "alice", Goal: "搜索新闻"},
		{ID: "c", UserID: "bob", Goal: "搜索天气"},
	}
	for _, run := range seed {
		if err := store.Create(ctx, run); err != nil {
			t.Fatalf("创建 %s 失败: %v", run.ID, err)
		}
	}
	if err := store.Finalize(ctx, "b", RunFailed, "", "", "boom"); err != nil {
		t.Fatalf("写入终态失败: %v", err)
	}

	byUser, err := store.List(ctx, buildListOptions([]ListOption{WithUser("alice")}))
	if err != nil {
		t.Fatalf("按用户过滤失败: %v", err)
	}
	if len(byUser) != 2 {
		t.Fatalf("alice 应有两条记录, got %d", len(byUser))
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(RunFailed)}))
	if err != nil {
		t.Fatalf("按状态过滤失败: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "b" {
		t.Fatalf("状态过滤结果不符: %+v", failed)
	}

	matched, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("搜索")}))
	if err != nil {
		t.Fatalf("按关键词过滤失败: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("关键词应命中两条, got %d", len(matched))
	}

	limited, err := store.List(ctx, buildListOptions([]ListOption{WithLimit(1), WithSortOrder(SortByUpdatedAsc)}))
	if err != nil {
		t.Fatalf("限制条数失败: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("Limit=1 应只返回一条, got %d", len(limited))
	}
}

func TestMemoryStoreStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, run := range []*Run{
		{ID: "a", UserID: "alice", Goal: "g1"},
		{ID: "b", UserID: "alice", Goal: "g2"},
		{ID: "c", UserID: "bob", Goal: "g3"},
	} {
		if err := store.Create(ctx, run); err != nil {
			t.Fatalf("创建 %s 失败: %v", run.ID, err)
		}
	}
	if err := store.Finalize(ctx, "a", RunSucceeded, "ok", "", ""); err != nil {
		t.Fatalf("写入终态失败: %v", err)
	}

	stats, err := store.Stats(ctx, buildListOptions([]ListOption{WithUser("alice")}))
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if stats.Total != 2 || stats.Succeeded != 1 || stats.Pending != 1 {
		t.Fatalf("统计不符: %+v", stats)
	}
	if stats.NewestUpdatedAt == 0 || stats.OldestUpdatedAt == 0 {
		t.Fatalf("更新时间范围缺失: %+v", stats)
	}
}
