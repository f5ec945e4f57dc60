package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpflow.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("默认监听地址不符: %s", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Fatalf("默认驱动不符: %s / %s", cfg.Storage.Driver, cfg.Queue.Driver)
	}
	if cfg.Pool.PerUserLimit != 4 || cfg.Pool.GlobalLimit != 64 {
		t.Fatalf("连接池默认容量不符: %+v", cfg.Pool)
	}
	if cfg.Pool.IdleTTL() != 5*time.Minute {
		t.Fatalf("默认空闲 TTL 不符: %s", cfg.Pool.IdleTTL())
	}
	if cfg.Workflow.StepTimeout() != time.Minute {
		t.Fatalf("默认步骤超时不符: %s", cfg.Workflow.StepTimeout())
	}
	if cfg.Workflow.MaxRetries != 2 || cfg.Workflow.ObserveEvery != 3 {
		t.Fatalf("默认重试与复盘参数不符: %+v", cfg.Workflow)
	}
	if cfg.Workflow.RawSizeThreshold != 100*1024 || cfg.Workflow.ChunkSize != 512 {
		t.Fatalf("默认传输参数不符: %+v", cfg.Workflow)
	}
	if cfg.LLM.Provider != "openai" {
		t.Fatalf("默认 provider 不符: %s", cfg.LLM.Provider)
	}
	// 相对路径基于配置文件所在目录解析。
	if cfg.Tools.CatalogPath != filepath.Join(dir, "tools.yaml") {
		t.Fatalf("工具目录路径不符: %s", cfg.Tools.CatalogPath)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("数据目录不符: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpflow.json")
	content := `{
  "server": {"address": ":9999"},
  "storage": {"driver": "mysql", "dsn": "user:pass@tcp(127.0.0.1:3306)/flow"},
  "queue": {"driver": "redis", "worker": 8},
  "pool": {"per_user_limit": 2, "idle_ttl_seconds": 60},
  "workflow": {"max_retries": 5, "observe_every": 1},
  "tools": {"catalog_path": "custom/tools.yaml"}
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.Address != ":9999" {
		t.Fatalf("监听地址未覆盖: %s", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "mysql" || cfg.Queue.Driver != "redis" {
		t.Fatalf("驱动未覆盖: %s / %s", cfg.Storage.Driver, cfg.Queue.Driver)
	}
	if cfg.Queue.Worker != 8 {
		t.Fatalf("工作协程数未覆盖: %d", cfg.Queue.Worker)
	}
	if cfg.Pool.PerUserLimit != 2 || cfg.Pool.IdleTTLSeconds != 60 {
		t.Fatalf("连接池参数未覆盖: %+v", cfg.Pool)
	}
	if cfg.Workflow.MaxRetries != 5 || cfg.Workflow.ObserveEvery != 1 {
		t.Fatalf("工作流参数未覆盖: %+v", cfg.Workflow)
	}
	if cfg.Tools.CatalogPath != filepath.Join(dir, "custom", "tools.yaml") {
		t.Fatalf("相对路径未按配置目录解析: %s", cfg.Tools.CatalogPath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("缺失的配置文件应当报错")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("空路径应当报错")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Address != ":8080" || cfg.Storage.Driver != "memory" {
		t.Fatalf("Default 配置不符: %+v", cfg)
	}
}
