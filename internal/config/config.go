package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 MCP-Flow 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Pool      PoolConfig      `json:"pool"`
	Workflow  WorkflowConfig  `json:"workflow"`
	LLM       LLMConfig       `json:"llm"`
	Tools     ToolsConfig     `json:"tools"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Logging   LoggingConfig   `json:"logging"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述工作流运行记录与凭证的持久化后端。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// QueueConfig 描述异步持久化队列的驱动与连接参数。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接信息。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接信息。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// PoolConfig 控制工具连接池的容量与回收策略。
type PoolConfig struct {
	PerUserLimit         int `json:"per_user_limit"`
	GlobalLimit          int `json:"global_limit"`
	IdleTTLSeconds       int `json:"idle_ttl_seconds"`
	SweepIntervalSeconds int `json:"sweep_interval_seconds"`
}

// IdleTTL 返回空闲连接的存活时间。
func (c PoolConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLSeconds) * time.Second
}

// SweepInterval 返回清理循环的执行间隔。
func (c PoolConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// WorkflowConfig 控制步骤执行与自适应重规划的参数。
type WorkflowConfig struct {
	StepTimeoutSeconds int `json:"step_timeout_seconds"`
	MaxRetries         int `json:"max_retries"`
	ObserveEvery       int `json:"observe_every"`
	RawSizeThreshold   int `json:"raw_size_threshold_bytes"`
	ChunkSize          int `json:"chunk_size_bytes"`
}

// StepTimeout 返回单个步骤调用的超时时间。
func (c WorkflowConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述调用 OpenAI 兼容接口所需的信息。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回调用大模型的超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ToolsConfig 指向工具目录文件。
type ToolsConfig struct {
	CatalogPath string `json:"catalog_path"`
}

// KnowledgeConfig 指向规划提示库文件，留空则不启用。
type KnowledgeConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// LoggingConfig 控制日志输出行为。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// Default 返回一份带默认值的配置，便于测试与嵌入式使用。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Worker <= 0 {
		c.Queue.Worker = 2
	}

	if c.Pool.PerUserLimit <= 0 {
		c.Pool.PerUserLimit = 4
	}
	if c.Pool.GlobalLimit <= 0 {
		c.Pool.GlobalLimit = 64
	}
	if c.Pool.IdleTTLSeconds <= 0 {
		c.Pool.IdleTTLSeconds = 300
	}
	if c.Pool.SweepIntervalSeconds <= 0 {
		c.Pool.SweepIntervalSeconds = 30
	}

	if c.Workflow.StepTimeoutSeconds <= 0 {
		c.Workflow.StepTimeoutSeconds = 60
	}
	if c.Workflow.MaxRetries < 0 {
		c.Workflow.MaxRetries = 0
	}
	if c.Workflow.MaxRetries == 0 {
		c.Workflow.MaxRetries = 2
	}
	if c.Workflow.ObserveEvery <= 0 {
		c.Workflow.ObserveEvery = 3
	}
	if c.Workflow.RawSizeThreshold <= 0 {
		c.Workflow.RawSizeThreshold = 100 * 1024
	}
	if c.Workflow.ChunkSize <= 0 {
		c.Workflow.ChunkSize = 512
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}

	if c.Tools.CatalogPath == "" {
		c.Tools.CatalogPath = filepath.Join(baseDir, "tools.yaml")
	} else if !filepath.IsAbs(c.Tools.CatalogPath) {
		c.Tools.CatalogPath = filepath.Join(baseDir, c.Tools.CatalogPath)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
