package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"MCP-Flow/internal/api"
	"MCP-Flow/internal/config"
	"MCP-Flow/internal/credential"
	"MCP-Flow/internal/knowledge"
	"MCP-Flow/internal/llm"
	"MCP-Flow/internal/llm/openai"
	"MCP-Flow/internal/planner"
	"MCP-Flow/internal/pool"
	"MCP-Flow/internal/storage/mysql"
	"MCP-Flow/internal/tool"
	"MCP-Flow/internal/tool/builtin"
	"MCP-Flow/internal/transmit"
	"MCP-Flow/internal/workflow"
	"MCP-Flow/pkg/logger"
)

// main 是 MCP-Flow 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("mcpflowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("MCPFLOW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "mcpflow.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 初始化大模型客户端。
	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	// 工具目录。
	registry, err := tool.LoadRegistry(cfg.Tools.CatalogPath)
	if err != nil {
		return err
	}

	// 运行记录与凭证存储。
	var (
		runStore         workflow.Store
		credentialStore  credential.Store
		credentialWriter credential.Writer
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		runStore = workflow.NewMemoryStore()
		memory := credential.NewMemoryStore()
		credentialStore = memory
		credentialWriter = memory
	case "mysql":
		mysqlCfg := mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
		}
		store, err := mysql.NewRunStore(ctx, mysqlCfg)
		if err != nil {
			return err
		}
		runStore = store
		creds, err := mysql.NewCredentialStore(ctx, mysqlCfg)
		if err != nil {
			return err
		}
		defer creds.Close()
		credentialStore = creds
		credentialWriter = creds
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer runStore.Close()

	// 连接池。
	injector := credential.NewInjector(credentialStore)
	connector := builtin.WrapConnector(tool.DefaultConnector{})
	connectionPool := pool.New(pool.Config{
		PerUserLimit:  cfg.Pool.PerUserLimit,
		GlobalLimit:   cfg.Pool.GlobalLimit,
		IdleTTL:       cfg.Pool.IdleTTL(),
		SweepInterval: cfg.Pool.SweepInterval(),
	}, registry, injector, connector)
	defer connectionPool.Close()

	go func() {
		if err := connectionPool.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("连接池回收循环异常退出: %v", err)
		}
	}()

	// 异步持久化队列。
	var queue workflow.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = workflow.NewMemoryQueue(1024)
	case "redis":
		q, err := workflow.NewRedisQueue(workflow.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := workflow.NewRabbitMQQueue(workflow.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭持久化队列失败: %v", err)
		}
	}()

	persistWorker := workflow.NewPersistWorker(queue, runStore, cfg.Queue.Worker)
	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	go func() {
		if err := persistWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("持久化工作协程异常退出: %v", err)
		}
	}()

	// 规划器与执行引擎。
	var plannerOpts []planner.Option
	if cfg.Knowledge.Source != "" {
		hints, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		plannerOpts = append(plannerOpts, planner.WithKnowledge(hints))
	}
	llmPlanner := planner.New(llmClient, registry, plannerOpts...)
	executor := workflow.NewStepExecutor(connectionPool, cfg.Workflow.StepTimeout())
	transmitter := transmit.New(
		transmit.WithRawSizeThreshold(cfg.Workflow.RawSizeThreshold),
		transmit.WithChunkSize(cfg.Workflow.ChunkSize),
	)
	engine := workflow.NewEngine(llmPlanner, executor, transmitter,
		workflow.WithObserver(llmPlanner),
		workflow.WithObserveEvery(cfg.Workflow.ObserveEvery),
		workflow.WithMaxRetries(cfg.Workflow.MaxRetries),
		workflow.WithRecorder(workflow.NewAsyncRecorder(queue)),
	)

	service := workflow.NewService(runStore, engine)
	server := api.NewServer(cfg.Server.Address, service, connectionPool,
		api.WithCredentialWriter(credentialWriter),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
