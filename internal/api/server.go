package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"MCP-Flow/internal/credential"
	xerrors "MCP-Flow/internal/errors"
	"MCP-Flow/internal/observability/metrics"
	"MCP-Flow/internal/pool"
	"MCP-Flow/internal/workflow"
)

// Server 负责暴露 REST 接口，供外部提交工作流并订阅事件流。
type Server struct {
	addr        string
	service     *workflow.Service
	pool        *pool.Pool
	credentials credential.Writer
}

// ServerOption 定义可选配置。
type ServerOption func(*Server)

// WithCredentialWriter 启用凭证管理接口。
func WithCredentialWriter(writer credential.Writer) ServerOption {
	return func(s *Server) {
		s.credentials = writer
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *workflow.Service, p *pool.Pool, opts ...ServerOption) *Server {
	s := &Server{addr: addr, service: service, pool: p}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/workflows", s.instrument("workflows", s.handleWorkflows))
	mux.HandleFunc("/api/v1/workflows/", s.instrument("workflow", s.handleWorkflow))
	mux.HandleFunc("/api/v1/credentials", s.instrument("credentials", s.handleCredentials))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metricsHandler())

	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitWorkflow(w, r)
	case http.MethodGet:
		s.handleListWorkflows(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleSubmitWorkflow 创建工作流并以 NDJSON 流下发执行事件。
func (s *Server) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		http.Error(w, "工作流服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req workflow.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	run, err := s.service.Submit(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "响应不支持流式输出", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	encoder := json.NewEncoder(w)
	sink := workflow.SinkFunc(func(event workflow.Event) {
		// 事件按产生顺序串行写入，失败时只能放弃当前连接。
		if err := encoder.Encode(event); err != nil {
			return
		}
		flusher.Flush()
	})

	s.service.Execute(ctx, run, sink)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		http.Error(w, "工作流服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var opts []workflow.ListOption
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, workflow.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, workflow.WithOffset(parsed))
		}
	}
	if user := query.Get("user"); user != "" {
		opts = append(opts, workflow.WithUser(user))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []workflow.RunStatus
		for _, item := range strings.Split(raw, ",") {
			statuses = append(statuses, workflow.RunStatus(strings.TrimSpace(item)))
		}
		opts = append(opts, workflow.WithStatuses(statuses...))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, workflow.WithQuery(q))
	}

	runs, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleWorkflow 处理 /api/v1/workflows/{id} 的查询。
func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.service == nil {
		http.Error(w, "工作流服务未初始化", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/workflows/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "非法的运行 ID", http.StatusBadRequest)
		return
	}
	run, err := s.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// credentialRequest 是凭证管理接口的请求体。
// 密钥只写入存储，绝不回显。
type credentialRequest struct {
	UserID  string            `json:"user_id"`
	Tool    string            `json:"tool"`
	Secrets map[string]string `json:"secrets,omitempty"`
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	if s.credentials == nil {
		http.Error(w, "凭证管理未启用", http.StatusServiceUnavailable)
		return
	}

	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Tool) == "" {
		http.Error(w, "user_id 与 tool 不能为空", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPut, http.MethodPost:
		if len(req.Secrets) == 0 {
			http.Error(w, "secrets 不能为空", http.StatusBadRequest)
			return
		}
		if err := s.credentials.Put(r.Context(), req.UserID, req.Tool, req.Secrets); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case http.MethodDelete:
		if err := s.credentials.Delete(r.Context(), req.UserID, req.Tool); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		http.Error(w, "仅支持 PUT/POST/DELETE", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// metricsHandler 在暴露指标前刷新连接池快照。
func (s *Server) metricsHandler() http.Handler {
	inner := metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.pool != nil {
			snapshot := s.pool.Snapshot()
			metrics.SetPoolStats(metrics.PoolStats{
				Hits:      snapshot.Hits,
				Misses:    snapshot.Misses,
				Evictions: snapshot.Evictions,
				Exhausted: snapshot.Exhausted,
				Live:      snapshot.Live,
			})
		}
		inner.ServeHTTP(w, r)
	})
}

// instrument 记录请求的状态码与耗时。
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

// statusRecorder 捕获写入的状态码，同时透传 Flusher 能力。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 按错误码映射 HTTP 状态。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, workflow.CodeWorkflowValidation:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, workflow.CodeWorkflowNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, workflow.CodeWorkflowConflict:
		status = http.StatusConflict
	case xerrors.CodeAuthFailed:
		status = http.StatusUnauthorized
	case xerrors.CodeResourceExhausted:
		status = http.StatusTooManyRequests
	}
	payload := map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	}
	writeJSON(w, status, payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
