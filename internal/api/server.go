// Package api exposes the Starlark run protocol, asynchronous runs and
// enclave administration over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"enclaverun/internal/auth"
	"enclaverun/internal/enclave"
	"enclaverun/internal/observability/metrics"
	"enclaverun/internal/run"
	"enclaverun/pkg/logger"
	"enclaverun/pkg/starlarkrun"
)

// Engine 是 HTTP 层同步执行运行所需的能力。
type Engine interface {
	RunScript(ctx context.Context, enclave string, args starlarkrun.RunScriptArgs) <-chan starlarkrun.ResponseLine
	RunPackage(ctx context.Context, enclave string, args starlarkrun.RunPackageArgs) <-chan starlarkrun.ResponseLine
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr     string
	engine   Engine
	registry *enclave.Registry
	runs     *run.Service
	auth     *auth.Service
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option 配置 Server。
type Option func(*Server)

// WithRunService 启用异步运行接口。
func WithRunService(svc *run.Service) Option {
	return func(s *Server) { s.runs = svc }
}

// WithAuth 为除健康检查外的所有路由启用认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithMetrics 为路由记录请求指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, engine Engine, registry *enclave.Registry, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		engine:   engine,
		registry: registry,
		logger:   logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 构建完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	runPerms := map[string][]string{
		http.MethodGet:  {auth.PermissionRunsRead},
		http.MethodPost: {auth.PermissionRunsWrite},
	}
	adminPerms := map[string][]string{
		http.MethodGet:  {auth.PermissionRunsRead},
		http.MethodPost: {auth.PermissionEnclavesAdmin},
	}

	s.route(mux, "POST /api/v1/enclaves/{enclave}/starlark/script", "starlark_script", runPerms, s.handleRunScript)
	s.route(mux, "POST /api/v1/enclaves/{enclave}/starlark/package", "starlark_package", runPerms, s.handleRunPackage)
	s.route(mux, "GET /api/v1/enclaves", "enclaves", adminPerms, s.handleListEnclaves)
	s.route(mux, "POST /api/v1/enclaves", "enclaves", adminPerms, s.handleCreateEnclave)
	s.route(mux, "GET /api/v1/enclaves/{enclave}/services", "enclave_services", adminPerms, s.handleListServices)
	s.route(mux, "POST /api/v1/runs", "runs", runPerms, s.handleSubmitRun)
	s.route(mux, "GET /api/v1/runs", "runs", runPerms, s.handleListRuns)
	s.route(mux, "GET /api/v1/runs/stats", "run_stats", runPerms, s.handleRunStats)
	s.route(mux, "GET /api/v1/runs/{id}", "run_detail", runPerms, s.handleRunDetail)
	s.route(mux, "GET /api/v1/runs/{id}/lines", "run_lines", runPerms, s.handleRunLines)
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, perms map[string][]string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if s.auth != nil {
		h = s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: perms, AuditEvent: name})(h)
	}
	if s.metrics != nil {
		h = s.metrics.Middleware(name, h)
	}
	mux.Handle(pattern, h)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// 流式响应可能持续很久，因此不设置 WriteTimeout。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 服务已启动", slog.String("address", s.addr))

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

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
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
