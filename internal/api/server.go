package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"OpenMCP-Gate/internal/agent"
	"OpenMCP-Gate/internal/auth"
	"OpenMCP-Gate/internal/executor"
	"OpenMCP-Gate/internal/governance"
	"OpenMCP-Gate/internal/observability/metrics"
	"OpenMCP-Gate/internal/plan"
	"OpenMCP-Gate/internal/router"
	"OpenMCP-Gate/internal/task"
	"OpenMCP-Gate/pkg/logger"
)

// Chatter 是授权会话入口，agent.Agent 实现了该接口。
type Chatter interface {
	Chat(ctx context.Context, req agent.ChatRequest) (*agent.ChatResult, error)
}

// Dependencies 汇总 HTTP 层依赖的组件，缺失的组件对应接口返回 503。
// Auth 为空时不做认证。
type Dependencies struct {
	Auth       *auth.Service
	Router     *router.Router
	Executor   *executor.Executor
	Plans      *plan.Catalog
	Governance governance.Gate
	Policies   *governance.Store
	Runs       *task.Service
	Agent      Chatter
}

// Config 控制 HTTP 服务的监听地址与超时。
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
}

// Server 负责暴露 REST 接口，供外部编译与执行计划、查询异步运行。
type Server struct {
	cfg    Config
	deps   Dependencies
	logger *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, deps Dependencies) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{cfg: cfg, deps: deps, logger: logger.Named("api")}
}

// Handler 返回挂载了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	if s.cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		guard := s.deps.Auth
		api.Use(guard.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{"*": {auth.PermissionRead}},
			OnError:             authError,
		}))
		execute := guard.Require(authError, auth.PermissionExecute)
		admin := guard.Require(authError, auth.PermissionAdmin)

		api.Get("/tools", s.handleTools)

		api.Route("/templates", func(tr chi.Router) {
			tr.Get("/", s.handleListTemplates)
			tr.Get("/{id}", s.handleGetTemplate)
			tr.With(execute).Post("/{id}/execute", s.handleExecuteTemplate)
		})

		api.Post("/plans/compile", s.handleCompile)
		api.With(execute).Post("/plans/execute", s.handleExecute)

		api.Route("/runs", func(rr chi.Router) {
			rr.With(execute).Post("/", s.handleSubmitRun)
			rr.Get("/", s.handleListRuns)
			rr.Get("/stats", s.handleRunStats)
			rr.Get("/{id}", s.handleGetRun)
		})

		api.Post("/governance/evaluate", s.handleEvaluate)
		api.With(admin).Post("/governance/reload", s.handleReload)

		api.With(execute).Post("/agent/chat", s.handleChat)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务启动", slog.String("address", s.cfg.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// observe 记录每个请求的指标与访问日志，handler 标签使用路由模板避免高基数。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				pattern = p
			}
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(pattern, r.Method, status, elapsed)
		s.logger.Debug("HTTP 请求",
			slog.String("method", r.Method),
			slog.String("route", pattern),
			slog.Int("status", status),
			slog.Duration("duration", elapsed),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
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
