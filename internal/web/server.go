package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"infer-relay/internal/events"
	"infer-relay/internal/middleware"
	"infer-relay/internal/monitor"
	"infer-relay/internal/provider"
	"infer-relay/internal/retry"
	"infer-relay/internal/session"
	"infer-relay/internal/tracking"

	"github.com/gin-gonic/gin"
)

// Completer 执行一次推理调用
type Completer interface {
	Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error)
}

// Options 服务依赖，Bus/Metrics/Tracker 可为nil
type Options struct {
	Logger    *slog.Logger
	Registry  *session.Registry
	Executor  *retry.Executor
	Policies  retry.PolicySource
	Completer Completer
	Bus       events.EventBus
	Metrics   *monitor.Metrics
	Tracker   *tracking.OutcomeTracker

	// OperatorAPI 是否开放 /metrics、统计与监控流等运维接口
	OperatorAPI  bool
	PingInterval time.Duration
	// TaskTimeout 单个任务（含全部重试等待）的上限，0 表示不限制
	TaskTimeout time.Duration
	StartTime   time.Time
}

// Server HTTP服务：进度推送、任务提交与运维接口
type Server struct {
	opts   Options
	engine *gin.Engine
	server *http.Server
	logger *slog.Logger
	tasks  *taskStore

	// 任务在后台运行，不随提交请求结束
	taskCtx    context.Context
	cancelTask context.CancelFunc
	taskWG     sync.WaitGroup
}

// NewServer 创建服务并注册路由
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}
	if opts.Executor == nil {
		opts.Executor = retry.NewExecutor(retry.WithLogger(opts.Logger))
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(middleware.RequestLogger(opts.Logger, "/events", "/api/v1/monitor"))
	engine.Use(gin.Recovery())

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:       opts,
		engine:     engine,
		logger:     opts.Logger,
		tasks:      newTaskStore(defaultTaskCapacity),
		taskCtx:    ctx,
		cancelTask: cancel,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/events", s.handleProgressStream)

	api := s.engine.Group("/api/v1")
	{
		api.POST("/completions", s.handleSubmitCompletion)
		api.GET("/tasks/:id", s.handleGetTask)
		api.GET("/sessions", s.handleSessions)
		api.GET("/sessions/:id", s.handleSession)
		api.GET("/retry-policy", s.handleRetryPolicy)
	}

	if !s.opts.OperatorAPI {
		return
	}
	if s.opts.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.opts.Metrics.Handler()))
	}
	api.GET("/outcomes", s.handleOutcomes)
	api.GET("/stats", s.handleStats)
	api.GET("/monitor", s.handleMonitorStream)
}

// Handler 返回路由，测试中直接挂到 httptest
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start 启动HTTP服务
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: 30 * time.Second,
		// SSE连接需要禁用写入超时
		WriteTimeout: 0,
		IdleTimeout:  300 * time.Second,
	}

	s.logger.Info(fmt.Sprintf("🌐 HTTP服务启动中... - 地址: %s", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(fmt.Sprintf("❌ HTTP服务启动失败: %v", err))
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}

	s.logger.Info(fmt.Sprintf("✅ HTTP服务启动成功！访问地址: http://%s", addr))
	return nil
}

// Stop 关闭监听，取消仍在等待重试的任务并等待其结束
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("🛑 正在关闭HTTP服务...")

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	s.cancelTask()
	done := make(chan struct{})
	go func() {
		s.taskWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("⚠️ 等待后台任务结束超时")
		if err == nil {
			err = ctx.Err()
		}
	}

	if err != nil {
		s.logger.Error(fmt.Sprintf("❌ HTTP服务关闭失败: %v", err))
	} else {
		s.logger.Info("✅ HTTP服务已安全关闭")
	}
	return err
}

func (s *Server) publish(event events.Event) {
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(event)
	}
}
