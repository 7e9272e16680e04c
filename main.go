package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"infer-relay/config"
	"infer-relay/internal/events"
	"infer-relay/internal/monitor"
	"infer-relay/internal/provider"
	"infer-relay/internal/retry"
	"infer-relay/internal/session"
	"infer-relay/internal/tracking"
	"infer-relay/internal/transport"
	"infer-relay/internal/web"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
)

var (
	configPath  = flag.String("config", "config/example.yaml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version information")

	// Build-time variables (set via ldflags)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"

	// Runtime variables
	startTime = time.Now()
	// 当前日志文件，配置重载时替换
	currentLogFile io.Closer
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Inference Relay\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	// .env 不存在时忽略
	_ = godotenv.Load()

	// 初始日志，配置加载后替换
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"})
	slog.SetDefault(logger)

	configWatcher, err := config.NewConfigWatcher(*configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create configuration watcher: %v\n", err)
		os.Exit(1)
	}
	defer configWatcher.Close()

	cfg := configWatcher.GetConfig()

	logger = setupLogger(cfg.Logging)
	slog.SetDefault(logger)
	configWatcher.UpdateLogger(logger)

	logger.Info("🚀 推理中继服务启动中...",
		"version", version,
		"commit", commit,
		"go", runtime.Version(),
		"config_file", *configPath)

	// 会话注册表与进度推送
	registry := session.NewRegistry(cfg.Progress.BufferSize, logger)
	channel := session.NewProgressChannel(registry, cfg.Progress.SendTimeout, logger)
	metrics := monitor.NewMetrics(registry.Count)

	// 事件总线
	eventBus := events.NewEventBus(1000, logger)
	if err := eventBus.Start(); err != nil {
		logger.Error(fmt.Sprintf("❌ 事件总线启动失败: %v", err))
		os.Exit(1)
	}

	// 任务结果记录
	tracker, err := tracking.NewOutcomeTracker(buildTrackingConfig(cfg), logger)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ 任务结果记录初始化失败: %v", err))
		os.Exit(1)
	}
	if tracker.Enabled() {
		logger.Info("📊 任务结果记录已启用",
			"database", cfg.Tracking.Database.Type,
			"retention_days", cfg.Tracking.RetentionDays)
	}

	// 上游客户端，代理配置仅在启动时读取
	httpClient, err := transport.NewHTTPClient(cfg.Proxy, cfg.Provider.Timeout)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ 创建HTTP客户端失败: %v", err))
		os.Exit(1)
	}
	logger.Info(fmt.Sprintf("🔗 上游连接方式: %s", transport.ProxyInfo(cfg.Proxy)))

	completer := provider.NewClient(cfg.Provider, httpClient, logger)
	logger.Info(fmt.Sprintf("🎯 上游地址: %s", cfg.Provider.BaseURL), "model", cfg.Provider.Model)

	executor := retry.NewExecutor(
		retry.WithEmitter(metrics.InstrumentEmitter(channel)),
		retry.WithHooks(metrics, tracker, events.NewHookPublisher(eventBus)),
		retry.WithLogger(logger),
	)

	policy := retry.ResolvePolicy(configWatcher, logger)
	logger.Info("🔄 重试策略",
		"max_retries", policy.MaxRetries(),
		"initial_delay", policy.InitialDelay(),
		"max_delay", policy.MaxDelay(),
		"backoff_factor", policy.BackoffFactor(),
		"jitter", policy.Jitter())

	server := web.NewServer(web.Options{
		Logger:       logger,
		Registry:     registry,
		Executor:     executor,
		Policies:     configWatcher,
		Completer:    completer,
		Bus:          eventBus,
		Metrics:      metrics,
		Tracker:      tracker,
		OperatorAPI:  cfg.Web.Enabled,
		PingInterval: cfg.Web.PingInterval,
		TaskTimeout:  cfg.Server.TaskTimeout,
		StartTime:    startTime,
	})

	configWatcher.AddReloadCallback(func(newCfg *config.Config) {
		newLogger := setupLogger(newCfg.Logging)
		slog.SetDefault(newLogger)
		configWatcher.UpdateLogger(newLogger)

		newLogger.Info("🔄 配置已重新加载，新的重试策略将用于后续任务")
		if newCfg.Server.Port != cfg.Server.Port || newCfg.Server.Host != cfg.Server.Host {
			newLogger.Warn("⚠️ 服务监听地址变更需要重启才能生效")
		}

		eventBus.Publish(events.Event{
			Type:     events.EventConfigChanged,
			Source:   "config",
			Priority: events.PriorityNormal,
			Data: map[string]interface{}{
				"config_file": *configPath,
				"reloaded_at": time.Now(),
			},
		})
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	if err := server.Start(addr); err != nil {
		logger.Error(fmt.Sprintf("❌ 服务启动失败: %v", err))
		os.Exit(1)
	}

	logger.Info(fmt.Sprintf("📡 进度推送地址: http://%s/events?session_id=<id>", addr))
	logger.Info("💡 按 Ctrl+C 停止服务")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	sig := <-interrupt
	logger.Info(fmt.Sprintf("📡 收到终止信号，开始优雅关闭... - 信号: %v", sig))

	shutdownTimeout := configWatcher.GetConfig().Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 先停止接收请求并取消等待中的任务，终态事件会在注册表关闭前送出
	if err := server.Stop(ctx); err != nil {
		logger.Error(fmt.Sprintf("❌ 服务关闭失败: %v", err))
	}
	if err := tracker.Close(); err != nil {
		logger.Error(fmt.Sprintf("❌ 关闭任务结果记录失败: %v", err))
	}
	if err := eventBus.Stop(); err != nil {
		logger.Error(fmt.Sprintf("❌ 关闭事件总线失败: %v", err))
	}
	registry.Close()

	logger.Info("✅ 服务已安全关闭", "uptime", time.Since(startTime).Round(time.Second))
	if currentLogFile != nil {
		_ = currentLogFile.Close()
	}
}

func buildTrackingConfig(cfg *config.Config) *tracking.Config {
	db := cfg.Tracking.Database
	return &tracking.Config{
		Enabled: cfg.Tracking.Enabled,
		Database: tracking.DatabaseConfig{
			Type:            db.Type,
			DatabasePath:    db.Path,
			Host:            db.Host,
			Port:            db.Port,
			Database:        db.Database,
			Username:        db.Username,
			Password:        db.Password,
			MaxOpenConns:    db.MaxOpenConns,
			MaxIdleConns:    db.MaxIdleConns,
			ConnMaxLifetime: db.ConnMaxLifetime,
			Timezone:        cfg.Timezone,
		},
		BufferSize:      cfg.Tracking.BufferSize,
		BatchSize:       cfg.Tracking.BatchSize,
		FlushInterval:   cfg.Tracking.FlushInterval,
		MaxRetry:        cfg.Tracking.MaxRetry,
		RetentionDays:   cfg.Tracking.RetentionDays,
		CleanupInterval: cfg.Tracking.CleanupInterval,
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	var logFile *os.File
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			fmt.Printf("警告：无法创建日志目录: %v\n", err)
		} else if f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err != nil {
			fmt.Printf("警告：无法打开日志文件 '%s': %v\n", cfg.FilePath, err)
		} else {
			logFile = f
			out = io.MultiWriter(os.Stdout, f)
		}
	}

	// 替换日志文件前关闭旧的
	if currentLogFile != nil {
		_ = currentLogFile.Close()
		currentLogFile = nil
	}
	if logFile != nil {
		currentLogFile = logFile
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: "2006-01-02 15:04:05",
			NoColor:    logFile != nil,
		})
	}

	return slog.New(handler)
}
