package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"infer-relay/internal/retry"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// APIKeyEnv 环境变量中的上游API Key，优先级高于配置文件
const APIKeyEnv = "INFER_RELAY_API_KEY"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Retry    RetryConfig    `yaml:"retry"`
	Progress ProgressConfig `yaml:"progress"`
	Provider ProviderConfig `yaml:"provider"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracking TrackingConfig `yaml:"tracking"` // Outcome journal configuration
	Web      WebConfig      `yaml:"web"`      // Operator endpoints configuration
	Timezone string         `yaml:"timezone"` // Global timezone setting for all components
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TaskTimeout     time.Duration `yaml:"task_timeout"` // 单个任务含全部重试的上限，0 表示不限制
}

// RetryConfig 重试策略配置，每次调用时重新读取
// MaxRetries/Jitter 使用指针区分"未配置"和零值
type RetryConfig struct {
	MaxRetries      *int          `yaml:"max_retries"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	BackoffFactor   float64       `yaml:"backoff_factor"`
	Jitter          *bool         `yaml:"jitter"`
	RetryableErrors []string      `yaml:"retryable_errors"` // e.g. rate_limit, connection, timeout, provider
}

type ProgressConfig struct {
	BufferSize  int           `yaml:"buffer_size"`  // Per-session event buffer, default: 64
	SendTimeout time.Duration `yaml:"send_timeout"` // Bounded send attempt, default: 100ms
}

type ProviderConfig struct {
	BaseURL         string            `yaml:"base_url"`
	CompletionsPath string            `yaml:"completions_path"`
	APIKey          string            `yaml:"api_key,omitempty"`
	Model           string            `yaml:"model"`
	Timeout         time.Duration     `yaml:"timeout"`
	Headers         map[string]string `yaml:"headers,omitempty"`
}

type ProxyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Type     string `yaml:"type"`     // "http", "https", "socks5"
	URL      string `yaml:"url"`      // Complete proxy URL
	Host     string `yaml:"host"`     // Proxy host
	Port     int    `yaml:"port"`     // Proxy port
	Username string `yaml:"username"` // Optional auth username
	Password string `yaml:"password"` // Optional auth password
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`    // "json" or "text"
	FilePath string `yaml:"file_path"` // Optional log file, empty means stdout only
}

type TrackingConfig struct {
	Enabled         bool                  `yaml:"enabled"`
	Database        DatabaseBackendConfig `yaml:"database"`
	BufferSize      int                   `yaml:"buffer_size"`      // Event buffer size, default: 1000
	BatchSize       int                   `yaml:"batch_size"`       // Batch write size, default: 100
	FlushInterval   time.Duration         `yaml:"flush_interval"`   // Force flush interval, default: 5s
	MaxRetry        int                   `yaml:"max_retry"`        // Max retry count for write failures, default: 3
	RetentionDays   int                   `yaml:"retention_days"`   // Data retention days (0=permanent), default: 30
	CleanupInterval time.Duration         `yaml:"cleanup_interval"` // Cleanup task execution interval, default: 24h
}

// DatabaseBackendConfig 数据库后端配置
type DatabaseBackendConfig struct {
	Type string `yaml:"type"` // "sqlite" | "mysql"

	// SQLite配置
	Path string `yaml:"path,omitempty"`

	// MySQL配置
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// 连接池配置
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

type WebConfig struct {
	Enabled      bool          `yaml:"enabled"`       // Enable operator endpoints (monitor/outcomes/metrics), default: true
	PingInterval time.Duration `yaml:"ping_interval"` // SSE keepalive interval, default: 15s
}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// yaml只覆盖文件中出现的字段，web.enabled 未配置时保持默认开启
	config := Config{Web: WebConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyEnv 环境变量覆盖
func (c *Config) applyEnv() {
	if key := strings.TrimSpace(os.Getenv(APIKeyEnv)); key != "" {
		c.Provider.APIKey = key
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Retry.MaxRetries == nil {
		maxRetries := 3
		c.Retry.MaxRetries = &maxRetries
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = 2 * time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 300 * time.Second
	}
	if c.Retry.BackoffFactor == 0 {
		c.Retry.BackoffFactor = 2.0
	}
	if c.Retry.Jitter == nil {
		jitter := true
		c.Retry.Jitter = &jitter
	}

	if c.Progress.BufferSize == 0 {
		c.Progress.BufferSize = 64
	}
	if c.Progress.SendTimeout == 0 {
		c.Progress.SendTimeout = 100 * time.Millisecond
	}

	if c.Provider.CompletionsPath == "" {
		c.Provider.CompletionsPath = "/v1/chat/completions"
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 120 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Tracking.Database.Type == "" {
		c.Tracking.Database.Type = "sqlite"
	}
	if c.Tracking.Database.Type == "sqlite" && c.Tracking.Database.Path == "" {
		c.Tracking.Database.Path = "data/outcomes.db"
	}
	if c.Tracking.BufferSize == 0 {
		c.Tracking.BufferSize = 1000
	}
	if c.Tracking.BatchSize == 0 {
		c.Tracking.BatchSize = 100
	}
	if c.Tracking.FlushInterval == 0 {
		c.Tracking.FlushInterval = 5 * time.Second
	}
	if c.Tracking.MaxRetry == 0 {
		c.Tracking.MaxRetry = 3
	}
	if c.Tracking.RetentionDays == 0 {
		c.Tracking.RetentionDays = 30
	}
	if c.Tracking.CleanupInterval == 0 {
		c.Tracking.CleanupInterval = 24 * time.Hour
	}

	if c.Web.PingInterval == 0 {
		c.Web.PingInterval = 15 * time.Second
	}

	if c.Timezone == "" {
		c.Timezone = "Asia/Shanghai"
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 0 and 65535")
	}

	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider base_url is required")
	}

	// 重试配置必须能构造出合法的策略
	if _, err := c.RetryPolicy(); err != nil {
		return err
	}

	if c.Server.TaskTimeout < 0 {
		return fmt.Errorf("task timeout cannot be negative")
	}

	if c.Progress.BufferSize < 0 {
		return fmt.Errorf("progress buffer size cannot be negative")
	}

	// Validate proxy configuration
	if c.Proxy.Enabled {
		if c.Proxy.Type == "" {
			return fmt.Errorf("proxy type is required when proxy is enabled")
		}
		if c.Proxy.Type != "http" && c.Proxy.Type != "https" && c.Proxy.Type != "socks5" {
			return fmt.Errorf("proxy type must be 'http', 'https', or 'socks5'")
		}
		if c.Proxy.URL == "" && (c.Proxy.Host == "" || c.Proxy.Port == 0) {
			return fmt.Errorf("proxy URL or host:port must be specified when proxy is enabled")
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging format must be 'text' or 'json'")
	}

	if c.Tracking.Enabled {
		switch c.Tracking.Database.Type {
		case "sqlite":
			if c.Tracking.Database.Path == "" {
				return fmt.Errorf("database path is required when tracking uses sqlite")
			}
		case "mysql":
			if c.Tracking.Database.Host == "" || c.Tracking.Database.Database == "" || c.Tracking.Database.Username == "" {
				return fmt.Errorf("mysql host, database and username are required when tracking uses mysql")
			}
		default:
			return fmt.Errorf("tracking database type must be 'sqlite' or 'mysql'")
		}
		if c.Tracking.BatchSize > c.Tracking.BufferSize {
			return fmt.Errorf("batch size cannot be larger than buffer size")
		}
		if c.Tracking.RetentionDays < 0 {
			return fmt.Errorf("retention days cannot be negative")
		}
	}

	return nil
}

// RetryPolicy 根据当前配置构造重试策略
func (c *Config) RetryPolicy() (*retry.Policy, error) {
	kinds := make([]retry.ErrorKind, 0, len(c.Retry.RetryableErrors))
	for _, name := range c.Retry.RetryableErrors {
		kind, err := retry.ParseErrorKind(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", retry.ErrInvalidPolicy, err)
		}
		kinds = append(kinds, kind)
	}

	maxRetries := 3
	if c.Retry.MaxRetries != nil {
		maxRetries = *c.Retry.MaxRetries
	}
	jitter := true
	if c.Retry.Jitter != nil {
		jitter = *c.Retry.Jitter
	}

	return retry.NewPolicy(retry.PolicyConfig{
		MaxRetries:    maxRetries,
		InitialDelay:  c.Retry.InitialDelay,
		MaxDelay:      c.Retry.MaxDelay,
		BackoffFactor: c.Retry.BackoffFactor,
		Jitter:        jitter,
		Retryable:     kinds,
	})
}

// ConfigWatcher handles automatic configuration reloading
type ConfigWatcher struct {
	configPath    string
	config        *Config
	mutex         sync.RWMutex
	watcher       *fsnotify.Watcher
	logger        *slog.Logger
	callbacks     []func(*Config)
	lastModTime   time.Time
	debounceTimer *time.Timer
	debounce      time.Duration
}

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(configPath string, logger *slog.Logger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fileInfo, err := os.Stat(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	cw := &ConfigWatcher{
		configPath:  configPath,
		config:      config,
		watcher:     watcher,
		logger:      logger,
		callbacks:   make([]func(*Config), 0),
		lastModTime: fileInfo.ModTime(),
		debounce:    500 * time.Millisecond,
	}

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	go cw.watchLoop()

	return cw, nil
}

// GetConfig returns the current configuration (thread-safe)
func (cw *ConfigWatcher) GetConfig() *Config {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	return cw.config
}

// RetryPolicy 每次调用都基于最新配置构造新策略，已发出的策略不受重载影响
func (cw *ConfigWatcher) RetryPolicy() (*retry.Policy, error) {
	cfg := cw.GetConfig()
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	return cfg.RetryPolicy()
}

// UpdateLogger updates the logger used by the config watcher
func (cw *ConfigWatcher) UpdateLogger(logger *slog.Logger) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.logger = logger
}

func (cw *ConfigWatcher) getLogger() *slog.Logger {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	return cw.logger
}

// AddReloadCallback adds a callback function that will be called when config is reloaded
func (cw *ConfigWatcher) AddReloadCallback(callback func(*Config)) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// watchLoop monitors the config file for changes
func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				fileInfo, err := os.Stat(cw.configPath)
				if err != nil {
					cw.getLogger().Warn(fmt.Sprintf("⚠️ 无法获取配置文件信息: %v", err))
					continue
				}

				if !fileInfo.ModTime().After(cw.lastModTime) {
					continue
				}
				cw.lastModTime = fileInfo.ModTime()

				cw.scheduleReload(event.Name)
			}

			// 部分编辑器保存时会重命名文件
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				time.Sleep(100 * time.Millisecond)
				if _, err := os.Stat(cw.configPath); err == nil {
					if err := cw.watcher.Add(cw.configPath); err == nil {
						cw.getLogger().Info(fmt.Sprintf("🔄 重新监听配置文件: %s", cw.configPath))
						cw.scheduleReload(event.Name)
					}
				}
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.getLogger().Error(fmt.Sprintf("⚠️ 配置文件监听错误: %v", err))
		}
	}
}

func (cw *ConfigWatcher) scheduleReload(name string) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()

	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.debounceTimer = time.AfterFunc(cw.debounce, func() {
		logger := cw.getLogger()
		logger.Info(fmt.Sprintf("🔄 检测到配置文件变更，正在重新加载... - 文件: %s", name))
		if err := cw.reloadConfig(); err != nil {
			logger.Error(fmt.Sprintf("❌ 配置文件重新加载失败，继续使用旧配置: %v", err))
		} else {
			logger.Info("✅ 配置文件重新加载成功")
		}
	})
}

// reloadConfig reloads the configuration from file
func (cw *ConfigWatcher) reloadConfig() error {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}

	cw.mutex.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mutex.Unlock()

	for _, callback := range callbacks {
		callback(newConfig)
	}

	cw.logConfigChanges(oldConfig, newConfig)

	return nil
}

// logConfigChanges logs the key differences between old and new configurations
func (cw *ConfigWatcher) logConfigChanges(oldConfig, newConfig *Config) {
	logger := cw.getLogger()

	if *oldConfig.Retry.MaxRetries != *newConfig.Retry.MaxRetries {
		logger.Info("🔁 最大重试次数变更",
			"old_max_retries", *oldConfig.Retry.MaxRetries,
			"new_max_retries", *newConfig.Retry.MaxRetries)
	}

	if oldConfig.Retry.InitialDelay != newConfig.Retry.InitialDelay {
		logger.Info("⏱️ 初始重试延迟变更",
			"old_delay", oldConfig.Retry.InitialDelay,
			"new_delay", newConfig.Retry.InitialDelay)
	}

	if oldConfig.Retry.MaxDelay != newConfig.Retry.MaxDelay {
		logger.Info("⏱️ 最大重试延迟变更",
			"old_delay", oldConfig.Retry.MaxDelay,
			"new_delay", newConfig.Retry.MaxDelay)
	}

	if oldConfig.Retry.BackoffFactor != newConfig.Retry.BackoffFactor {
		logger.Info("📈 退避倍数变更",
			"old_factor", oldConfig.Retry.BackoffFactor,
			"new_factor", newConfig.Retry.BackoffFactor)
	}

	if *oldConfig.Retry.Jitter != *newConfig.Retry.Jitter {
		logger.Info("🎲 抖动开关变更",
			"old_jitter", *oldConfig.Retry.Jitter,
			"new_jitter", *newConfig.Retry.Jitter)
	}

	if oldConfig.Provider.BaseURL != newConfig.Provider.BaseURL {
		logger.Info("📡 上游地址变更（重启后生效）",
			"old_url", oldConfig.Provider.BaseURL,
			"new_url", newConfig.Provider.BaseURL)
	}

	if oldConfig.Server.Port != newConfig.Server.Port {
		logger.Info("🌐 服务器端口变更（重启后生效）",
			"old_port", oldConfig.Server.Port,
			"new_port", newConfig.Server.Port)
	}

	if oldConfig.Logging.Level != newConfig.Logging.Level {
		logger.Info("📝 日志级别变更",
			"old_level", oldConfig.Logging.Level,
			"new_level", newConfig.Logging.Level)
	}
}

// Close stops the watcher
func (cw *ConfigWatcher) Close() error {
	cw.mutex.Lock()
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.mutex.Unlock()
	return cw.watcher.Close()
}
