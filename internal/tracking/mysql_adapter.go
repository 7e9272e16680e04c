package tracking

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

//go:embed schema_mysql.sql
var mysqlSchema string

// MySQLAdapter MySQL数据库适配器
type MySQLAdapter struct {
	config   DatabaseConfig
	db       *sql.DB
	logger   *slog.Logger
	location *time.Location
}

// NewMySQLAdapter 创建MySQL适配器实例
func NewMySQLAdapter(config DatabaseConfig) (*MySQLAdapter, error) {
	config.Type = "mysql"
	setDefaultConfig(&config)

	location, err := loadLocation(config.Timezone)
	if err != nil {
		slog.Warn("MySQL时区解析失败，使用系统本地时区",
			"configured_timezone", config.Timezone,
			"error", err)
	}

	return &MySQLAdapter{
		config:   config,
		logger:   slog.Default(),
		location: location,
	}, nil
}

// Open 建立MySQL数据库连接
func (m *MySQLAdapter) Open() error {
	dsn, err := m.buildDSN()
	if err != nil {
		return fmt.Errorf("failed to build DSN: %w", err)
	}

	m.logger.Info("正在连接MySQL数据库",
		"host", m.config.Host,
		"database", m.config.Database,
		"charset", m.config.Charset)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(m.config.MaxOpenConns)
	db.SetMaxIdleConns(m.config.MaxIdleConns)
	db.SetConnMaxLifetime(m.config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(m.config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping MySQL database: %w", err)
	}

	m.db = db
	m.logger.Info("✅ MySQL数据库连接成功",
		"max_open_conns", m.config.MaxOpenConns,
		"max_idle_conns", m.config.MaxIdleConns)
	return nil
}

// buildDSN 构建MySQL连接字符串
func (m *MySQLAdapter) buildDSN() (string, error) {
	if m.config.Host == "" {
		return "", fmt.Errorf("MySQL host is required")
	}
	if m.config.Database == "" {
		return "", fmt.Errorf("MySQL database name is required")
	}
	if m.config.Username == "" {
		return "", fmt.Errorf("MySQL username is required")
	}

	cfg := mysql.NewConfig()
	cfg.User = m.config.Username
	cfg.Passwd = m.config.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(m.config.Host, strconv.Itoa(m.config.Port))
	cfg.DBName = m.config.Database
	cfg.ParseTime = true
	cfg.Loc = m.location
	cfg.Timeout = 30 * time.Second
	cfg.ReadTimeout = 30 * time.Second
	cfg.WriteTimeout = 30 * time.Second
	cfg.Params = map[string]string{"charset": m.config.Charset}

	return cfg.FormatDSN(), nil
}

func (m *MySQLAdapter) Close() error {
	if m.db == nil {
		return nil
	}
	m.logger.Info("正在关闭MySQL数据库连接")
	return m.db.Close()
}

func (m *MySQLAdapter) Ping(ctx context.Context) error {
	if m.db == nil {
		return fmt.Errorf("database not connected")
	}
	return m.db.PingContext(ctx)
}

func (m *MySQLAdapter) GetDB() *sql.DB {
	return m.db
}

// InitSchema 初始化MySQL数据库Schema，驱动默认不允许多语句，逐条执行
func (m *MySQLAdapter) InitSchema() error {
	if m.db == nil {
		return fmt.Errorf("database not connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range splitSQLStatements(mysqlSchema) {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	m.logger.Debug("MySQL数据库Schema初始化完成")
	return nil
}

func (m *MySQLAdapter) BuildLimitOffset(limit, offset int) string {
	return limitOffset(limit, offset)
}

// VacuumDatabase MySQL下以 OPTIMIZE TABLE 回收空间
func (m *MySQLAdapter) VacuumDatabase(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, "OPTIMIZE TABLE task_outcomes"); err != nil {
		return fmt.Errorf("failed to optimize MySQL table: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) GetConnectionStats() ConnectionStats {
	return connectionStats(m.db)
}

func (m *MySQLAdapter) GetDatabaseType() string {
	return "mysql"
}
