package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// DatabaseAdapter 定义数据库操作接口
// 抽象SQLite和MySQL的差异，让结果记录器无需关心具体实现
type DatabaseAdapter interface {
	// 基础连接管理
	Open() error
	Close() error
	Ping(ctx context.Context) error

	GetDB() *sql.DB

	// 数据库初始化
	InitSchema() error

	// SQL语法适配
	BuildLimitOffset(limit, offset int) string

	// 数据库特定操作
	VacuumDatabase(ctx context.Context) error

	GetConnectionStats() ConnectionStats
	GetDatabaseType() string
}

// DatabaseConfig 统一数据库配置结构
type DatabaseConfig struct {
	Type string `yaml:"type"` // "sqlite" | "mysql"

	// SQLite配置
	DatabasePath string `yaml:"database_path,omitempty"`

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
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time,omitempty"`

	Charset  string `yaml:"charset,omitempty"`
	Timezone string `yaml:"timezone,omitempty"`
}

// ConnectionStats 连接池统计信息
type ConnectionStats struct {
	OpenConnections  int           `json:"open_connections"`
	IdleConnections  int           `json:"idle_connections"`
	InUseConnections int           `json:"in_use_connections"`
	WaitCount        int64         `json:"wait_count"`
	WaitDuration     time.Duration `json:"wait_duration"`
}

// NewDatabaseAdapter 数据库适配器工厂函数
func NewDatabaseAdapter(config DatabaseConfig) (DatabaseAdapter, error) {
	config.Type = getDatabaseType(config)

	switch config.Type {
	case "sqlite":
		return NewSQLiteAdapter(config)
	case "mysql":
		return NewMySQLAdapter(config)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}
}

// getDatabaseType 从配置推断数据库类型
func getDatabaseType(config DatabaseConfig) string {
	if config.Type != "" {
		return strings.ToLower(config.Type)
	}
	if config.Host != "" || config.Database != "" {
		return "mysql"
	}
	return "sqlite"
}

// setDefaultConfig 设置数据库配置默认值
func setDefaultConfig(config *DatabaseConfig) {
	if config.Timezone == "" {
		config.Timezone = "Asia/Shanghai"
	}

	switch config.Type {
	case "mysql":
		if config.Port == 0 {
			config.Port = 3306
		}
		if config.MaxOpenConns == 0 {
			config.MaxOpenConns = 10
		}
		if config.MaxIdleConns == 0 {
			config.MaxIdleConns = 5
		}
		if config.ConnMaxLifetime == 0 {
			config.ConnMaxLifetime = time.Hour
		}
		if config.ConnMaxIdleTime == 0 {
			config.ConnMaxIdleTime = 10 * time.Minute
		}
		if config.Charset == "" {
			config.Charset = "utf8mb4"
		}
	case "sqlite", "":
		if config.DatabasePath == "" {
			config.DatabasePath = "data/outcomes.db"
		}
	}
}

// loadLocation 解析时区，失败时退回系统本地时区
func loadLocation(timezone string) (*time.Location, error) {
	timezone = strings.TrimSpace(timezone)
	if timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Local, err
	}
	return loc, nil
}

func connectionStats(db *sql.DB) ConnectionStats {
	if db == nil {
		return ConnectionStats{}
	}
	s := db.Stats()
	return ConnectionStats{
		OpenConnections:  s.OpenConnections,
		IdleConnections:  s.Idle,
		InUseConnections: s.InUse,
		WaitCount:        s.WaitCount,
		WaitDuration:     s.WaitDuration,
	}
}

// splitSQLStatements 按分号拆分schema脚本，跳过空语句和注释行
func splitSQLStatements(script string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSuffix(strings.TrimSpace(current.String()), ";")
			if stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}

	if rest := strings.TrimSpace(current.String()); rest != "" {
		statements = append(statements, rest)
	}
	return statements
}

func limitOffset(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	if offset <= 0 {
		return fmt.Sprintf(" LIMIT %d", limit)
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}
