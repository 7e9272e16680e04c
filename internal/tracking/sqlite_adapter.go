package tracking

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLiteAdapter SQLite数据库适配器
type SQLiteAdapter struct {
	config   DatabaseConfig
	db       *sql.DB
	logger   *slog.Logger
	location *time.Location
}

// NewSQLiteAdapter 创建SQLite适配器实例
func NewSQLiteAdapter(config DatabaseConfig) (*SQLiteAdapter, error) {
	config.Type = "sqlite"
	setDefaultConfig(&config)

	location, err := loadLocation(config.Timezone)
	if err != nil {
		slog.Warn("SQLite时区解析失败，使用系统本地时区",
			"configured_timezone", config.Timezone,
			"error", err)
	}

	return &SQLiteAdapter{
		config:   config,
		logger:   slog.Default(),
		location: location,
	}, nil
}

// buildDSN 构建 modernc sqlite 连接字符串
func (s *SQLiteAdapter) buildDSN() string {
	return s.config.DatabasePath +
		"?_pragma=busy_timeout(60000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
}

// Open 建立SQLite数据库连接
func (s *SQLiteAdapter) Open() error {
	dbPath := s.config.DatabasePath
	s.logger.Info("正在连接SQLite数据库", "path", dbPath)

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", s.buildDSN())
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite写操作需要单一连接
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	s.db = db
	s.logger.Info("✅ SQLite数据库连接成功", "timezone", s.location.String())
	return nil
}

// Close 关闭数据库连接
func (s *SQLiteAdapter) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Info("正在关闭SQLite数据库连接")
	return s.db.Close()
}

func (s *SQLiteAdapter) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not connected")
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteAdapter) GetDB() *sql.DB {
	return s.db
}

// InitSchema 初始化SQLite数据库Schema
func (s *SQLiteAdapter) InitSchema() error {
	if s.db == nil {
		return fmt.Errorf("database not connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range splitSQLStatements(sqliteSchema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	s.logger.Debug("SQLite数据库Schema初始化完成")
	return nil
}

func (s *SQLiteAdapter) BuildLimitOffset(limit, offset int) string {
	return limitOffset(limit, offset)
}

// VacuumDatabase SQLite执行VACUUM操作，VACUUM不能在事务中运行
func (s *SQLiteAdapter) VacuumDatabase(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum SQLite database: %w", err)
	}
	s.logger.Debug("SQLite VACUUM操作完成")
	return nil
}

func (s *SQLiteAdapter) GetConnectionStats() ConnectionStats {
	return connectionStats(s.db)
}

func (s *SQLiteAdapter) GetDatabaseType() string {
	return "sqlite"
}
