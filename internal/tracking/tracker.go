package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"infer-relay/internal/retry"
)

// Config 结果记录配置
type Config struct {
	Enabled         bool
	Database        DatabaseConfig
	BufferSize      int
	BatchSize       int
	FlushInterval   time.Duration
	MaxRetry        int
	RetentionDays   int // 0 表示永久保留
	CleanupInterval time.Duration
}

// Outcome 一次任务的最终结果
type Outcome struct {
	TaskID         string
	SessionID      string
	Result         retry.Outcome
	Attempts       int
	LastError      string
	Classification string
	ErrorKind      string
	RetryWait      time.Duration
	Duration       time.Duration
	FinishedAt     time.Time
}

// pendingTask 任务执行期间累积的重试信息
type pendingTask struct {
	classification string
	errorKind      string
	retryWait      time.Duration
}

// OutcomeTracker 异步批量写入任务结果
// 作为 retry.Hook 挂在执行器上，不阻塞重试流程
type OutcomeTracker struct {
	config  *Config
	adapter DatabaseAdapter
	logger  *slog.Logger

	eventChan chan Outcome
	pending   sync.Map // key -> *pendingTask

	location  *time.Location
	now       func() time.Time
	flushWait time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewOutcomeTracker 创建结果记录器，未启用时返回空转实例
func NewOutcomeTracker(config *Config, logger *slog.Logger) (*OutcomeTracker, error) {
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	if !config.Enabled {
		logger.Info("📊 任务结果记录已禁用")
		return &OutcomeTracker{config: config, logger: logger, now: time.Now, location: time.Local}, nil
	}

	setTrackerDefaults(config)

	adapter, err := NewDatabaseAdapter(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create database adapter: %w", err)
	}
	if err := adapter.Open(); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := adapter.InitSchema(); err != nil {
		adapter.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	location, _ := loadLocation(config.Database.Timezone)
	ctx, cancel := context.WithCancel(context.Background())

	t := &OutcomeTracker{
		config:    config,
		adapter:   adapter,
		logger:    logger,
		eventChan: make(chan Outcome, config.BufferSize),
		location:  location,
		now:       time.Now,
		flushWait: time.Second,
		ctx:       ctx,
		cancel:    cancel,
	}

	t.wg.Add(1)
	go t.processEvents()

	if config.RetentionDays > 0 && config.CleanupInterval > 0 {
		t.wg.Add(1)
		go t.periodicCleanup()
	}

	logger.Info("📊 任务结果记录已启动",
		"database_type", adapter.GetDatabaseType(),
		"buffer_size", config.BufferSize,
		"batch_size", config.BatchSize,
		"flush_interval", config.FlushInterval)

	return t, nil
}

func setTrackerDefaults(config *Config) {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxRetry <= 0 {
		config.MaxRetry = 3
	}
}

// Enabled 是否启用
func (t *OutcomeTracker) Enabled() bool {
	return t != nil && t.config.Enabled && t.adapter != nil
}

var _ retry.Hook = (*OutcomeTracker)(nil)

func (t *OutcomeTracker) OnRetryAttempt(_ context.Context, sink retry.ProgressSink, record retry.AttemptRecord, class retry.Classification) {
	if !t.Enabled() {
		return
	}
	key := pendingKey(sink)
	if key == "" {
		// 无任务标识的调用彼此无法区分，不累积分类信息
		return
	}
	value, _ := t.pending.LoadOrStore(key, &pendingTask{})
	p := value.(*pendingTask)
	// 同一任务的回调由执行器串行调用
	p.classification = class.Kind.String()
	p.errorKind = class.ErrorKind.String()
	p.retryWait += record.PlannedDelay
}

func (t *OutcomeTracker) OnRetrySuccess(_ context.Context, sink retry.ProgressSink, attempts int, total time.Duration) {
	t.finish(sink, retry.OutcomeSucceeded, attempts, total, nil)
}

func (t *OutcomeTracker) OnRetryFailure(_ context.Context, sink retry.ProgressSink, err error, attempts int, total time.Duration) {
	t.finish(sink, retry.OutcomeOf(err), attempts, total, err)
}

func (t *OutcomeTracker) finish(sink retry.ProgressSink, result retry.Outcome, attempts int, total time.Duration, err error) {
	if !t.Enabled() {
		return
	}

	outcome := Outcome{
		TaskID:     sink.TaskID,
		SessionID:  sink.SessionID,
		Result:     result,
		Attempts:   attempts,
		Duration:   total,
		FinishedAt: t.now(),
	}
	if err != nil {
		outcome.LastError = lastErrorMessage(err)
	}
	if key := pendingKey(sink); key != "" {
		if value, ok := t.pending.LoadAndDelete(key); ok {
			p := value.(*pendingTask)
			outcome.Classification = p.classification
			outcome.ErrorKind = p.errorKind
			outcome.RetryWait = p.retryWait
		}
	}

	t.Record(outcome)
}

// Record 提交一条结果，缓冲区满时丢弃
func (t *OutcomeTracker) Record(outcome Outcome) {
	if !t.Enabled() {
		return
	}
	if t.ctx.Err() != nil {
		t.logger.Debug("结果记录器已关闭，丢弃记录", "task_id", outcome.TaskID)
		return
	}

	select {
	case t.eventChan <- outcome:
	default:
		t.logger.Warn("⚠️ 结果记录缓冲区已满，丢弃记录",
			"task_id", outcome.TaskID,
			"result", outcome.Result)
	}
}

func pendingKey(sink retry.ProgressSink) string {
	if sink.TaskID != "" {
		return sink.TaskID
	}
	return sink.SessionID
}

// lastErrorMessage 取最后一次尝试的错误，而不是外层的包装
func lastErrorMessage(err error) string {
	var exhausted *retry.RetriesExhaustedError
	if errors.As(err, &exhausted) && exhausted.LastErr != nil {
		return exhausted.LastErr.Error()
	}
	var cancelled *retry.CancelledError
	if errors.As(err, &cancelled) && cancelled.LastErr != nil {
		return cancelled.LastErr.Error()
	}
	return err.Error()
}

// processEvents 异步事件处理循环
func (t *OutcomeTracker) processEvents() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]Outcome, 0, t.config.BatchSize)

	for {
		select {
		case outcome := <-t.eventChan:
			batch = append(batch, outcome)
			if len(batch) >= t.config.BatchSize {
				t.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				t.flushBatch(batch)
				batch = batch[:0]
			}

		case <-t.ctx.Done():
			// 处理通道中剩余的记录
			for {
				select {
				case outcome := <-t.eventChan:
					batch = append(batch, outcome)
					if len(batch) >= t.config.BatchSize {
						t.flushBatch(batch)
						batch = batch[:0]
					}
				default:
					if len(batch) > 0 {
						t.flushBatch(batch)
					}
					t.logger.Debug("任务结果写入循环已停止")
					return
				}
			}
		}
	}
}

// flushBatch 批量写入，可重试的数据库错误按次数线性退避
func (t *OutcomeTracker) flushBatch(batch []Outcome) {
	for attempt := 1; attempt <= t.config.MaxRetry; attempt++ {
		err := t.writeBatch(batch)
		if err == nil {
			if attempt > 1 {
				t.logger.Info("✅ 任务结果重试写入成功", "retry", attempt-1, "batch_size", len(batch))
			}
			return
		}

		if !isRetryableDBError(err) {
			t.logger.Error("❌ 任务结果写入失败", "error", err, "batch_size", len(batch))
			return
		}

		t.logger.Warn("⚠️ 任务结果写入失败，准备重试",
			"error", err,
			"retry", attempt,
			"max_retry", t.config.MaxRetry,
			"batch_size", len(batch))
		if attempt < t.config.MaxRetry {
			time.Sleep(time.Duration(attempt) * t.flushWait)
		}
	}

	t.logger.Error("❌ 任务结果写入重试耗尽", "batch_size", len(batch), "max_retry", t.config.MaxRetry)
}

func (t *OutcomeTracker) writeBatch(batch []Outcome) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := t.adapter.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertOutcomeQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range batch {
		if _, err := stmt.ExecContext(ctx,
			o.TaskID,
			o.SessionID,
			string(o.Result),
			o.Attempts,
			o.LastError,
			o.Classification,
			o.ErrorKind,
			o.RetryWait.Milliseconds(),
			o.Duration.Milliseconds(),
			o.FinishedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("failed to insert outcome %s: %w", o.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const insertOutcomeQuery = `INSERT INTO task_outcomes
	(task_id, session_id, result, attempts, last_error, classification, error_kind, retry_wait_ms, duration_ms, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// isRetryableDBError 锁冲突和连接类错误值得重试
func isRetryableDBError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"sqlite_busy", "sqlite_locked", "database is locked",
		"deadlock", "lock wait timeout",
		"connection", "bad connection", "broken pipe",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// periodicCleanup 定期清理过期记录
func (t *OutcomeTracker) periodicCleanup() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := t.CleanupOldRecords(t.ctx); err != nil {
				t.logger.Error("❌ 清理过期任务结果失败", "error", err)
			}
		case <-t.ctx.Done():
			return
		}
	}
}

// CleanupOldRecords 删除超过保留天数的记录，返回删除条数
func (t *OutcomeTracker) CleanupOldRecords(ctx context.Context) (int64, error) {
	if !t.Enabled() || t.config.RetentionDays <= 0 {
		return 0, nil
	}

	cutoff := t.now().AddDate(0, 0, -t.config.RetentionDays)
	result, err := t.adapter.GetDB().ExecContext(ctx,
		"DELETE FROM task_outcomes WHERE finished_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old outcomes: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		if err := t.adapter.VacuumDatabase(ctx); err != nil {
			t.logger.Warn("清理后回收数据库空间失败", "error", err)
		}
		t.logger.Info("🧹 已清理过期任务结果",
			"deleted_count", deleted,
			"cutoff_date", cutoff.In(t.location).Format("2006-01-02"),
			"retention_days", t.config.RetentionDays)
	}
	return deleted, nil
}

// ConnectionStats 数据库连接池统计
func (t *OutcomeTracker) ConnectionStats() ConnectionStats {
	if !t.Enabled() {
		return ConnectionStats{}
	}
	return t.adapter.GetConnectionStats()
}

// Close 停止写入循环，写完缓冲中的记录后关闭数据库
func (t *OutcomeTracker) Close() error {
	if !t.Enabled() {
		return nil
	}
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		t.wg.Wait()
		err = t.adapter.Close()
		t.logger.Info("📊 任务结果记录已关闭")
	})
	return err
}
