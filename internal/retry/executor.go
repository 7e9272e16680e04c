package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"infer-relay/internal/progress"
)

const (
	// LongWaitThreshold 超过该时长的等待会被拆分为多个可观察的子区间
	LongWaitThreshold = 5 * time.Second
	// WaitTicks 长等待拆分的子区间数量
	WaitTicks = 10
)

// ProgressSink 进度推送目标，零值表示不推送
type ProgressSink struct {
	SessionID string
	TaskID    string
}

// Enabled 是否需要推送进度
func (s ProgressSink) Enabled() bool {
	return s.SessionID != ""
}

// Result 执行结果
type Result[T any] struct {
	Value    T
	Attempts int
	Elapsed  time.Duration
}

// Sleeper 可被context打断的等待
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext 默认等待实现，context结束时提前返回
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Executor 重试执行器
// 自身无状态，每次Do调用维护独立的尝试状态，可在多个goroutine间共享
type Executor struct {
	emitter    progress.Emitter
	logger     *slog.Logger
	hooks      Hooks
	sleep      Sleeper
	classifier *Classifier
	planner    *Planner
	now        func() time.Time
}

// Option 配置Executor
type Option func(*Executor)

func WithEmitter(emitter progress.Emitter) Option {
	return func(e *Executor) { e.emitter = emitter }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithHooks(hooks ...Hook) Option {
	return func(e *Executor) {
		for _, hook := range hooks {
			if hook != nil {
				e.hooks = append(e.hooks, hook)
			}
		}
	}
}

func WithSleeper(sleep Sleeper) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

func WithClassifier(c *Classifier) Option {
	return func(e *Executor) {
		if c != nil {
			e.classifier = c
		}
	}
}

func WithPlanner(p *Planner) Option {
	return func(e *Executor) {
		if p != nil {
			e.planner = p
		}
	}
}

// WithClock 替换时间源（用于测试耗时统计）
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor 创建重试执行器
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		logger:     slog.Default(),
		sleep:      SleepContext,
		classifier: NewClassifier(),
		planner:    NewPlanner(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do 执行op，按策略重试，并将进度推送到sink指定的会话
//
// 返回值：
//   - 成功：结果和尝试次数
//   - 致命错误：原始错误，不做包装
//   - 重试耗尽：*RetriesExhaustedError
//   - ctx结束（尝试前、尝试中或等待期间）：*CancelledError
func Do[T any](ctx context.Context, exec *Executor, policy *Policy, sink ProgressSink, op func(ctx context.Context) (T, error)) (Result[T], error) {
	if exec == nil {
		exec = NewExecutor()
	}
	if policy == nil {
		policy = FallbackPolicy()
	}

	var zero T
	start := exec.now()
	elapsed := func() time.Duration { return exec.now().Sub(start) }

	exec.emit(sink, progress.StageAcknowledged, "任务已受理", 0, map[string]any{
		"max_attempts": policy.MaxAttempts(),
	})

	cancelled := func(cause, lastErr error, attempts int, reason string) (Result[T], error) {
		total := elapsed()
		cancelErr := &CancelledError{Cause: cause, LastErr: lastErr, Attempts: attempts}
		exec.logger.Info("⏹️ [重试取消] "+reason,
			"task_id", sink.TaskID, "attempts", attempts, "reason", cause)
		exec.hooks.OnRetryFailure(ctx, sink, cancelErr, attempts, total)
		exec.emit(sink, progress.StageFailed, "任务已取消", 100, map[string]any{
			"attempts":  attempts,
			"cancelled": true,
		})
		return Result[T]{Value: zero, Attempts: attempts, Elapsed: total}, cancelErr
	}

	running := policy.InitialDelay()
	history := make([]AttemptRecord, 0, policy.MaxAttempts())
	var lastErr error

	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return cancelled(ctxErr, lastErr, attempt-1, "任务在尝试前被取消")
		}

		record := AttemptRecord{Attempt: attempt, StartedAt: exec.now()}

		value, err := op(ctx)
		if err == nil {
			total := elapsed()
			if attempt > 1 {
				exec.logger.Info("✅ [重试成功] 任务在重试后成功",
					"task_id", sink.TaskID, "attempts", attempt, "duration", total)
			}
			exec.hooks.OnRetrySuccess(ctx, sink, attempt, total)
			exec.emit(sink, progress.StageSucceeded, "任务完成", 100, map[string]any{
				"attempts": attempt,
			})
			return Result[T]{Value: value, Attempts: attempt, Elapsed: total}, nil
		}

		record.Err = err
		lastErr = err

		// 调用方取消导致的失败不参与分类
		if ctxErr := ctx.Err(); ctxErr != nil {
			return cancelled(ctxErr, err, attempt, "任务在尝试中被取消")
		}

		class := exec.classifier.Classify(err, policy)

		if class.Kind == ClassFatal {
			history = append(history, record)
			exec.hooks.OnRetryAttempt(ctx, sink, record, class)
			total := elapsed()
			exec.logger.Warn("❌ [重试决策] 不可重试错误，立即失败",
				"task_id", sink.TaskID, "attempt", attempt, "error_kind", class.ErrorKind, "error", err)
			exec.hooks.OnRetryFailure(ctx, sink, err, attempt, total)
			exec.emit(sink, progress.StageFailed, err.Error(), 100, map[string]any{
				"attempts":       attempt,
				"classification": class.Kind.String(),
				"error_kind":     class.ErrorKind.String(),
			})
			return Result[T]{Value: zero, Attempts: attempt, Elapsed: total}, err
		}

		if attempt > policy.MaxRetries() {
			history = append(history, record)
			exec.hooks.OnRetryAttempt(ctx, sink, record, class)
			total := elapsed()
			exhausted := &RetriesExhaustedError{LastErr: err, Attempts: attempt, History: history}
			exec.logger.Warn("🛑 [重试耗尽] 已达最大重试次数",
				"task_id", sink.TaskID, "attempts", attempt, "max_retries", policy.MaxRetries(), "error", err)
			exec.hooks.OnRetryFailure(ctx, sink, exhausted, attempt, total)
			exec.emit(sink, progress.StageFailed, err.Error(), 100, map[string]any{
				"attempts":       attempt,
				"classification": class.Kind.String(),
				"exhausted":      true,
			})
			return Result[T]{Value: zero, Attempts: attempt, Elapsed: total}, exhausted
		}

		delay, next := exec.planner.PlanDelay(class, attempt, policy, running)
		running = next
		record.PlannedDelay = delay
		history = append(history, record)
		exec.hooks.OnRetryAttempt(ctx, sink, record, class)

		exec.logger.Info("🔄 [重试决策] 等待后重试",
			"task_id", sink.TaskID,
			"attempt", attempt,
			"classification", class.String(),
			"delay", delay,
			"error", err)

		if waitErr := exec.wait(ctx, sink, attempt, delay, class); waitErr != nil {
			return cancelled(waitErr, err, attempt, "等待期间任务被取消")
		}
	}
}

// wait 执行两次尝试之间的等待
// 短等待先推送一条waiting通知再整段等待；长等待拆分为WaitTicks段，每段结束后推送剩余时间
func (e *Executor) wait(ctx context.Context, sink ProgressSink, attempt int, delay time.Duration, class Classification) error {
	if delay <= LongWaitThreshold {
		e.emit(sink, progress.StageWaiting,
			fmt.Sprintf("第%d次尝试失败，%.1f秒后重试", attempt, delay.Seconds()), 0,
			map[string]any{
				"attempt":           attempt,
				"delay_seconds":     delay.Seconds(),
				"remaining_seconds": delay.Seconds(),
				"remaining_percent": 100,
				"classification":    class.Kind.String(),
			})
		return e.sleep(ctx, delay)
	}

	step := delay / WaitTicks
	for i := 0; i < WaitTicks; i++ {
		d := step
		if i == WaitTicks-1 {
			d = delay - step*time.Duration(WaitTicks-1)
		}
		if err := e.sleep(ctx, d); err != nil {
			return err
		}

		percent := (i + 1) * 100 / WaitTicks
		remaining := delay - step*time.Duration(i+1)
		if i == WaitTicks-1 || remaining < 0 {
			remaining = 0
		}
		e.emit(sink, progress.StageWaiting,
			fmt.Sprintf("等待重试中，剩余%.1f秒", remaining.Seconds()), percent,
			map[string]any{
				"attempt":           attempt,
				"delay_seconds":     delay.Seconds(),
				"remaining_seconds": remaining.Seconds(),
				"remaining_percent": 100 - percent,
				"classification":    class.Kind.String(),
			})
	}
	return nil
}

// emit 尽力推送进度，推送失败或异常只记录日志
func (e *Executor) emit(sink ProgressSink, stage progress.Stage, message string, percent int, metadata map[string]any) {
	if !sink.Enabled() || e.emitter == nil {
		return
	}

	event := progress.Event{
		SessionID: sink.SessionID,
		TaskID:    sink.TaskID,
		Stage:     stage,
		Message:   message,
		Percent:   progress.ClampPercent(percent),
		Metadata:  metadata,
		Timestamp: e.now(),
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("❌ [进度推送] 推送异常", "session_id", sink.SessionID, "task_id", sink.TaskID, "panic", r)
		}
	}()

	if e.emitter.Emit(sink.SessionID, event) == progress.Dropped {
		e.logger.Debug("📭 [进度推送] 会话不可达，事件已丢弃",
			"session_id", sink.SessionID, "task_id", sink.TaskID, "stage", stage)
	}
}
