package retry

import (
	"context"
	"log/slog"
	"time"
)

// Hook 重试过程回调，用于指标、持久化和事件广播
// 回调在执行任务的goroutine上同步调用，实现方不应阻塞
type Hook interface {
	// OnRetryAttempt 每次失败的尝试完成分类后调用
	OnRetryAttempt(ctx context.Context, sink ProgressSink, record AttemptRecord, class Classification)
	// OnRetrySuccess 任务成功时调用
	OnRetrySuccess(ctx context.Context, sink ProgressSink, attempts int, total time.Duration)
	// OnRetryFailure 任务最终失败时调用（致命错误、重试耗尽或取消）
	OnRetryFailure(ctx context.Context, sink ProgressSink, err error, attempts int, total time.Duration)
}

// Hooks 多个Hook的扇出，单个Hook的panic不会影响其他Hook和重试循环
type Hooks []Hook

func (h Hooks) OnRetryAttempt(ctx context.Context, sink ProgressSink, record AttemptRecord, class Classification) {
	for _, hook := range h {
		safeCall("OnRetryAttempt", func() { hook.OnRetryAttempt(ctx, sink, record, class) })
	}
}

func (h Hooks) OnRetrySuccess(ctx context.Context, sink ProgressSink, attempts int, total time.Duration) {
	for _, hook := range h {
		safeCall("OnRetrySuccess", func() { hook.OnRetrySuccess(ctx, sink, attempts, total) })
	}
}

func (h Hooks) OnRetryFailure(ctx context.Context, sink ProgressSink, err error, attempts int, total time.Duration) {
	for _, hook := range h {
		safeCall("OnRetryFailure", func() { hook.OnRetryFailure(ctx, sink, err, attempts, total) })
	}
}

func safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("❌ [重试回调] 回调执行异常", "hook", name, "panic", r)
		}
	}()
	fn()
}

// NopHook 空实现，可嵌入只关心部分回调的类型
type NopHook struct{}

func (NopHook) OnRetryAttempt(context.Context, ProgressSink, AttemptRecord, Classification) {}
func (NopHook) OnRetrySuccess(context.Context, ProgressSink, int, time.Duration)            {}
func (NopHook) OnRetryFailure(context.Context, ProgressSink, error, int, time.Duration)     {}
