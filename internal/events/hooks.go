package events

import (
	"context"
	"time"

	"infer-relay/internal/retry"
)

// HookPublisher 将重试过程发布到事件总线
type HookPublisher struct {
	bus EventBus
}

// NewHookPublisher 创建重试事件发布器
func NewHookPublisher(bus EventBus) *HookPublisher {
	return &HookPublisher{bus: bus}
}

var _ retry.Hook = (*HookPublisher)(nil)

func (h *HookPublisher) OnRetryAttempt(_ context.Context, sink retry.ProgressSink, record retry.AttemptRecord, class retry.Classification) {
	if class.Kind == retry.ClassFatal {
		return
	}
	data := map[string]interface{}{
		"task_id":        sink.TaskID,
		"session_id":     sink.SessionID,
		"attempt":        record.Attempt,
		"classification": class.Kind.String(),
		"error_kind":     class.ErrorKind.String(),
		"delay_ms":       record.PlannedDelay.Milliseconds(),
	}
	if record.Err != nil {
		data["error"] = record.Err.Error()
	}
	h.bus.Publish(Event{
		Type:     EventTaskRetrying,
		Source:   "retry",
		Priority: PriorityLow,
		Data:     data,
	})
}

func (h *HookPublisher) OnRetrySuccess(_ context.Context, sink retry.ProgressSink, attempts int, total time.Duration) {
	h.bus.Publish(Event{
		Type:     EventTaskSucceeded,
		Source:   "retry",
		Priority: PriorityNormal,
		Data: map[string]interface{}{
			"task_id":     sink.TaskID,
			"session_id":  sink.SessionID,
			"attempts":    attempts,
			"duration_ms": total.Milliseconds(),
		},
	})
}

func (h *HookPublisher) OnRetryFailure(_ context.Context, sink retry.ProgressSink, err error, attempts int, total time.Duration) {
	h.bus.Publish(Event{
		Type:     EventTaskFailed,
		Source:   "retry",
		Priority: PriorityHigh,
		Data: map[string]interface{}{
			"task_id":     sink.TaskID,
			"session_id":  sink.SessionID,
			"attempts":    attempts,
			"duration_ms": total.Milliseconds(),
			"outcome":     string(retry.OutcomeOf(err)),
			"error":       err.Error(),
		},
	})
}
