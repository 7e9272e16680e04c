package session

import (
	"log/slog"
	"time"

	"infer-relay/internal/progress"
)

// DefaultSendTimeout 单次投递的最长等待
const DefaultSendTimeout = 100 * time.Millisecond

// ProgressChannel 按会话投递进度事件
// 每次投递都重新解析会话，至多一次、尽力而为、不重试
type ProgressChannel struct {
	registry    *Registry
	sendTimeout time.Duration
	logger      *slog.Logger
}

// NewProgressChannel 创建进度通道
func NewProgressChannel(registry *Registry, sendTimeout time.Duration, logger *slog.Logger) *ProgressChannel {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressChannel{
		registry:    registry,
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

// Emit 投递事件；会话不存在、已断开或缓冲区在超时内仍满时返回Dropped
func (pc *ProgressChannel) Emit(sessionID string, event progress.Event) progress.Delivery {
	conn, ok := pc.registry.Resolve(sessionID)
	if !ok || conn.Closed() {
		return progress.Dropped
	}

	if event.SessionID == "" {
		event.SessionID = sessionID
	}

	// 快速路径，缓冲区未满时不创建定时器
	select {
	case conn.events <- event:
		conn.delivered.Add(1)
		return progress.Delivered
	default:
	}

	timer := time.NewTimer(pc.sendTimeout)
	defer timer.Stop()

	select {
	case conn.events <- event:
		conn.delivered.Add(1)
		return progress.Delivered
	case <-conn.done:
		conn.dropped.Add(1)
		return progress.Dropped
	case <-timer.C:
		conn.dropped.Add(1)
		pc.logger.Warn("⚠️ [进度推送] 会话缓冲区已满，事件已丢弃",
			"session_id", sessionID, "task_id", event.TaskID, "stage", event.Stage)
		return progress.Dropped
	}
}
