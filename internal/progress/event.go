package progress

import "time"

// Stage 进度事件所处的阶段
type Stage string

const (
	StageAcknowledged Stage = "ack"
	StageWaiting      Stage = "waiting"
	StageSucceeded    Stage = "succeeded"
	StageFailed       Stage = "failed"
)

// IsTerminal 判断是否为终态（之后该任务不会再有事件）
func (s Stage) IsTerminal() bool {
	return s == StageSucceeded || s == StageFailed
}

// Event 面向会话的单条进度事件
// 同一任务的事件由执行该任务的goroutine顺序产生，不同任务之间不保证顺序
type Event struct {
	SessionID string         `json:"session_id"`
	TaskID    string         `json:"task_id"`
	Stage     Stage          `json:"stage"`
	Message   string         `json:"message"`
	Percent   int            `json:"percent"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Delivery 事件投递结果
type Delivery int

const (
	Delivered Delivery = iota
	Dropped
)

func (d Delivery) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Emitter 将事件投递到目标会话
// 实现必须是有界的非阻塞发送
type Emitter interface {
	Emit(sessionID string, event Event) Delivery
}

// EmitterFunc 函数适配器
type EmitterFunc func(sessionID string, event Event) Delivery

func (f EmitterFunc) Emit(sessionID string, event Event) Delivery {
	return f(sessionID, event)
}

// ClampPercent 将百分比限制在0..100
func ClampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
