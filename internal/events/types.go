package events

import "time"

// 事件类型枚举
type EventType string

const (
	// 任务生命周期事件
	EventTaskStarted   EventType = "task_started"
	EventTaskRetrying  EventType = "task_retrying"
	EventTaskSucceeded EventType = "task_succeeded"
	EventTaskFailed    EventType = "task_failed"

	// 会话连接事件，由SSE传输层产生
	EventSessionConnected    EventType = "session_connected"
	EventSessionDisconnected EventType = "session_disconnected"

	// 系统级事件
	EventSystemError   EventType = "system_error"
	EventConfigChanged EventType = "config_changed"
)

// 事件优先级
type EventPriority int

const (
	PriorityLow EventPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// 事件结构
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"` // 事件来源组件
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Priority  EventPriority          `json:"priority"`
}

// 监控端事件分类
var EventTypeMapping = map[EventType]string{
	EventTaskStarted:         "task",
	EventTaskRetrying:        "task",
	EventTaskSucceeded:       "task",
	EventTaskFailed:          "task",
	EventSessionConnected:    "session",
	EventSessionDisconnected: "session",
	EventSystemError:         "status",
	EventConfigChanged:       "config",
}

// SessionConnected 会话建立事件
func SessionConnected(sessionID string, connectedAt time.Time) Event {
	return Event{
		Type:     EventSessionConnected,
		Source:   "sse",
		Priority: PriorityNormal,
		Data: map[string]interface{}{
			"session_id":   sessionID,
			"connected_at": connectedAt,
		},
	}
}

// SessionDisconnected 会话断开事件
func SessionDisconnected(sessionID string) Event {
	return Event{
		Type:     EventSessionDisconnected,
		Source:   "sse",
		Priority: PriorityNormal,
		Data: map[string]interface{}{
			"session_id": sessionID,
		},
	}
}

// TaskStarted 任务受理事件
func TaskStarted(taskID, sessionID string) Event {
	return Event{
		Type:     EventTaskStarted,
		Source:   "api",
		Priority: PriorityNormal,
		Data: map[string]interface{}{
			"task_id":    taskID,
			"session_id": sessionID,
		},
	}
}
