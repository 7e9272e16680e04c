package events

import (
	"sync"
	"time"
)

// 事件过滤器
type EventFilter struct {
	// 是否推送给订阅者
	ShouldBroadcast func(event Event) bool

	// 数据转换器
	DataTransformer func(event Event) map[string]interface{}

	// 频率限制（防止过度推送）
	RateLimit time.Duration
}

func passThrough(event Event) map[string]interface{} { return event.Data }

func always(Event) bool { return true }

// defaultFilters 默认过滤器
func defaultFilters() map[EventType]EventFilter {
	taskFilter := EventFilter{
		ShouldBroadcast: always,
		DataTransformer: passThrough,
	}

	// 限流风暴时重试事件频率很高
	retryFilter := EventFilter{
		ShouldBroadcast: always,
		DataTransformer: passThrough,
		RateLimit:       50 * time.Millisecond,
	}

	sessionFilter := EventFilter{
		ShouldBroadcast: always,
		DataTransformer: func(event Event) map[string]interface{} {
			data := make(map[string]interface{}, len(event.Data))
			for k, v := range event.Data {
				// 不向监控端暴露客户端地址
				if k == "client_ip" || k == "user_agent" {
					continue
				}
				data[k] = v
			}
			return data
		},
	}

	return map[EventType]EventFilter{
		EventTaskStarted:         taskFilter,
		EventTaskRetrying:        retryFilter,
		EventTaskSucceeded:       taskFilter,
		EventTaskFailed:          taskFilter,
		EventSessionConnected:    sessionFilter,
		EventSessionDisconnected: sessionFilter,
		EventSystemError:         taskFilter,
		EventConfigChanged:       taskFilter,
	}
}

// 频率限制器
type rateLimiter struct {
	lastTime time.Time
	limit    time.Duration
	mu       sync.Mutex
}

func (rl *rateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastTime) >= rl.limit {
		rl.lastTime = now
		return true
	}
	return false
}
