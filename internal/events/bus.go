package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventBus 接口
type EventBus interface {
	// 发布事件，非阻塞
	Publish(event Event)

	// 订阅事件，返回事件通道和取消函数
	Subscribe(buffer int) (<-chan Event, func())

	// 启动和停止
	Start() error
	Stop() error

	// 获取统计信息
	GetStats() BusStats
}

// EventBus 实现
type eventBus struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	eventChan chan Event

	filters      map[EventType]EventFilter
	rateLimiters map[EventType]*rateLimiter

	subscribers map[uint64]chan Event
	nextSubID   uint64
	subMu       sync.RWMutex

	stats   BusStats
	statsMu sync.RWMutex

	running atomic.Bool
	wg      sync.WaitGroup
}

// 统计信息
type BusStats struct {
	TotalEvents      int64                   `json:"total_events"`
	ProcessedEvents  int64                   `json:"processed_events"`
	DroppedEvents    int64                   `json:"dropped_events"`
	EventsByType     map[EventType]int64     `json:"events_by_type"`
	EventsByPriority map[EventPriority]int64 `json:"events_by_priority"`
	Subscribers      int                     `json:"subscribers"`
	StartTime        time.Time               `json:"start_time"`
}

// NewEventBus 创建新的EventBus实例
func NewEventBus(bufferSize int, logger *slog.Logger) EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	bus := &eventBus{
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger,
		eventChan:    make(chan Event, bufferSize),
		filters:      defaultFilters(),
		rateLimiters: make(map[EventType]*rateLimiter),
		subscribers:  make(map[uint64]chan Event),
		stats: BusStats{
			EventsByType:     make(map[EventType]int64),
			EventsByPriority: make(map[EventPriority]int64),
			StartTime:        time.Now(),
		},
	}

	for eventType, filter := range bus.filters {
		if filter.RateLimit > 0 {
			bus.rateLimiters[eventType] = &rateLimiter{limit: filter.RateLimit}
		}
	}

	return bus
}

// Publish 发布事件
func (eb *eventBus) Publish(event Event) {
	if !eb.running.Load() {
		eb.logger.Debug("EventBus not running, dropping event", "type", event.Type)
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.updateStats(event, "total")

	select {
	case eb.eventChan <- event:
	case <-eb.ctx.Done():
		eb.updateStats(event, "dropped")
	default:
		// 缓冲区满，丢弃事件
		eb.updateStats(event, "dropped")
		eb.logger.Warn("⚠️ EventBus缓冲区已满，事件已丢弃", "type", event.Type, "source", event.Source)
	}
}

// Subscribe 订阅事件；订阅者消费过慢时事件被丢弃，不会阻塞总线
func (eb *eventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 100
	}
	ch := make(chan Event, buffer)

	eb.subMu.Lock()
	id := eb.nextSubID
	eb.nextSubID++
	eb.subscribers[id] = ch
	eb.subMu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			eb.subMu.Lock()
			delete(eb.subscribers, id)
			eb.subMu.Unlock()
		})
	}
	return ch, unsubscribe
}

// Start 启动EventBus
func (eb *eventBus) Start() error {
	if !eb.running.CompareAndSwap(false, true) {
		return nil
	}

	eb.wg.Add(1)
	go eb.eventProcessor()

	eb.logger.Info("🚀 EventBus已启动")
	return nil
}

// Stop 停止EventBus
func (eb *eventBus) Stop() error {
	if !eb.running.CompareAndSwap(true, false) {
		return nil
	}

	eb.cancel()
	eb.wg.Wait()

	eb.logger.Info("🛑 EventBus已停止")
	return nil
}

// GetStats 获取统计信息
func (eb *eventBus) GetStats() BusStats {
	eb.statsMu.RLock()
	stats := BusStats{
		TotalEvents:      eb.stats.TotalEvents,
		ProcessedEvents:  eb.stats.ProcessedEvents,
		DroppedEvents:    eb.stats.DroppedEvents,
		EventsByType:     make(map[EventType]int64, len(eb.stats.EventsByType)),
		EventsByPriority: make(map[EventPriority]int64, len(eb.stats.EventsByPriority)),
		StartTime:        eb.stats.StartTime,
	}
	for k, v := range eb.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	for k, v := range eb.stats.EventsByPriority {
		stats.EventsByPriority[k] = v
	}
	eb.statsMu.RUnlock()

	eb.subMu.RLock()
	stats.Subscribers = len(eb.subscribers)
	eb.subMu.RUnlock()

	return stats
}

// 事件处理器
func (eb *eventBus) eventProcessor() {
	defer eb.wg.Done()

	for {
		select {
		case event := <-eb.eventChan:
			eb.processEvent(event)

		case <-eb.ctx.Done():
			// 处理剩余事件
			for {
				select {
				case event := <-eb.eventChan:
					eb.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

// 处理单个事件
func (eb *eventBus) processEvent(event Event) {
	eb.updateStats(event, "processed")

	filter, exists := eb.filters[event.Type]
	if !exists {
		eb.logger.Debug("No filter for event type", "type", event.Type)
		return
	}

	if !filter.ShouldBroadcast(event) {
		return
	}

	if limiter, exists := eb.rateLimiters[event.Type]; exists {
		if !limiter.Allow() {
			eb.logger.Debug("Event rate limited", "type", event.Type)
			return
		}
	}

	out := event
	out.Data = filter.DataTransformer(event)

	eb.subMu.RLock()
	defer eb.subMu.RUnlock()
	for _, ch := range eb.subscribers {
		select {
		case ch <- out:
		default:
			eb.updateStats(event, "dropped")
		}
	}
}

// 更新统计信息
func (eb *eventBus) updateStats(event Event, statType string) {
	eb.statsMu.Lock()
	defer eb.statsMu.Unlock()

	switch statType {
	case "total":
		eb.stats.TotalEvents++
		eb.stats.EventsByType[event.Type]++
		eb.stats.EventsByPriority[event.Priority]++
	case "processed":
		eb.stats.ProcessedEvents++
	case "dropped":
		eb.stats.DroppedEvents++
	}
}
