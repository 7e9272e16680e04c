package monitor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"infer-relay/internal/progress"
	"infer-relay/internal/retry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "infer_relay"

// Metrics 重试与进度推送的监控指标
// Prometheus指标注册在独立的Registry上，同时保留一份内存快照供监控API使用
type Metrics struct {
	registry *prometheus.Registry

	attempts       *prometheus.CounterVec
	tasks          *prometheus.CounterVec
	retryDelay     prometheus.Histogram
	taskDuration   *prometheus.HistogramVec
	taskAttempts   prometheus.Histogram
	deliveries     *prometheus.CounterVec
	activeSessions prometheus.GaugeFunc

	mu       sync.RWMutex
	snapshot Snapshot
}

// Snapshot 内存统计快照
type Snapshot struct {
	TotalTasks        int64            `json:"total_tasks"`
	SucceededTasks    int64            `json:"succeeded_tasks"`
	FailedByOutcome   map[string]int64 `json:"failed_by_outcome"`
	RetriedAttempts   int64            `json:"retried_attempts"`
	TotalRetryWait    time.Duration    `json:"total_retry_wait"`
	MaxRetryWait      time.Duration    `json:"max_retry_wait"`
	DeliveredEvents   int64            `json:"delivered_events"`
	DroppedEvents     int64            `json:"dropped_events"`
	ActiveSessions    int              `json:"active_sessions"`
	StartTime         time.Time        `json:"start_time"`
	Uptime            time.Duration    `json:"uptime"`
	AverageRetryWait  time.Duration    `json:"average_retry_wait"`
	RetriesPerSuccess float64          `json:"retries_per_success"`
}

// NewMetrics 创建监控指标，sessions 用于读取当前会话数（可为nil）
func NewMetrics(sessions func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	m := &Metrics{
		registry: reg,
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Failed attempts by classification and error kind",
		}, []string{"classification", "error_kind"}),
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Finished tasks by outcome",
		}, []string{"outcome"}),
		retryDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_delay_seconds",
			Help:      "Planned wait before the next attempt",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall clock time of a task including retry waits",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"outcome"}),
		taskAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_attempts",
			Help:      "Number of attempts per finished task",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_deliveries_total",
			Help:      "Progress event deliveries by stage and result",
		}, []string{"stage", "result"}),
		snapshot: Snapshot{
			FailedByOutcome: make(map[string]int64),
			StartTime:       time.Now(),
		},
	}

	if sessions != nil {
		m.activeSessions = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Currently connected progress sessions",
		}, func() float64 { return float64(sessions()) })
	}

	return m
}

// Registry 返回Prometheus注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

var _ retry.Hook = (*Metrics)(nil)

func (m *Metrics) OnRetryAttempt(_ context.Context, _ retry.ProgressSink, record retry.AttemptRecord, class retry.Classification) {
	m.attempts.WithLabelValues(class.Kind.String(), class.ErrorKind.String()).Inc()
	if class.Kind == retry.ClassFatal || record.PlannedDelay <= 0 {
		return
	}
	m.retryDelay.Observe(record.PlannedDelay.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.RetriedAttempts++
	m.snapshot.TotalRetryWait += record.PlannedDelay
	if record.PlannedDelay > m.snapshot.MaxRetryWait {
		m.snapshot.MaxRetryWait = record.PlannedDelay
	}
}

func (m *Metrics) OnRetrySuccess(_ context.Context, _ retry.ProgressSink, attempts int, total time.Duration) {
	m.finish(retry.OutcomeSucceeded, attempts, total)
}

func (m *Metrics) OnRetryFailure(_ context.Context, _ retry.ProgressSink, err error, attempts int, total time.Duration) {
	m.finish(retry.OutcomeOf(err), attempts, total)
}

func (m *Metrics) finish(outcome retry.Outcome, attempts int, total time.Duration) {
	m.tasks.WithLabelValues(string(outcome)).Inc()
	m.taskDuration.WithLabelValues(string(outcome)).Observe(total.Seconds())
	m.taskAttempts.Observe(float64(attempts))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.TotalTasks++
	if outcome == retry.OutcomeSucceeded {
		m.snapshot.SucceededTasks++
	} else {
		m.snapshot.FailedByOutcome[string(outcome)]++
	}
}

// RecordDelivery 记录一次进度投递结果
func (m *Metrics) RecordDelivery(stage progress.Stage, result progress.Delivery) {
	m.deliveries.WithLabelValues(string(stage), result.String()).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	if result == progress.Delivered {
		m.snapshot.DeliveredEvents++
	} else {
		m.snapshot.DroppedEvents++
	}
}

// InstrumentEmitter 包装Emitter，统计每次投递结果
func (m *Metrics) InstrumentEmitter(next progress.Emitter) progress.Emitter {
	return progress.EmitterFunc(func(sessionID string, event progress.Event) progress.Delivery {
		result := next.Emit(sessionID, event)
		m.RecordDelivery(event.Stage, result)
		return result
	})
}

// GetSnapshot 返回统计快照
func (m *Metrics) GetSnapshot(activeSessions int) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := m.snapshot
	snap.FailedByOutcome = make(map[string]int64, len(m.snapshot.FailedByOutcome))
	for k, v := range m.snapshot.FailedByOutcome {
		snap.FailedByOutcome[k] = v
	}
	snap.ActiveSessions = activeSessions
	snap.Uptime = time.Since(snap.StartTime)
	if snap.RetriedAttempts > 0 {
		snap.AverageRetryWait = snap.TotalRetryWait / time.Duration(snap.RetriedAttempts)
	}
	if snap.SucceededTasks > 0 {
		snap.RetriesPerSuccess = float64(snap.RetriedAttempts) / float64(snap.SucceededTasks)
	}
	return snap
}
