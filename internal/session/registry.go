package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"infer-relay/internal/progress"
)

// ErrSessionNotFound 会话不存在或已断开
var ErrSessionNotFound = errors.New("session not found")

// DefaultBufferSize 每个连接的事件缓冲大小
const DefaultBufferSize = 64

// Connection 一个会话的投递通道
// Events 永不关闭，消费方通过 Done 判断连接是否已被注销
type Connection struct {
	SessionID   string
	ConnectedAt time.Time

	events    chan progress.Event
	done      chan struct{}
	closeOnce sync.Once
	delivered atomic.Int64
	dropped   atomic.Int64
}

func newConnection(sessionID string, bufferSize int) *Connection {
	return &Connection{
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		events:      make(chan progress.Event, bufferSize),
		done:        make(chan struct{}),
	}
}

// Events 返回只读事件通道
func (c *Connection) Events() <-chan progress.Event {
	return c.events
}

// Done 连接被注销或被新连接替换时关闭
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Closed 连接是否已注销
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Stats 投递统计
func (c *Connection) Stats() (delivered, dropped int64) {
	return c.delivered.Load(), c.dropped.Load()
}

func (c *Connection) info() Info {
	delivered, dropped := c.Stats()
	return Info{
		SessionID:   c.SessionID,
		ConnectedAt: c.ConnectedAt,
		Pending:     len(c.events),
		Delivered:   delivered,
		Dropped:     dropped,
	}
}

// Info 会话快照，用于API输出
type Info struct {
	SessionID   string    `json:"session_id"`
	ConnectedAt time.Time `json:"connected_at"`
	Pending     int       `json:"pending"`
	Delivered   int64     `json:"delivered"`
	Dropped     int64     `json:"dropped"`
}

// Registry 会话注册表
// 基于sync.Map，resolve不加全局锁，bind/unbind可与resolve并发
type Registry struct {
	conns      sync.Map // sessionID -> *Connection
	count      atomic.Int64
	bufferSize int
	logger     *slog.Logger
}

// NewRegistry 创建会话注册表
func NewRegistry(bufferSize int, logger *slog.Logger) *Registry {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{bufferSize: bufferSize, logger: logger}
}

// Bind 注册会话；同一会话重复注册时替换旧连接并关闭其Done
func (r *Registry) Bind(sessionID string) *Connection {
	conn := newConnection(sessionID, r.bufferSize)
	previous, loaded := r.conns.Swap(sessionID, conn)
	if loaded {
		previous.(*Connection).close()
		r.logger.Info("🔁 [会话] 会话重新连接，旧连接已替换", "session_id", sessionID)
	} else {
		r.count.Add(1)
		r.logger.Debug("🔌 [会话] 会话已连接", "session_id", sessionID, "total_sessions", r.count.Load())
	}
	return conn
}

// Unbind 注销会话，不存在时忽略
func (r *Registry) Unbind(sessionID string) {
	value, loaded := r.conns.LoadAndDelete(sessionID)
	if !loaded {
		return
	}
	value.(*Connection).close()
	r.count.Add(-1)
	r.logger.Debug("🔌 [会话] 会话已断开", "session_id", sessionID, "total_sessions", r.count.Load())
}

// Release 仅当注册表中仍是该连接时才注销，避免断开的旧连接误删重连后的新连接
func (r *Registry) Release(conn *Connection) bool {
	if conn == nil {
		return false
	}
	conn.close()
	if r.conns.CompareAndDelete(conn.SessionID, conn) {
		r.count.Add(-1)
		r.logger.Debug("🔌 [会话] 会话已断开", "session_id", conn.SessionID, "total_sessions", r.count.Load())
		return true
	}
	return false
}

// Resolve 查找会话当前的连接
func (r *Registry) Resolve(sessionID string) (*Connection, bool) {
	value, ok := r.conns.Load(sessionID)
	if !ok {
		return nil, false
	}
	return value.(*Connection), true
}

// Get 返回单个会话快照
func (r *Registry) Get(sessionID string) (Info, error) {
	conn, ok := r.Resolve(sessionID)
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return conn.info(), nil
}

// Count 当前会话数
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Sessions 返回会话快照，按连接时间排序
func (r *Registry) Sessions() []Info {
	var infos []Info
	r.conns.Range(func(_, value any) bool {
		infos = append(infos, value.(*Connection).info())
		return true
	})
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Close 注销所有会话
func (r *Registry) Close() {
	r.conns.Range(func(key, _ any) bool {
		r.Unbind(key.(string))
		return true
	})
}
