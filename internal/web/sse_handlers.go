package web

import (
	"net/http"
	"time"

	"infer-relay/internal/events"

	"github.com/gin-gonic/gin"
)

func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// sendSSEEvent 写出一条SSE事件并立即刷新
func sendSSEEvent(c *gin.Context, eventType string, data interface{}) error {
	select {
	case <-c.Request.Context().Done():
		return c.Request.Context().Err()
	default:
		c.SSEvent(eventType, data)
		c.Writer.Flush()
		return nil
	}
}

// handleProgressStream 会话进度流 GET /events?session_id=
// 连接期间会话保持绑定，断开或被同名会话替换时解绑
func (s *Server) handleProgressStream(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	setSSEHeaders(c)
	c.Status(http.StatusOK)

	conn := s.opts.Registry.Bind(sessionID)
	s.publish(events.SessionConnected(sessionID, conn.ConnectedAt))
	s.logger.Debug("🔌 [进度推送] 会话已连接", "session_id", sessionID, "client_ip", c.ClientIP())

	defer func() {
		if s.opts.Registry.Release(conn) {
			s.publish(events.SessionDisconnected(sessionID))
		}
		delivered, dropped := conn.Stats()
		s.logger.Debug("🔌 [进度推送] 会话已断开",
			"session_id", sessionID,
			"delivered", delivered,
			"dropped", dropped)
	}()

	if err := sendSSEEvent(c, "connected", gin.H{
		"session_id":   sessionID,
		"connected_at": conn.ConnectedAt,
	}); err != nil {
		return
	}

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case event := <-conn.Events():
			if err := sendSSEEvent(c, "progress", event); err != nil {
				return
			}

		case <-ticker.C:
			if err := sendSSEEvent(c, "ping", gin.H{"timestamp": time.Now().Unix()}); err != nil {
				return
			}

		case <-conn.Done():
			// 同一会话在别处重新连接
			_ = sendSSEEvent(c, "replaced", gin.H{"session_id": sessionID})
			return

		case <-ctx.Done():
			return
		}
	}
}

// handleMonitorStream 运维事件流，推送任务与会话生命周期事件
func (s *Server) handleMonitorStream(c *gin.Context) {
	if s.opts.Bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus is not enabled"})
		return
	}

	setSSEHeaders(c)
	c.Status(http.StatusOK)

	ch, unsubscribe := s.opts.Bus.Subscribe(256)
	defer unsubscribe()

	if err := sendSSEEvent(c, "connection", gin.H{
		"status":    "established",
		"timestamp": time.Now().Format("2006-01-02 15:04:05"),
	}); err != nil {
		return
	}

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case event := <-ch:
			category := events.EventTypeMapping[event.Type]
			if category == "" {
				category = "status"
			}
			if err := sendSSEEvent(c, category, event); err != nil {
				return
			}
		case <-ticker.C:
			if err := sendSSEEvent(c, "ping", gin.H{"timestamp": time.Now().Unix()}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
