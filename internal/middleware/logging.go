package middleware

import (
	"fmt"
	"log/slog"
	"time"

	"infer-relay/internal/utils"

	"github.com/gin-gonic/gin"
)

// SlowRequestThreshold 超过该耗时的普通请求记为慢请求
const SlowRequestThreshold = 10 * time.Second

// RequestLogger gin请求日志中间件
// streamPaths 中的长连接路径只在结束时记录一次，不参与慢请求告警
func RequestLogger(logger *slog.Logger, streamPaths ...string) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	streams := make(map[string]struct{}, len(streamPaths))
	for _, p := range streamPaths {
		streams[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery
		clientIP := c.ClientIP()
		userAgent := truncateString(c.Request.UserAgent(), 50)

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		if raw != "" {
			path = path + "?" + raw
		}
		_, isStream := streams[c.Request.URL.Path]

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status_code", status,
			"bytes_written", utils.FormatFileSize(int64(max(c.Writer.Size(), 0))),
			"duration", utils.FormatDuration(duration),
			"client_ip", clientIP,
			"user_agent", userAgent,
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		msg := fmt.Sprintf("%s [请求详情] %s %s → %d (%s)",
			getStatusEmoji(status), c.Request.Method, path, status, utils.FormatDuration(duration))

		switch {
		case status >= 500:
			logger.Error(msg, attrs...)
		case status >= 400:
			logger.Warn(msg, attrs...)
		case !isStream && duration > SlowRequestThreshold:
			logger.Warn(fmt.Sprintf("🐌 慢请求 %s %s", c.Request.Method, path), attrs...)
		default:
			logger.Debug(msg, attrs...)
		}
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func getStatusEmoji(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "✅"
	case statusCode >= 300 && statusCode < 400:
		return "🔄"
	case statusCode >= 400 && statusCode < 500:
		return "⚠️"
	case statusCode >= 500:
		return "❌"
	default:
		return "❓"
	}
}
