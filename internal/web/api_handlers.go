package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"infer-relay/internal/retry"
	"infer-relay/internal/session"
	"infer-relay/internal/utils"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"uptime":   utils.FormatUptime(time.Since(s.opts.StartTime)),
		"sessions": s.opts.Registry.Count(),
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	sessions := s.opts.Registry.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) handleSession(c *gin.Context) {
	info, err := s.opts.Registry.Get(c.Param("id"))
	if errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleOutcomes 最近的任务结果和窗口汇总
// 参数: limit（默认50）, window（如 24h，默认24h）
func (s *Server) handleOutcomes(c *gin.Context) {
	if !s.opts.Tracker.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outcome tracking is disabled"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	window := 24 * time.Hour
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be a positive duration"})
			return
		}
		window = d
	}

	ctx := c.Request.Context()
	records, err := s.opts.Tracker.RecentOutcomes(ctx, limit)
	if err != nil {
		s.logger.Error("❌ 查询任务结果失败", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	summary, err := s.opts.Tracker.Summary(ctx, time.Now().Add(-window))
	if err != nil {
		s.logger.Error("❌ 汇总任务结果失败", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"outcomes": records,
		"summary":  summary,
	})
}

// handleStats 内存指标快照
func (s *Server) handleStats(c *gin.Context) {
	resp := gin.H{
		"uptime":   utils.FormatUptime(time.Since(s.opts.StartTime)),
		"sessions": s.opts.Registry.Count(),
	}
	if s.opts.Metrics != nil {
		snap := s.opts.Metrics.GetSnapshot(s.opts.Registry.Count())
		resp["metrics"] = snap
		resp["success_rate"] = utils.FormatPercentage(snap.SucceededTasks, snap.TotalTasks)
	}
	if s.opts.Bus != nil {
		resp["event_bus"] = s.opts.Bus.GetStats()
	}
	if s.opts.Tracker.Enabled() {
		resp["database"] = s.opts.Tracker.ConnectionStats()
	}
	c.JSON(http.StatusOK, resp)
}

// handleRetryPolicy 当前生效的重试策略
func (s *Server) handleRetryPolicy(c *gin.Context) {
	policy := retry.ResolvePolicy(s.opts.Policies, s.logger)

	kinds := make([]string, 0)
	for _, kind := range policy.RetryableKinds() {
		kinds = append(kinds, kind.String())
	}
	c.JSON(http.StatusOK, gin.H{
		"max_retries":      policy.MaxRetries(),
		"initial_delay":    policy.InitialDelay().String(),
		"max_delay":        policy.MaxDelay().String(),
		"backoff_factor":   policy.BackoffFactor(),
		"jitter":           policy.Jitter(),
		"retryable_errors": kinds,
	})
}
