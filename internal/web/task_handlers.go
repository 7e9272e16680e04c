package web

import (
	"context"
	"net/http"
	"time"

	"infer-relay/internal/events"
	"infer-relay/internal/provider"
	"infer-relay/internal/retry"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CompletionSubmission 提交任务的请求体
type CompletionSubmission struct {
	SessionID   string             `json:"session_id"`
	TaskID      string             `json:"task_id"`
	Model       string             `json:"model"`
	Messages    []provider.Message `json:"messages" binding:"required,min=1"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature"`
}

// handleSubmitCompletion 受理任务后立即返回202，执行过程通过会话进度流推送
func (s *Server) handleSubmitCompletion(c *gin.Context) {
	if s.opts.Completer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider is not configured"})
		return
	}

	var req CompletionSubmission
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.SessionID == "" {
		req.SessionID = c.Query("session_id")
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}

	if !s.tasks.add(TaskState{
		TaskID:    req.TaskID,
		SessionID: req.SessionID,
		Status:    TaskRunning,
		CreatedAt: time.Now(),
	}) {
		c.JSON(http.StatusConflict, gin.H{"error": "task_id already exists", "task_id": req.TaskID})
		return
	}

	sink := retry.ProgressSink{SessionID: req.SessionID, TaskID: req.TaskID}
	completion := provider.CompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	s.publish(events.TaskStarted(req.TaskID, req.SessionID))
	s.logger.Info("📥 [任务受理]", "task_id", req.TaskID, "session_id", req.SessionID)

	s.taskWG.Add(1)
	go func() {
		defer s.taskWG.Done()
		s.runTask(sink, completion)
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"task_id":    req.TaskID,
		"session_id": req.SessionID,
		"status":     TaskRunning,
	})
}

// runTask 每次执行时重新读取重试策略
func (s *Server) runTask(sink retry.ProgressSink, req provider.CompletionRequest) {
	ctx := s.taskCtx
	if s.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.TaskTimeout)
		defer cancel()
	}

	policy := retry.ResolvePolicy(s.opts.Policies, s.logger)
	result, err := retry.Do(ctx, s.opts.Executor, policy, sink,
		func(ctx context.Context) (*provider.CompletionResponse, error) {
			return s.opts.Completer.Complete(ctx, req)
		})

	finished := time.Now()
	s.tasks.update(sink.TaskID, func(state *TaskState) {
		state.Attempts = result.Attempts
		state.FinishedAt = &finished
		if err != nil {
			state.Status = TaskFailed
			state.Outcome = string(retry.OutcomeOf(err))
			state.Error = err.Error()
			return
		}
		state.Status = TaskSucceeded
		state.Outcome = string(retry.OutcomeSucceeded)
		state.Response = result.Value
	})

	if err != nil {
		s.logger.Warn("❌ [任务失败]",
			"task_id", sink.TaskID,
			"session_id", sink.SessionID,
			"outcome", retry.OutcomeOf(err),
			"attempts", result.Attempts,
			"error", err)
		return
	}
	s.logger.Info("✅ [任务完成]",
		"task_id", sink.TaskID,
		"session_id", sink.SessionID,
		"attempts", result.Attempts,
		"elapsed", result.Elapsed)
}

func (s *Server) handleGetTask(c *gin.Context) {
	state, ok := s.tasks.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, state)
}
