package tracking

import (
	"context"
	"fmt"
	"time"

	"infer-relay/internal/retry"
)

// OutcomeRecord 查询返回的任务结果
type OutcomeRecord struct {
	ID             int64     `json:"id"`
	TaskID         string    `json:"task_id"`
	SessionID      string    `json:"session_id"`
	Result         string    `json:"result"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
	Classification string    `json:"classification,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	RetryWaitMs    int64     `json:"retry_wait_ms"`
	DurationMs     int64     `json:"duration_ms"`
	FinishedAt     time.Time `json:"finished_at"`
}

// OutcomeSummary 时间窗口内的结果汇总
type OutcomeSummary struct {
	Since             time.Time        `json:"since"`
	Total             int64            `json:"total"`
	ByResult          map[string]int64 `json:"by_result"`
	TotalAttempts     int64            `json:"total_attempts"`
	TotalRetryWaitMs  int64            `json:"total_retry_wait_ms"`
	AverageAttempts   float64          `json:"average_attempts"`
	AverageDurationMs float64          `json:"average_duration_ms"`
	SuccessRate       float64          `json:"success_rate"`
}

// RecentOutcomes 按完成时间倒序返回最近的任务结果
func (t *OutcomeTracker) RecentOutcomes(ctx context.Context, limit int) ([]OutcomeRecord, error) {
	if !t.Enabled() {
		return nil, fmt.Errorf("outcome tracking is disabled")
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, task_id, session_id, result, attempts, last_error, classification, error_kind,
		retry_wait_ms, duration_ms, finished_at
		FROM task_outcomes ORDER BY finished_at DESC, id DESC` + t.adapter.BuildLimitOffset(limit, 0)

	rows, err := t.adapter.GetDB().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	records := make([]OutcomeRecord, 0, limit)
	for rows.Next() {
		var r OutcomeRecord
		var finishedAt int64
		if err := rows.Scan(&r.ID, &r.TaskID, &r.SessionID, &r.Result, &r.Attempts, &r.LastError,
			&r.Classification, &r.ErrorKind, &r.RetryWaitMs, &r.DurationMs, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		r.FinishedAt = time.UnixMilli(finishedAt).In(t.location)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outcomes: %w", err)
	}
	return records, nil
}

// Summary 汇总 since 之后完成的任务
func (t *OutcomeTracker) Summary(ctx context.Context, since time.Time) (*OutcomeSummary, error) {
	if !t.Enabled() {
		return nil, fmt.Errorf("outcome tracking is disabled")
	}

	rows, err := t.adapter.GetDB().QueryContext(ctx, `SELECT result, COUNT(*),
		COALESCE(SUM(attempts), 0), COALESCE(SUM(duration_ms), 0), COALESCE(SUM(retry_wait_ms), 0)
		FROM task_outcomes WHERE finished_at >= ? GROUP BY result`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query outcome summary: %w", err)
	}
	defer rows.Close()

	summary := &OutcomeSummary{
		Since:    since.In(t.location),
		ByResult: make(map[string]int64),
	}
	var totalDuration int64
	for rows.Next() {
		var result string
		var count, attempts, duration, wait int64
		if err := rows.Scan(&result, &count, &attempts, &duration, &wait); err != nil {
			return nil, fmt.Errorf("failed to scan outcome summary: %w", err)
		}
		summary.ByResult[result] = count
		summary.Total += count
		summary.TotalAttempts += attempts
		summary.TotalRetryWaitMs += wait
		totalDuration += duration
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outcome summary: %w", err)
	}

	if summary.Total > 0 {
		summary.AverageAttempts = float64(summary.TotalAttempts) / float64(summary.Total)
		summary.AverageDurationMs = float64(totalDuration) / float64(summary.Total)
		summary.SuccessRate = float64(summary.ByResult[string(retry.OutcomeSucceeded)]) / float64(summary.Total) * 100
	}
	return summary, nil
}
