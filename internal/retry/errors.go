package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrInvalidPolicy 策略参数校验失败
	ErrInvalidPolicy = errors.New("invalid retry policy")

	// ErrCancelled 等待期间调用方取消（errors.Is 匹配 CancelledError）
	ErrCancelled = errors.New("retry cancelled")
)

// ErrorKind 错误类型
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimit
	KindConnection
	KindTimeout
	KindProvider
	KindAuth
	KindInvalidRequest
)

var kindNames = map[ErrorKind]string{
	KindUnknown:        "unknown",
	KindRateLimit:      "rate_limit",
	KindConnection:     "connection",
	KindTimeout:        "timeout",
	KindProvider:       "provider",
	KindAuth:           "auth",
	KindInvalidRequest: "invalid_request",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseErrorKind 将配置中的名称（如 "rate_limit"）转换为ErrorKind
func ParseErrorKind(name string) (ErrorKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	for kind, kindName := range kindNames {
		if kindName == normalized {
			return kind, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown error kind %q", name)
}

// ProviderError 上游服务返回的错误
// Message 保留上游原始文本，分类器从中解析等待提示
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewRateLimitError 创建限流错误
// message 通常带有等待提示，如 "retry after 12 seconds"、"Retry-After: 7.5"
func NewRateLimitError(message string) *ProviderError {
	return &ProviderError{Kind: KindRateLimit, StatusCode: 429, Message: message}
}

// NewConnectionError 连接错误
func NewConnectionError(err error) *ProviderError {
	return &ProviderError{Kind: KindConnection, Message: "connection failed", Err: err}
}

// NewTimeoutError 超时错误
func NewTimeoutError(err error) *ProviderError {
	return &ProviderError{Kind: KindTimeout, Message: "request timed out", Err: err}
}

// NewProviderError 上游服务错误
func NewProviderError(statusCode int, message string) *ProviderError {
	return &ProviderError{Kind: KindProvider, StatusCode: statusCode, Message: message}
}

// RetriesExhaustedError 重试次数耗尽
// Unwrap 返回最后一次的原始错误
type RetriesExhaustedError struct {
	LastErr  error
	Attempts int
	History  []AttemptRecord
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("all retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.LastErr
}

// CancelledError 执行期间context被取消（尝试前、尝试中或等待重试时）
type CancelledError struct {
	Cause    error
	LastErr  error
	Attempts int
}

func (e *CancelledError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("retry cancelled after %d attempts (last error: %v): %v", e.Attempts, e.LastErr, e.Cause)
	}
	return fmt.Sprintf("retry cancelled after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *CancelledError) Unwrap() error {
	return e.Cause
}

func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled
}

// AttemptRecord 单次尝试记录
type AttemptRecord struct {
	Attempt      int
	StartedAt    time.Time
	Err          error
	PlannedDelay time.Duration
}

// KindOf 推断任意错误的类型
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return KindConnection
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429") {
		return KindRateLimit
	}

	return KindUnknown
}

// Outcome 任务最终结果
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFatal     Outcome = "fatal"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeCancelled Outcome = "cancelled"
)

// OutcomeOf 根据Do返回的错误判断最终结果
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSucceeded
	}
	var exhausted *RetriesExhaustedError
	switch {
	case errors.Is(err, ErrCancelled):
		return OutcomeCancelled
	case errors.As(err, &exhausted):
		return OutcomeExhausted
	default:
		return OutcomeFatal
	}
}
