package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"infer-relay/config"
	"infer-relay/internal/retry"
)

// Message 对话消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest 补全请求
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// CompletionResponse 补全响应
type CompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// errorMessageLimit 错误信息中保留的响应体长度
const errorMessageLimit = 512

// Client 推理服务客户端，单次调用不做重试，失败按类型映射为 retry.ProviderError
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
	headers    map[string]string
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient 创建客户端，httpClient 为nil时使用默认客户端
func NewClient(cfg config.ProviderConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + cfg.CompletionsPath,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		headers:    cfg.Headers,
		logger:     logger,
		now:        time.Now,
	}
}

// Complete 发送一次补全请求
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if len(req.Messages) == 0 {
		return nil, &retry.ProviderError{Kind: retry.KindInvalidRequest, Message: "messages must not be empty"}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &retry.ProviderError{Kind: retry.KindInvalidRequest, Message: "failed to encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &retry.ProviderError{Kind: retry.KindInvalidRequest, Message: "failed to build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	start := c.now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.mapTransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, retry.NewConnectionError(fmt.Errorf("failed to read response: %w", err))
	}

	c.logger.Debug("📡 [推理请求] 上游响应",
		"status", resp.StatusCode,
		"model", req.Model,
		"duration", c.now().Sub(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.mapStatusError(resp, body)
	}

	var out CompletionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &retry.ProviderError{
			Kind:       retry.KindProvider,
			StatusCode: resp.StatusCode,
			Message:    "invalid response body",
			Err:        err,
		}
	}
	return &out, nil
}

// mapTransportError 取消直接返回，超时与连接错误分开
func (c *Client) mapTransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return retry.NewTimeoutError(err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retry.NewTimeoutError(err)
	}
	return retry.NewConnectionError(err)
}

func (c *Client) mapStatusError(resp *http.Response, body []byte) error {
	message := extractErrorMessage(body)
	status := resp.StatusCode

	switch {
	case status == http.StatusTooManyRequests:
		if wait, ok := c.parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			message = strings.TrimSpace(message + " Retry-After: " + wait)
		}
		return retry.NewRateLimitError(message)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &retry.ProviderError{Kind: retry.KindTimeout, StatusCode: status, Message: message}
	case status >= 500:
		return retry.NewProviderError(status, message)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &retry.ProviderError{Kind: retry.KindAuth, StatusCode: status, Message: message}
	default:
		return &retry.ProviderError{Kind: retry.KindInvalidRequest, StatusCode: status, Message: message}
	}
}

// parseRetryAfter 支持秒数和HTTP日期两种格式，返回秒数文本
func (c *Client) parseRetryAfter(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs >= 0 {
		return strconv.FormatFloat(secs, 'f', -1, 64), true
	}
	if at, err := http.ParseTime(value); err == nil {
		secs := math.Ceil(at.Sub(c.now()).Seconds())
		if secs < 0 {
			secs = 0
		}
		return strconv.FormatFloat(secs, 'f', 0, 64), true
	}
	return "", false
}

// extractErrorMessage 优先取 OpenAI 风格的 error.message
func extractErrorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error.Message != "" {
			return payload.Error.Message
		}
		if payload.Message != "" {
			return payload.Message
		}
	}

	text := strings.TrimSpace(string(body))
	if len(text) > errorMessageLimit {
		text = text[:errorMessageLimit] + "..."
	}
	return text
}
