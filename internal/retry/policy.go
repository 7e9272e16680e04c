package retry

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// PolicyConfig 构造Policy所需的参数
type PolicyConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
	// Retryable 为空时使用默认可重试集合
	Retryable []ErrorKind
}

// Policy 重试策略，创建后不可变，可在多个goroutine间共享
type Policy struct {
	maxRetries    int
	initialDelay  time.Duration
	maxDelay      time.Duration
	backoffFactor float64
	jitter        bool
	retryable     map[ErrorKind]struct{}
}

// DefaultRetryableKinds 默认可重试的错误类型
var DefaultRetryableKinds = []ErrorKind{KindRateLimit, KindConnection, KindTimeout, KindProvider}

// NewPolicy 校验参数并创建重试策略
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries不能为负数: %d", ErrInvalidPolicy, cfg.MaxRetries)
	}
	if cfg.InitialDelay <= 0 {
		return nil, fmt.Errorf("%w: initial_delay必须大于0: %v", ErrInvalidPolicy, cfg.InitialDelay)
	}
	if cfg.MaxDelay <= 0 {
		return nil, fmt.Errorf("%w: max_delay必须大于0: %v", ErrInvalidPolicy, cfg.MaxDelay)
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		return nil, fmt.Errorf("%w: max_delay(%v)不能小于initial_delay(%v)", ErrInvalidPolicy, cfg.MaxDelay, cfg.InitialDelay)
	}
	if cfg.BackoffFactor <= 1.0 {
		return nil, fmt.Errorf("%w: backoff_factor必须大于1.0: %v", ErrInvalidPolicy, cfg.BackoffFactor)
	}

	kinds := cfg.Retryable
	if len(kinds) == 0 {
		kinds = DefaultRetryableKinds
	}
	retryable := make(map[ErrorKind]struct{}, len(kinds))
	for _, kind := range kinds {
		retryable[kind] = struct{}{}
	}

	return &Policy{
		maxRetries:    cfg.MaxRetries,
		initialDelay:  cfg.InitialDelay,
		maxDelay:      cfg.MaxDelay,
		backoffFactor: cfg.BackoffFactor,
		jitter:        cfg.Jitter,
		retryable:     retryable,
	}, nil
}

// DefaultPolicy 默认策略：3次重试，1秒起步，最长60秒，带抖动
func DefaultPolicy() *Policy {
	return mustPolicy(PolicyConfig{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	})
}

// FallbackPolicy 配置源不可用时的兜底策略
func FallbackPolicy() *Policy {
	return mustPolicy(PolicyConfig{
		MaxRetries:    3,
		InitialDelay:  2 * time.Second,
		MaxDelay:      300 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        false,
	})
}

func mustPolicy(cfg PolicyConfig) *Policy {
	p, err := NewPolicy(cfg)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Policy) MaxRetries() int             { return p.maxRetries }
func (p *Policy) InitialDelay() time.Duration { return p.initialDelay }
func (p *Policy) MaxDelay() time.Duration     { return p.maxDelay }
func (p *Policy) BackoffFactor() float64      { return p.backoffFactor }
func (p *Policy) Jitter() bool                { return p.jitter }
func (p *Policy) MaxAttempts() int            { return p.maxRetries + 1 }

// IsRetryable 判断错误类型是否在可重试集合中
func (p *Policy) IsRetryable(kind ErrorKind) bool {
	_, ok := p.retryable[kind]
	return ok
}

// RetryableKinds 返回可重试错误类型（按枚举顺序）
func (p *Policy) RetryableKinds() []ErrorKind {
	kinds := make([]ErrorKind, 0, len(p.retryable))
	for kind := KindUnknown; kind <= KindInvalidRequest; kind++ {
		if _, ok := p.retryable[kind]; ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

func (p *Policy) String() string {
	names := make([]string, 0, len(p.retryable))
	for _, kind := range p.RetryableKinds() {
		names = append(names, kind.String())
	}
	return fmt.Sprintf("max_retries=%d initial=%v max=%v factor=%.2f jitter=%t retryable=[%s]",
		p.maxRetries, p.initialDelay, p.maxDelay, p.backoffFactor, p.jitter, strings.Join(names, ","))
}

// PolicySource 动态配置源，每次调用时重新读取
type PolicySource interface {
	RetryPolicy() (*Policy, error)
}

// PolicySourceFunc 函数适配器
type PolicySourceFunc func() (*Policy, error)

func (f PolicySourceFunc) RetryPolicy() (*Policy, error) { return f() }

// ResolvePolicy 从配置源获取策略，失败时回退到FallbackPolicy
func ResolvePolicy(src PolicySource, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	if src == nil {
		return FallbackPolicy()
	}
	policy, err := src.RetryPolicy()
	if err != nil || policy == nil {
		logger.Warn("⚠️ [重试策略] 配置源不可用，使用兜底策略", "error", err)
		return FallbackPolicy()
	}
	return policy
}
