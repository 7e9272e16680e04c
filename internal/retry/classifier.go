package retry

import (
	"math"
	"regexp"
	"strconv"
	"time"
)

// ClassKind 分类结果类别
type ClassKind int

const (
	ClassFatal ClassKind = iota
	ClassRateLimited
	ClassTransient
)

func (k ClassKind) String() string {
	switch k {
	case ClassFatal:
		return "fatal"
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Classification 错误分类结果
// 仅当 Kind == ClassRateLimited 且上游给出了等待时间时 HasExplicitWait 为true
type Classification struct {
	Kind            ClassKind
	ErrorKind       ErrorKind
	ExplicitWait    time.Duration
	HasExplicitWait bool
}

func Fatal(kind ErrorKind) Classification {
	return Classification{Kind: ClassFatal, ErrorKind: kind}
}

func Transient(kind ErrorKind) Classification {
	return Classification{Kind: ClassTransient, ErrorKind: kind}
}

func RateLimited() Classification {
	return Classification{Kind: ClassRateLimited, ErrorKind: KindRateLimit}
}

func RateLimitedFor(wait time.Duration) Classification {
	return Classification{Kind: ClassRateLimited, ErrorKind: KindRateLimit, ExplicitWait: wait, HasExplicitWait: true}
}

func (c Classification) String() string {
	if c.HasExplicitWait {
		return c.Kind.String() + "(" + c.ExplicitWait.String() + ")"
	}
	return c.Kind.String()
}

// maxWaitHintSeconds 超过该值的提示无法表示为 time.Duration，按无提示处理
const maxWaitHintSeconds = float64(math.MaxInt64) / float64(time.Second)

// 两种提示同时出现时以 "retry after N seconds" 为准
var waitHintPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retry after (\d+(?:\.\d+)?) seconds?`),
	regexp.MustCompile(`Retry-After: (\d+(?:\.\d+)?)`),
}

// Classifier 错误分类器，无状态，可并发使用
type Classifier struct {
	kindOf func(error) ErrorKind
}

// NewClassifier 创建分类器
func NewClassifier() *Classifier {
	return &Classifier{kindOf: KindOf}
}

// Classify 根据错误类型和策略的可重试集合得出分类
func (c *Classifier) Classify(err error, policy *Policy) Classification {
	kindOf := KindOf
	if c != nil && c.kindOf != nil {
		kindOf = c.kindOf
	}
	kind := kindOf(err)

	if policy == nil || !policy.IsRetryable(kind) {
		return Fatal(kind)
	}

	if kind == KindRateLimit {
		if wait, ok := ParseWaitHint(err.Error()); ok {
			return RateLimitedFor(wait)
		}
		return RateLimited()
	}

	return Transient(kind)
}

// ParseWaitHint 从错误文本中解析上游要求的等待时间（秒，可带小数）
func ParseWaitHint(message string) (time.Duration, bool) {
	for _, pattern := range waitHintPatterns {
		match := pattern.FindStringSubmatch(message)
		if len(match) < 2 {
			continue
		}
		seconds, err := strconv.ParseFloat(match[1], 64)
		if err != nil || math.IsInf(seconds, 0) || math.IsNaN(seconds) || seconds >= maxWaitHintSeconds {
			continue
		}
		return time.Duration(seconds * float64(time.Second)), true
	}
	return 0, false
}
