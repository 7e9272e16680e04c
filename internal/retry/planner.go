package retry

import (
	"math/rand/v2"
	"time"
)

// JitterSource 返回[0,1)区间的随机数
type JitterSource func() float64

// Planner 计算两次尝试之间的等待时间
type Planner struct {
	jitter JitterSource
}

// PlannerOption 配置Planner
type PlannerOption func(*Planner)

// WithJitterSource 替换随机源（测试中用于固定抖动）
func WithJitterSource(src JitterSource) PlannerOption {
	return func(p *Planner) {
		if src != nil {
			p.jitter = src
		}
	}
}

// NewPlanner 创建等待规划器，默认使用math/rand/v2
func NewPlanner(opts ...PlannerOption) *Planner {
	p := &Planner{jitter: rand.Float64}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PlanDelay 返回本次等待时间和下一轮的基准延迟
// 上游给出明确等待时间时原样使用，且不推进基准延迟
func (p *Planner) PlanDelay(class Classification, attempt int, policy *Policy, running time.Duration) (time.Duration, time.Duration) {
	if class.Kind == ClassRateLimited && class.HasExplicitWait {
		return class.ExplicitWait, running
	}

	maxDelay := policy.MaxDelay()
	delay := running
	if delay > maxDelay {
		delay = maxDelay
	}

	if policy.Jitter() {
		src := rand.Float64
		if p != nil && p.jitter != nil {
			src = p.jitter
		}
		factor := 0.5 + src()
		delay = time.Duration(float64(delay) * factor)
	}

	if delay < 0 {
		delay = 0
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	next := time.Duration(float64(running) * policy.BackoffFactor())
	// 防止溢出，基准延迟增长到上限后不再继续放大
	if next > maxDelay || next < running {
		next = maxDelay
	}
	return delay, next
}
