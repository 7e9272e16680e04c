package retry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"infer-relay/internal/progress"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingEmitter 记录所有推送的事件
type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
	result progress.Delivery
}

func (r *recordingEmitter) Emit(sessionID string, event progress.Event) progress.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.result
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	stages := make([]progress.Stage, 0, len(r.events))
	for _, ev := range r.events {
		stages = append(stages, ev.Stage)
	}
	return stages
}

func (r *recordingEmitter) waiting() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, ev := range r.events {
		if ev.Stage == progress.StageWaiting {
			out = append(out, ev)
		}
	}
	return out
}

// fakeSleeper 记录等待时长，不真正休眠
type fakeSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (f *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeSleeper) total() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum time.Duration
	for _, d := range f.sleeps {
		sum += d
	}
	return sum
}

// newTestExecutor 创建测试用执行器
func newTestExecutor(emitter progress.Emitter, sleeper *fakeSleeper, opts ...Option) *Executor {
	base := []Option{WithEmitter(emitter), WithSleeper(sleeper.Sleep)}
	return NewExecutor(append(base, opts...)...)
}

func testPolicy(t *testing.T, maxRetries int, jitter bool) *Policy {
	t.Helper()
	p, err := NewPolicy(PolicyConfig{
		MaxRetries:    maxRetries,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        jitter,
	})
	require.NoError(t, err)
	return p
}

var testSink = ProgressSink{SessionID: "session-1", TaskID: "task-1"}

func TestNewPolicy_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  PolicyConfig
	}{
		{"负数重试次数", PolicyConfig{MaxRetries: -1, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2}},
		{"最大延迟小于初始延迟", PolicyConfig{MaxRetries: 1, InitialDelay: time.Minute, MaxDelay: time.Second, BackoffFactor: 2}},
		{"退避倍数等于1", PolicyConfig{MaxRetries: 1, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 1.0}},
		{"退避倍数小于1", PolicyConfig{MaxRetries: 1, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 0.5}},
		{"初始延迟为0", PolicyConfig{MaxRetries: 1, InitialDelay: 0, MaxDelay: time.Minute, BackoffFactor: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPolicy(tt.cfg)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestNewPolicy_Defaults(t *testing.T) {
	p, err := NewPolicy(PolicyConfig{MaxRetries: 0, InitialDelay: time.Second, MaxDelay: time.Second, BackoffFactor: 1.5})
	require.NoError(t, err)

	assert.Equal(t, 0, p.MaxRetries())
	assert.Equal(t, 1, p.MaxAttempts())
	assert.Equal(t, DefaultRetryableKinds, p.RetryableKinds())
	assert.False(t, p.IsRetryable(KindAuth))
}

func TestFallbackPolicy(t *testing.T) {
	p := FallbackPolicy()
	assert.Equal(t, 3, p.MaxRetries())
	assert.Equal(t, 2*time.Second, p.InitialDelay())
	assert.Equal(t, 300*time.Second, p.MaxDelay())
	assert.False(t, p.Jitter())
}

func TestResolvePolicy(t *testing.T) {
	custom := testPolicy(t, 7, false)

	assert.Same(t, custom, ResolvePolicy(PolicySourceFunc(func() (*Policy, error) { return custom, nil }), nil))

	fallback := ResolvePolicy(PolicySourceFunc(func() (*Policy, error) {
		return nil, errors.New("config unavailable")
	}), nil)
	assert.Equal(t, 3, fallback.MaxRetries())
	assert.Equal(t, 2*time.Second, fallback.InitialDelay())

	assert.Equal(t, 300*time.Second, ResolvePolicy(nil, nil).MaxDelay())
}

func TestParseErrorKind(t *testing.T) {
	kind, err := ParseErrorKind("Rate-Limit")
	require.NoError(t, err)
	assert.Equal(t, KindRateLimit, kind)

	kind, err = ParseErrorKind("invalid_request")
	require.NoError(t, err)
	assert.Equal(t, KindInvalidRequest, kind)

	_, err = ParseErrorKind("bogus")
	assert.Error(t, err)
}

func TestClassifier_ExplicitWait(t *testing.T) {
	c := NewClassifier()
	p := testPolicy(t, 3, false)

	class := c.Classify(NewRateLimitError("Please retry after 12 seconds"), p)
	assert.Equal(t, ClassRateLimited, class.Kind)
	require.True(t, class.HasExplicitWait)
	assert.Equal(t, 12*time.Second, class.ExplicitWait)

	class = c.Classify(NewRateLimitError("Retry-After: 7.5"), p)
	require.True(t, class.HasExplicitWait)
	assert.Equal(t, 7500*time.Millisecond, class.ExplicitWait)

	class = c.Classify(NewRateLimitError("RETRY AFTER 1 second"), p)
	require.True(t, class.HasExplicitWait)
	assert.Equal(t, time.Second, class.ExplicitWait)
}

func TestClassifier_TieBreakPrefersRetryAfterSeconds(t *testing.T) {
	c := NewClassifier()
	p := testPolicy(t, 3, false)

	class := c.Classify(NewRateLimitError("Retry-After: 30; please retry after 4 seconds"), p)
	require.True(t, class.HasExplicitWait)
	assert.Equal(t, 4*time.Second, class.ExplicitWait)
}

func TestClassifier_OversizedWaitHintIgnored(t *testing.T) {
	c := NewClassifier()
	p := testPolicy(t, 3, false)

	_, ok := ParseWaitHint("retry after 99999999999 seconds")
	assert.False(t, ok)

	class := c.Classify(NewRateLimitError("retry after 99999999999 seconds"), p)
	assert.Equal(t, ClassRateLimited, class.Kind)
	assert.False(t, class.HasExplicitWait)

	// 超大的第一种提示被忽略后仍可使用第二种
	class = c.Classify(NewRateLimitError("retry after 99999999999 seconds, Retry-After: 3"), p)
	require.True(t, class.HasExplicitWait)
	assert.Equal(t, 3*time.Second, class.ExplicitWait)
}

func TestDo_OversizedWaitHintFallsBackToBackoff(t *testing.T) {
	sleeper := &fakeSleeper{}
	exec := newTestExecutor(nil, sleeper)
	p := testPolicy(t, 1, false)

	_, err := Do(context.Background(), exec, p, ProgressSink{},
		func(ctx context.Context) (int, error) {
			return 0, NewRateLimitError("retry after 99999999999 seconds")
		})

	require.Error(t, err)
	require.Len(t, sleeper.sleeps, 1)
	assert.Equal(t, time.Second, sleeper.sleeps[0])
}

func TestClassifier_RateLimitWithoutHint(t *testing.T) {
	c := NewClassifier()
	p := testPolicy(t, 3, false)

	class := c.Classify(errors.New("429 Too Many Requests"), p)
	assert.Equal(t, ClassRateLimited, class.Kind)
	assert.False(t, class.HasExplicitWait)
}

func TestClassifier_TransientAndFatal(t *testing.T) {
	c := NewClassifier()
	p := testPolicy(t, 3, false)

	assert.Equal(t, ClassTransient, c.Classify(NewConnectionError(errors.New("refused")), p).Kind)
	assert.Equal(t, ClassTransient, c.Classify(fmt.Errorf("call: %w", context.DeadlineExceeded), p).Kind)
	assert.Equal(t, ClassTransient, c.Classify(NewProviderError(502, "bad gateway"), p).Kind)

	assert.Equal(t, ClassFatal, c.Classify(errors.New("nil pointer somewhere"), p).Kind)
	assert.Equal(t, ClassFatal, c.Classify(&ProviderError{Kind: KindAuth, StatusCode: 401}, p).Kind)

	// 可重试集合来自策略
	narrow, err := NewPolicy(PolicyConfig{
		MaxRetries: 1, InitialDelay: time.Second, MaxDelay: time.Second, BackoffFactor: 2,
		Retryable: []ErrorKind{KindRateLimit},
	})
	require.NoError(t, err)
	assert.Equal(t, ClassFatal, c.Classify(NewConnectionError(errors.New("refused")), narrow).Kind)
}

func TestClassifier_Idempotent(t *testing.T) {
	c := NewClassifier()
	p := testPolicy(t, 3, false)
	err := NewRateLimitError("Please retry after 12 seconds")

	assert.Equal(t, c.Classify(err, p), c.Classify(err, p))
}

func TestPlanner_ExplicitWaitVerbatim(t *testing.T) {
	planner := NewPlanner(WithJitterSource(func() float64 { return 0.99 }))
	p := testPolicy(t, 3, true)

	delay, next := planner.PlanDelay(RateLimitedFor(12*time.Second), 1, p, 4*time.Second)
	assert.Equal(t, 12*time.Second, delay)
	assert.Equal(t, 4*time.Second, next)
}

func TestPlanner_JitterBounds(t *testing.T) {
	p, err := NewPolicy(PolicyConfig{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2.0, Jitter: true})
	require.NoError(t, err)

	low := NewPlanner(WithJitterSource(func() float64 { return 0 }))
	delay, next := low.PlanDelay(Transient(KindConnection), 2, p, time.Second)
	assert.Equal(t, 500*time.Millisecond, delay)
	assert.Equal(t, 2*time.Second, next)

	high := NewPlanner(WithJitterSource(func() float64 { return 0.999999 }))
	delay, _ = high.PlanDelay(Transient(KindConnection), 2, p, time.Second)
	assert.LessOrEqual(t, delay, 1500*time.Millisecond)
	assert.Greater(t, delay, 1400*time.Millisecond)

	defaultPlanner := NewPlanner()
	for i := 0; i < 200; i++ {
		delay, _ := defaultPlanner.PlanDelay(RateLimited(), 2, p, time.Second)
		assert.GreaterOrEqual(t, delay, 500*time.Millisecond)
		assert.LessOrEqual(t, delay, 1500*time.Millisecond)
	}
}

func TestPlanner_ClampsToMaxDelay(t *testing.T) {
	p, err := NewPolicy(PolicyConfig{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 4 * time.Second, BackoffFactor: 3.0, Jitter: true})
	require.NoError(t, err)
	planner := NewPlanner(WithJitterSource(func() float64 { return 0.99 }))

	delay, next := planner.PlanDelay(Transient(KindTimeout), 3, p, 9*time.Second)
	assert.Equal(t, 4*time.Second, delay)
	assert.Equal(t, 4*time.Second, next)
}

func TestPlanner_NoJitterBackoffSequence(t *testing.T) {
	p := testPolicy(t, 5, false)
	planner := NewPlanner()

	running := p.InitialDelay()
	var delays []time.Duration
	for attempt := 1; attempt <= 4; attempt++ {
		var d time.Duration
		d, running = planner.PlanDelay(Transient(KindProvider), attempt, p, running)
		delays = append(delays, d)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, delays)
}

func TestDo_InvocationsNeverExceedBudget(t *testing.T) {
	for maxRetries := 0; maxRetries <= 4; maxRetries++ {
		t.Run(fmt.Sprintf("max_retries=%d", maxRetries), func(t *testing.T) {
			sleeper := &fakeSleeper{}
			exec := newTestExecutor(nil, sleeper)
			calls := 0

			result, err := Do(context.Background(), exec, testPolicy(t, maxRetries, true), ProgressSink{},
				func(ctx context.Context) (int, error) {
					calls++
					return 0, NewConnectionError(errors.New("connection reset"))
				})

			var exhausted *RetriesExhaustedError
			require.ErrorAs(t, err, &exhausted)
			assert.Equal(t, maxRetries+1, calls)
			assert.Equal(t, maxRetries+1, result.Attempts)
			assert.Len(t, exhausted.History, maxRetries+1)
		})
	}
}

// Scenario A: 两次暂时性错误后成功
func TestDo_TransientThenSuccess(t *testing.T) {
	emitter := &recordingEmitter{}
	sleeper := &fakeSleeper{}
	exec := newTestExecutor(emitter, sleeper)
	calls := 0

	result, err := Do(context.Background(), exec, testPolicy(t, 3, false), testSink,
		func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", NewTimeoutError(context.DeadlineExceeded)
			}
			return "done", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "done", result.Value)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []progress.Stage{
		progress.StageAcknowledged, progress.StageWaiting, progress.StageWaiting, progress.StageSucceeded,
	}, emitter.stages())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.sleeps)

	for _, ev := range emitter.events {
		assert.Equal(t, "session-1", ev.SessionID)
		assert.Equal(t, "task-1", ev.TaskID)
	}
}

// Scenario B: 致命错误立即返回
func TestDo_FatalPassthrough(t *testing.T) {
	emitter := &recordingEmitter{}
	sleeper := &fakeSleeper{}
	exec := newTestExecutor(emitter, sleeper)
	fatal := &ProviderError{Kind: KindInvalidRequest, StatusCode: 400, Message: "bad prompt"}
	calls := 0

	result, err := Do(context.Background(), exec, testPolicy(t, 3, false), testSink,
		func(ctx context.Context) (int, error) {
			calls++
			return 0, fatal
		})

	assert.Same(t, fatal, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, result.Attempts)
	assert.Empty(t, sleeper.sleeps)
	assert.Equal(t, []progress.Stage{progress.StageAcknowledged, progress.StageFailed}, emitter.stages())

	var exhausted *RetriesExhaustedError
	assert.False(t, errors.As(err, &exhausted))
}

// Scenario C: 无等待提示的限流，max_retries=1
func TestDo_RateLimitedExhausted(t *testing.T) {
	emitter := &recordingEmitter{}
	sleeper := &fakeSleeper{}
	exec := newTestExecutor(emitter, sleeper)
	original := NewRateLimitError("slow down")
	calls := 0

	_, err := Do(context.Background(), exec, testPolicy(t, 1, false), testSink,
		func(ctx context.Context) (int, error) {
			calls++
			return 0, original
		})

	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.ErrorIs(t, err, original)
	assert.Same(t, original, exhausted.LastErr)

	stages := emitter.stages()
	assert.Equal(t, progress.StageFailed, stages[len(stages)-1])
	assert.Contains(t, emitter.events[len(emitter.events)-1].Message, "slow down")
}

// Scenario D: 推送全部被丢弃时重试循环照常完成
func TestDo_DroppedDeliveriesDoNotAbort(t *testing.T) {
	emitter := &recordingEmitter{result: progress.Dropped}
	sleeper := &fakeSleeper{}
	exec := newTestExecutor(emitter, sleeper)
	calls := 0

	result, err := Do(context.Background(), exec, testPolicy(t, 3, false), testSink,
		func(ctx context.Context) (int, error) {
			calls++
			if calls == 1 {
				return 0, NewRateLimitError("retry after 8 seconds")
			}
			return 42, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 42, result.Value)
	assert.Equal(t, 2, result.Attempts)
}

// Scenario E: 20秒明确等待拆分为10个waiting事件
func TestDo_LongWaitTicks(t *testing.T) {
	emitter := &recordingEmitter{}
	sleeper := &fakeSleeper{}
	exec := newTestExecutor(emitter, sleeper)
	calls := 0

	_, err := Do(context.Background(), exec, testPolicy(t, 3, true), testSink,
		func(ctx context.Context) (int, error) {
			calls++
			if calls == 1 {
				return 0, NewRateLimitError("Please retry after 20 seconds")
			}
			return 1, nil
		})
	require.NoError(t, err)

	waiting := emitter.waiting()
	require.Len(t, waiting, 10)
	for i, ev := range waiting {
		assert.Equal(t, (i+1)*10, ev.Percent)
		assert.Equal(t, 100-(i+1)*10, ev.Metadata["remaining_percent"])
		assert.InDelta(t, 20-2*float64(i+1), ev.Metadata["remaining_seconds"], 0.001)
	}
	assert.Len(t, sleeper.sleeps, 10)
	assert.Equal(t, 20*time.Second, sleeper.total())
}

func TestDo_ShortWaitAtThresholdIsSingleSleep(t *testing.T) {
	emitter := &recordingEmitter{}
	sleeper := &fakeSleeper{}
	exec := newTestExecutor(emitter, sleeper)
	calls := 0

	_, err := Do(context.Background(), exec, testPolicy(t, 3, false), testSink,
		func(ctx context.Context) (int, error) {
			calls++
			if calls == 1 {
				return 0, NewRateLimitError("Retry-After: 5")
			}
			return 1, nil
		})
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{LongWaitThreshold}, sleeper.sleeps)
	assert.Len(t, emitter.waiting(), 1)
}

func TestDo_CancelledDuringWait(t *testing.T) {
	emitter := &recordingEmitter{}
	ctx, cancel := context.WithCancel(context.Background())
	ticks := 0
	sleeper := func(ctx context.Context, d time.Duration) error {
		ticks++
		if ticks == 3 {
			cancel()
		}
		return ctx.Err()
	}
	exec := NewExecutor(WithEmitter(emitter), WithSleeper(sleeper))
	calls := 0

	_, err := Do(ctx, exec, testPolicy(t, 3, false), testSink,
		func(ctx context.Context) (int, error) {
			calls++
			return 0, NewRateLimitError("retry after 60 seconds")
		})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	var exhausted *RetriesExhaustedError
	assert.False(t, errors.As(err, &exhausted))

	var cancelled *CancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.Equal(t, 1, cancelled.Attempts)
	assert.Equal(t, 1, calls)
	assert.Len(t, emitter.waiting(), 2)
	assert.Equal(t, progress.StageFailed, emitter.stages()[len(emitter.stages())-1])
}

func TestDo_CancelledBeforeFirstAttempt(t *testing.T) {
	emitter := &recordingEmitter{}
	sleeper := &fakeSleeper{}
	exec := newTestExecutor(emitter, sleeper)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0

	res, err := Do(ctx, exec, testPolicy(t, 3, false), testSink,
		func(ctx context.Context) (int, error) {
			calls++
			return 1, nil
		})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeCancelled, OutcomeOf(err))
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, res.Attempts)
	assert.Empty(t, sleeper.sleeps)
	assert.Equal(t, []progress.Stage{progress.StageAcknowledged, progress.StageFailed}, emitter.stages())
}

func TestDo_CancelledDuringAttempt(t *testing.T) {
	emitter := &recordingEmitter{}
	sleeper := &fakeSleeper{}
	hook := &countingHook{}
	exec := newTestExecutor(emitter, sleeper, WithHooks(hook))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0

	res, err := Do(ctx, exec, testPolicy(t, 3, false), testSink,
		func(ctx context.Context) (int, error) {
			calls++
			cancel()
			return 0, &url.Error{Op: "Post", URL: "http://upstream", Err: context.Canceled}
		})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, OutcomeCancelled, OutcomeOf(err))

	var cancelled *CancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.Equal(t, 1, cancelled.Attempts)
	var urlErr *url.Error
	assert.ErrorAs(t, cancelled.LastErr, &urlErr)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, sleeper.sleeps)
	assert.Empty(t, hook.attempts)
	require.Len(t, hook.failures, 1)
	assert.ErrorIs(t, hook.failures[0], ErrCancelled)
	assert.Equal(t, []progress.Stage{progress.StageAcknowledged, progress.StageFailed}, emitter.stages())
}

func TestDo_ElapsedUsesClock(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	exec := NewExecutor(WithClock(func() time.Time { return now }))

	res, err := Do(context.Background(), exec, testPolicy(t, 0, false), ProgressSink{},
		func(ctx context.Context) (string, error) {
			now = now.Add(3 * time.Second)
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 3*time.Second, res.Elapsed)
}

func TestDo_ZeroSinkEmitsNothing(t *testing.T) {
	emitter := &recordingEmitter{}
	exec := newTestExecutor(emitter, &fakeSleeper{})

	_, err := Do(context.Background(), exec, testPolicy(t, 1, false), ProgressSink{},
		func(ctx context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.Empty(t, emitter.events)
}

func TestDo_EmitterPanicIsContained(t *testing.T) {
	panicky := progress.EmitterFunc(func(string, progress.Event) progress.Delivery {
		panic("socket closed")
	})
	exec := newTestExecutor(panicky, &fakeSleeper{})
	calls := 0

	result, err := Do(context.Background(), exec, testPolicy(t, 2, false), testSink,
		func(ctx context.Context) (int, error) {
			calls++
			if calls == 1 {
				return 0, NewConnectionError(errors.New("eof"))
			}
			return 7, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 7, result.Value)
}

func TestDo_NilPolicyUsesFallback(t *testing.T) {
	sleeper := &fakeSleeper{}
	exec := newTestExecutor(nil, sleeper)
	calls := 0

	_, err := Do(context.Background(), exec, nil, ProgressSink{},
		func(ctx context.Context) (int, error) {
			calls++
			return 0, NewProviderError(503, "unavailable")
		})

	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, sleeper.sleeps)
}

type countingHook struct {
	NopHook
	mu        sync.Mutex
	attempts  []AttemptRecord
	successes int
	failures  []error
}

func (h *countingHook) OnRetryAttempt(_ context.Context, _ ProgressSink, rec AttemptRecord, _ Classification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = append(h.attempts, rec)
}

func (h *countingHook) OnRetrySuccess(context.Context, ProgressSink, int, time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successes++
}

func (h *countingHook) OnRetryFailure(_ context.Context, _ ProgressSink, err error, _ int, _ time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, err)
}

type panickingHook struct{ NopHook }

func (panickingHook) OnRetryAttempt(context.Context, ProgressSink, AttemptRecord, Classification) {
	panic("boom")
}

func TestDo_Hooks(t *testing.T) {
	hook := &countingHook{}
	exec := newTestExecutor(nil, &fakeSleeper{}, WithHooks(panickingHook{}, hook))
	calls := 0

	_, err := Do(context.Background(), exec, testPolicy(t, 3, false), testSink,
		func(ctx context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, NewConnectionError(errors.New("refused"))
			}
			return 1, nil
		})
	require.NoError(t, err)

	require.Len(t, hook.attempts, 2)
	assert.Equal(t, 1, hook.attempts[0].Attempt)
	assert.Equal(t, time.Second, hook.attempts[0].PlannedDelay)
	assert.Equal(t, 2, hook.attempts[1].Attempt)
	assert.Equal(t, 1, hook.successes)
	assert.Empty(t, hook.failures)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, OutcomeSucceeded, OutcomeOf(nil))
	assert.Equal(t, OutcomeFatal, OutcomeOf(errors.New("bad")))
	assert.Equal(t, OutcomeExhausted, OutcomeOf(&RetriesExhaustedError{LastErr: errors.New("x"), Attempts: 2}))
	assert.Equal(t, OutcomeCancelled, OutcomeOf(&CancelledError{Cause: context.Canceled}))
	assert.Equal(t, OutcomeExhausted, OutcomeOf(fmt.Errorf("task: %w", &RetriesExhaustedError{LastErr: errors.New("x")})))
}
