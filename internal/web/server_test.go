package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"infer-relay/internal/events"
	"infer-relay/internal/monitor"
	"infer-relay/internal/progress"
	"infer-relay/internal/provider"
	"infer-relay/internal/retry"
	"infer-relay/internal/session"
	"infer-relay/internal/tracking"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyCompleter 前 failures 次返回503，之后成功
type flakyCompleter struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyCompleter) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, retry.NewProviderError(http.StatusServiceUnavailable, "overloaded")
	}
	return &provider.CompletionResponse{
		ID:      "cmpl-1",
		Choices: []provider.Choice{{Message: provider.Message{Role: "assistant", Content: "hi"}}},
	}, nil
}

type testEnv struct {
	server   *Server
	registry *session.Registry
	bus      events.EventBus
	metrics  *monitor.Metrics
}

func newTestEnv(t *testing.T, completer Completer, tracker *tracking.OutcomeTracker) *testEnv {
	t.Helper()

	registry := session.NewRegistry(16, nil)
	channel := session.NewProgressChannel(registry, 50*time.Millisecond, nil)
	metrics := monitor.NewMetrics(registry.Count)
	bus := events.NewEventBus(100, nil)
	require.NoError(t, bus.Start())

	hooks := []retry.Hook{metrics, events.NewHookPublisher(bus)}
	if tracker != nil {
		hooks = append(hooks, tracker)
	}
	exec := retry.NewExecutor(
		retry.WithEmitter(metrics.InstrumentEmitter(channel)),
		retry.WithHooks(hooks...),
		retry.WithSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)

	policy, err := retry.NewPolicy(retry.PolicyConfig{
		MaxRetries:    2,
		InitialDelay:  time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
	})
	require.NoError(t, err)

	s := NewServer(Options{
		Registry:     registry,
		Executor:     exec,
		Policies:     retry.PolicySourceFunc(func() (*retry.Policy, error) { return policy, nil }),
		Completer:    completer,
		Bus:          bus,
		Metrics:      metrics,
		Tracker:      tracker,
		OperatorAPI:  true,
		PingInterval: time.Hour,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		_ = bus.Stop()
		registry.Close()
	})

	return &testEnv{server: s, registry: registry, bus: bus, metrics: metrics}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

const submitBody = `{"session_id":"s1","task_id":"t1","messages":[{"role":"user","content":"hello"}]}`

// sseEvent 从流中读取下一条事件
func readSSEEvent(t *testing.T, scanner *bufio.Scanner) (string, string) {
	t.Helper()
	var name, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && name != "":
			return name, data
		}
	}
	require.NoError(t, scanner.Err())
	t.Fatal("stream closed before event")
	return "", ""
}

func TestServer_ProgressStreamEndToEnd(t *testing.T) {
	env := newTestEnv(t, &flakyCompleter{failures: 1}, nil)
	monitorCh, unsubscribe := env.bus.Subscribe(64)
	defer unsubscribe()

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?session_id=s1", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	name, _ := readSSEEvent(t, scanner)
	require.Equal(t, "connected", name)
	assert.Equal(t, 1, env.registry.Count())

	rec := env.do(http.MethodPost, "/api/v1/completions", submitBody)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var stages []progress.Stage
	for {
		name, data := readSSEEvent(t, scanner)
		if name != "progress" {
			continue
		}
		var ev progress.Event
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		assert.Equal(t, "s1", ev.SessionID)
		assert.Equal(t, "t1", ev.TaskID)
		stages = append(stages, ev.Stage)
		if ev.Stage.IsTerminal() {
			break
		}
	}
	assert.Equal(t, []progress.Stage{
		progress.StageAcknowledged,
		progress.StageWaiting,
		progress.StageSucceeded,
	}, stages)

	require.Eventually(t, func() bool {
		rec := env.do(http.MethodGet, "/api/v1/tasks/t1", "")
		var state TaskState
		_ = json.Unmarshal(rec.Body.Bytes(), &state)
		return state.Status == TaskSucceeded && state.Attempts == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return env.registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	seen := map[events.EventType]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[events.EventSessionDisconnected] {
		select {
		case ev := <-monitorCh:
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("missing lifecycle events, got %v", seen)
		}
	}
	assert.True(t, seen[events.EventSessionConnected])
	assert.True(t, seen[events.EventTaskStarted])
	assert.True(t, seen[events.EventTaskSucceeded])

	snap := env.metrics.GetSnapshot(0)
	assert.Equal(t, int64(1), snap.SucceededTasks)
	assert.Equal(t, int64(3), snap.DeliveredEvents)
}

func TestServer_SubmitWithoutSessionStillRuns(t *testing.T) {
	completer := &flakyCompleter{failures: 5}
	env := newTestEnv(t, completer, nil)

	rec := env.do(http.MethodPost, "/api/v1/completions", `{"messages":[{"role":"user","content":"x"}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	taskID := accepted["task_id"]
	require.NotEmpty(t, taskID)

	require.Eventually(t, func() bool {
		rec := env.do(http.MethodGet, "/api/v1/tasks/"+taskID, "")
		var state TaskState
		_ = json.Unmarshal(rec.Body.Bytes(), &state)
		return state.Status == TaskFailed
	}, 2*time.Second, 10*time.Millisecond)

	rec = env.do(http.MethodGet, "/api/v1/tasks/"+taskID, "")
	var state TaskState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "exhausted", state.Outcome)
	assert.Equal(t, 3, state.Attempts)
	assert.Equal(t, int32(3), completer.calls.Load())
}

func TestServer_SubmitValidation(t *testing.T) {
	env := newTestEnv(t, &flakyCompleter{}, nil)

	rec := env.do(http.MethodPost, "/api/v1/completions", `{"session_id":"s1","messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/completions", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/completions", submitBody)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = env.do(http.MethodPost, "/api/v1/completions", submitBody)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/tasks/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ProgressStreamRequiresSession(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rec := env.do(http.MethodGet, "/events", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/completions", submitBody)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_SessionEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.registry.Bind("s-abc")

	rec := env.do(http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []session.Info `json:"sessions"`
		Total    int            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, "s-abc", list.Sessions[0].SessionID)

	rec = env.do(http.MethodGet, "/api/v1/sessions/s-abc", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_OperatorEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = env.do(http.MethodGet, "/api/v1/retry-policy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var policy map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &policy))
	assert.Equal(t, float64(2), policy["max_retries"])
	assert.Equal(t, "1s", policy["initial_delay"])

	rec = env.do(http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"event_bus"`)

	rec = env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "infer_relay_active_sessions")

	rec = env.do(http.MethodGet, "/api/v1/outcomes", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_OutcomesFromTracker(t *testing.T) {
	tracker, err := tracking.NewOutcomeTracker(&tracking.Config{
		Enabled: true,
		Database: tracking.DatabaseConfig{
			Type:         "sqlite",
			DatabasePath: filepath.Join(t.TempDir(), "outcomes.db"),
			Timezone:     "UTC",
		},
		BatchSize:     1,
		FlushInterval: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	defer tracker.Close()

	env := newTestEnv(t, &flakyCompleter{failures: 1}, tracker)

	rec := env.do(http.MethodPost, "/api/v1/completions", submitBody)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		Outcomes []tracking.OutcomeRecord `json:"outcomes"`
		Summary  tracking.OutcomeSummary  `json:"summary"`
	}
	require.Eventually(t, func() bool {
		rec := env.do(http.MethodGet, "/api/v1/outcomes?limit=10&window=1h", "")
		if rec.Code != http.StatusOK {
			return false
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
		return len(body.Outcomes) == 1
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "t1", body.Outcomes[0].TaskID)
	assert.Equal(t, "succeeded", body.Outcomes[0].Result)
	assert.Equal(t, 2, body.Outcomes[0].Attempts)
	assert.Equal(t, int64(1), body.Summary.Total)

	rec = env.do(http.MethodGet, "/api/v1/outcomes?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_OperatorAPIDisabled(t *testing.T) {
	s := NewServer(Options{Registry: session.NewRegistry(4, nil), Metrics: monitor.NewMetrics(nil)})

	for _, path := range []string{"/metrics", "/api/v1/stats", "/api/v1/outcomes"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestTaskStore_EvictsOldest(t *testing.T) {
	store := newTaskStore(2)
	assert.True(t, store.add(TaskState{TaskID: "a"}))
	assert.True(t, store.add(TaskState{TaskID: "b"}))
	assert.False(t, store.add(TaskState{TaskID: "b"}))
	assert.True(t, store.add(TaskState{TaskID: "c"}))

	_, ok := store.get("a")
	assert.False(t, ok)
	_, ok = store.get("c")
	assert.True(t, ok)
}
