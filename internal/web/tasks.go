package web

import (
	"sync"
	"time"

	"infer-relay/internal/provider"
)

const defaultTaskCapacity = 1000

type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// TaskState 任务状态，结果通过 GET /api/v1/tasks/:id 读取
type TaskState struct {
	TaskID     string                       `json:"task_id"`
	SessionID  string                       `json:"session_id,omitempty"`
	Status     TaskStatus                   `json:"status"`
	Outcome    string                       `json:"outcome,omitempty"`
	Attempts   int                          `json:"attempts,omitempty"`
	Error      string                       `json:"error,omitempty"`
	Response   *provider.CompletionResponse `json:"response,omitempty"`
	CreatedAt  time.Time                    `json:"created_at"`
	FinishedAt *time.Time                   `json:"finished_at,omitempty"`
}

// taskStore 保留最近的任务，超出容量时淘汰最早提交的
type taskStore struct {
	mu       sync.RWMutex
	tasks    map[string]*TaskState
	order    []string
	capacity int
}

func newTaskStore(capacity int) *taskStore {
	return &taskStore{
		tasks:    make(map[string]*TaskState),
		capacity: capacity,
	}
}

// add 登记新任务，task_id 已存在时返回false
func (ts *taskStore) add(state TaskState) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, exists := ts.tasks[state.TaskID]; exists {
		return false
	}
	for len(ts.order) >= ts.capacity {
		oldest := ts.order[0]
		ts.order = ts.order[1:]
		delete(ts.tasks, oldest)
	}
	ts.tasks[state.TaskID] = &state
	ts.order = append(ts.order, state.TaskID)
	return true
}

func (ts *taskStore) update(taskID string, fn func(*TaskState)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if state, ok := ts.tasks[taskID]; ok {
		fn(state)
	}
}

func (ts *taskStore) get(taskID string) (TaskState, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	state, ok := ts.tasks[taskID]
	if !ok {
		return TaskState{}, false
	}
	return *state, true
}
