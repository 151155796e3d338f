package models

import (
	"encoding/json"
	"time"
)

// TaskState состояние задачи
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskClaimed   TaskState = "claimed"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskExpired   TaskState = "expired"
)

// Terminal сообщает, что из состояния нет переходов
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskExpired
}

// Valid проверяет значение состояния
func (s TaskState) Valid() bool {
	switch s {
	case TaskPending, TaskClaimed, TaskCompleted, TaskFailed, TaskExpired:
		return true
	}
	return false
}

// Виды ошибок задачи, которые назначает сам сервер
const (
	ErrorKindExecutorTimeout = "executor_timeout"
	ErrorKindExecutor        = "executor_error"
)

// TaskError ошибка выполнения задачи на площадке
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Task единица работы, которую выполняет расширение браузера
type Task struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	Action         Action          `json:"action"`
	Marketplace    Marketplace     `json:"marketplace"`
	Params         json.RawMessage `json:"params,omitempty"`
	DedupKey       string          `json:"-"`
	State          TaskState       `json:"state"`
	Priority       int             `json:"priority"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	// Awaited задачу ожидает синхронный вызов, результат передаст он
	Awaited     bool            `json:"awaited"`
	CreatedAt   time.Time       `json:"created_at"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DeadlineAt  time.Time       `json:"deadline_at"`
	ClaimedBy   string          `json:"claimed_by,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *TaskError      `json:"error,omitempty"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
}

// Timeout время на выполнение задачи
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// ResultSubmission результат, присланный исполнителем
type ResultSubmission struct {
	Status TaskState       `json:"status" validate:"required,oneof=completed failed"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *TaskError      `json:"error,omitempty" validate:"required_if=Status failed"`
}

// TaskFilter фильтр списка задач
type TaskFilter struct {
	State       TaskState   `json:"state,omitempty"`
	Action      Action      `json:"action,omitempty"`
	Marketplace Marketplace `json:"marketplace,omitempty"`
}

// SweepResult итог фонового прохода по задачам одного арендатора
type SweepResult struct {
	Expired     int64 `json:"expired"`
	Failed      int64 `json:"failed"`
	Redelivered int   `json:"redelivered"`
	Purged      int64 `json:"purged"`
}

// ExecutorPresence последний опрос очереди расширением
type ExecutorPresence struct {
	ExecutorID string    `json:"executor_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Online     bool      `json:"online"`
}
