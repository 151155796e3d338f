package models

import "time"

// TopicTaskEvents тема событий жизненного цикла задач
const TopicTaskEvents = "task-events"

// TaskEventType тип события задачи
type TaskEventType string

const (
	TaskCreatedEvent   TaskEventType = "task_created"
	TaskCompletedEvent TaskEventType = "task_completed"
	TaskFailedEvent    TaskEventType = "task_failed"
)

// TaskEvent событие задачи. Результат в событие не входит,
// потребитель читает его из БД.
type TaskEvent struct {
	Type        TaskEventType `json:"type"`
	TaskID      string        `json:"task_id"`
	TenantID    string        `json:"tenant_id"`
	Action      Action        `json:"action"`
	Marketplace Marketplace   `json:"marketplace"`
	State       TaskState     `json:"state"`
	Awaited     bool          `json:"awaited"`
	OccurredAt  time.Time     `json:"occurred_at"`
}

// NewTaskEvent собирает событие по задаче
func NewTaskEvent(eventType TaskEventType, task *Task, at time.Time) TaskEvent {
	return TaskEvent{
		Type:        eventType,
		TaskID:      task.ID,
		TenantID:    task.TenantID,
		Action:      task.Action,
		Marketplace: task.Marketplace,
		State:       task.State,
		Awaited:     task.Awaited,
		OccurredAt:  at,
	}
}
