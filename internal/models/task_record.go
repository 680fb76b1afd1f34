package models

import "time"

// TaskRecord persists one unit of async work. Records form a tree via
// ParentTaskID; a parent's terminal status is derived from its children
// once children exist.
type TaskRecord struct {
	ID           int64      `json:"id"`
	TaskID       string     `json:"task_id"`
	ParentTaskID *string    `json:"parent_task_id"`
	TaskName     string     `json:"task_name"`
	TenantID     int64      `json:"tenant_id"`
	Args         string     `json:"args"`
	Status       string     `json:"status"`
	Result       *string    `json:"result"`
	ErrorMessage string     `json:"error_message"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

// Terminal reports whether the task reached a final state.
func (t *TaskRecord) Terminal() bool {
	switch t.Status {
	case TaskSuccess, TaskFailure, TaskRevoked:
		return true
	}
	return false
}

// Duration returns wall time from start to completion, zero when the
// task has not finished.
func (t *TaskRecord) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}
