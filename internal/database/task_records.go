package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"woosync/internal/models"
)

const taskRecordColumns = `id, task_id, parent_task_id, task_name, tenant_id,
    args, status, result, error_message, retry_count, created_at, started_at, completed_at`

func scanTaskRecord(row interface{ Scan(...any) error }) (*models.TaskRecord, error) {
	var t models.TaskRecord
	err := row.Scan(&t.ID, &t.TaskID, &t.ParentTaskID, &t.TaskName, &t.TenantID,
		&t.Args, &t.Status, &t.Result, &t.ErrorMessage, &t.RetryCount,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTaskRecord inserts a new pending task. If a record with the same
// task id already exists (a retry of the same execution) it is reset to
// pending and its retry counter incremented instead.
func (db *DB) CreateTaskRecord(ctx context.Context, t *models.TaskRecord) error {
	query := `
        INSERT INTO task_records (task_id, parent_task_id, task_name, tenant_id, args, status)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(task_id) DO UPDATE SET
            status = ?,
            retry_count = retry_count + 1,
            error_message = '',
            completed_at = NULL`
	_, err := db.ExecContext(ctx, query,
		t.TaskID, t.ParentTaskID, t.TaskName, t.TenantID, t.Args, models.TaskPending,
		models.TaskPending)
	if err != nil {
		return fmt.Errorf("failed to create task record: %w", err)
	}
	return nil
}

// GetTaskRecord looks up a task by its execution id.
func (db *DB) GetTaskRecord(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM task_records WHERE task_id = ?`, taskRecordColumns)
	task, err := scanTaskRecord(db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task record: %w", err)
	}
	return task, nil
}

// MarkTaskStarted transitions pending/retry -> started. A no-op when the
// task already reached a terminal state.
func (db *DB) MarkTaskStarted(ctx context.Context, taskID string) error {
	query := `UPDATE task_records SET status = ?, started_at = ?
        WHERE task_id = ? AND status IN (?, ?)`
	if _, err := db.ExecContext(ctx, query,
		models.TaskStarted, time.Now().UTC(), taskID,
		models.TaskPending, models.TaskRetry); err != nil {
		return fmt.Errorf("failed to mark task started: %w", err)
	}
	return nil
}

// CompleteTaskRecord writes the terminal state for a task. Terminal
// states never regress: the guard refuses to overwrite one.
func (db *DB) CompleteTaskRecord(ctx context.Context, taskID, status string, result *string, errorMessage string) error {
	query := `UPDATE task_records SET status = ?, result = ?, error_message = ?, completed_at = ?
        WHERE task_id = ? AND status NOT IN (?, ?, ?)`
	res, err := db.ExecContext(ctx, query,
		status, result, errorMessage, time.Now().UTC(), taskID,
		models.TaskSuccess, models.TaskFailure, models.TaskRevoked)
	if err != nil {
		return fmt.Errorf("failed to complete task record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTaskRetry schedules another attempt after a transient failure.
func (db *DB) MarkTaskRetry(ctx context.Context, taskID, errorMessage string) error {
	query := `UPDATE task_records SET status = ?, error_message = ?, retry_count = retry_count + 1
        WHERE task_id = ? AND status NOT IN (?, ?, ?)`
	if _, err := db.ExecContext(ctx, query,
		models.TaskRetry, errorMessage, taskID,
		models.TaskSuccess, models.TaskFailure, models.TaskRevoked); err != nil {
		return fmt.Errorf("failed to mark task retry: %w", err)
	}
	return nil
}

// RevokeTask cancels a task that has not started executing yet.
func (db *DB) RevokeTask(ctx context.Context, taskID string) error {
	query := `UPDATE task_records SET status = ?, completed_at = ?
        WHERE task_id = ? AND status IN (?, ?)`
	res, err := db.ExecContext(ctx, query,
		models.TaskRevoked, time.Now().UTC(), taskID,
		models.TaskPending, models.TaskRetry)
	if err != nil {
		return fmt.Errorf("failed to revoke task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChildTasks returns all tasks spawned by a parent, oldest first.
func (db *DB) ListChildTasks(ctx context.Context, parentTaskID string) ([]*models.TaskRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM task_records WHERE parent_task_id = ? ORDER BY created_at ASC, id ASC`, taskRecordColumns)
	rows, err := db.QueryContext(ctx, query, parentTaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.TaskRecord
	for rows.Next() {
		task, err := scanTaskRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ListTasks returns recent tasks, newest first, optionally by tenant.
func (db *DB) ListTasks(ctx context.Context, tenantID int64, limit int) ([]*models.TaskRecord, error) {
	if limit <= 0 {
		limit = models.DefaultPageSize
	}
	query := fmt.Sprintf(`SELECT %s FROM task_records WHERE (? = 0 OR tenant_id = ?)
        ORDER BY created_at DESC LIMIT ?`, taskRecordColumns)
	rows, err := db.QueryContext(ctx, query, tenantID, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.TaskRecord
	for rows.Next() {
		task, err := scanTaskRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DerivedParentStatus computes a parent's status from its children:
// failure if any child failed, success only when all succeeded, started
// while any child is still in flight. ErrNotFound when no children exist.
func (db *DB) DerivedParentStatus(ctx context.Context, parentTaskID string) (string, error) {
	children, err := db.ListChildTasks(ctx, parentTaskID)
	if err != nil {
		return "", err
	}
	if len(children) == 0 {
		return "", ErrNotFound
	}

	allDone := true
	anyFailed := false
	for _, c := range children {
		if !c.Terminal() {
			allDone = false
		}
		if c.Status == models.TaskFailure {
			anyFailed = true
		}
	}
	switch {
	case anyFailed:
		return models.TaskFailure, nil
	case allDone:
		return models.TaskSuccess, nil
	default:
		return models.TaskStarted, nil
	}
}
