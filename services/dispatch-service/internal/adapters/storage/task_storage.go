package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/utils"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/infrastructure/postgres"
	svcutils "github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const taskColumns = `id::text, tenant_id::text, action, marketplace, params, dedup_key, state,
	priority, timeout_seconds, awaited, created_at, claimed_at, completed_at, deadline_at,
	claimed_by, result, error_kind, error_message, delivered_at`

// timeoutMessage текст ошибки задачи, по которой исполнитель не отчитался вовремя
const timeoutMessage = "executor did not report a result before the deadline"

var taskSortColumns = map[string]string{
	"created":  "created_at",
	"priority": "priority",
	"state":    "state",
}

// TaskStorage очередь задач в схеме арендатора
type TaskStorage struct{}

var _ postgres.TaskRepository = (*TaskStorage)(nil)

func scanTask(row pgx.Row) (*models.Task, error) {
	var (
		t            models.Task
		action       string
		marketplace  string
		state        string
		params       []byte
		result       []byte
		claimedBy    *string
		errorKind    *string
		errorMessage *string
	)

	err := row.Scan(
		&t.ID, &t.TenantID, &action, &marketplace, &params, &t.DedupKey, &state,
		&t.Priority, &t.TimeoutSeconds, &t.Awaited, &t.CreatedAt, &t.ClaimedAt, &t.CompletedAt, &t.DeadlineAt,
		&claimedBy, &result, &errorKind, &errorMessage, &t.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}

	t.Action = models.Action(action)
	t.Marketplace = models.Marketplace(marketplace)
	t.State = models.TaskState(state)
	t.Params = params
	t.Result = result
	if claimedBy != nil {
		t.ClaimedBy = *claimedBy
	}
	if errorKind != nil {
		t.Error = &models.TaskError{Kind: *errorKind}
		if errorMessage != nil {
			t.Error.Message = *errorMessage
		}
	}

	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*models.Task, error) {
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("error while iterating task rows: %w", rows.Err())
	}

	return tasks, nil
}

// CreateTask сохраняет новую задачу в состоянии pending
func (s *TaskStorage) CreateTask(ctx context.Context, task *models.Task) error {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return err
	}
	if task.TenantID != scope.TenantID {
		return svcutils.ErrTenantMismatch
	}

	params := []byte(task.Params)
	if len(params) == 0 {
		params = []byte("{}")
	}

	_, err = ex.Exec(ctx, `
		INSERT INTO tasks (
			id, tenant_id, action, marketplace, params, dedup_key, state,
			priority, timeout_seconds, awaited, created_at, deadline_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		task.ID, task.TenantID, string(task.Action), string(task.Marketplace), params, task.DedupKey,
		string(task.State), task.Priority, task.TimeoutSeconds, task.Awaited, task.CreatedAt, task.DeadlineAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return svcutils.ErrDuplicateTask
		}
		return fmt.Errorf("failed to save task: %w", err)
	}

	return nil
}

// GetTask получает задачу по ID
func (s *TaskStorage) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, nil
	}

	t, err := scanTask(ex.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 AND tenant_id = $2`, taskID, scope.TenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ClaimNext захватывает ожидающую задачу с наибольшим приоритетом.
// SKIP LOCKED позволяет параллельным опросам не ждать друг друга,
// а повторная проверка state в UPDATE исключает двойную выдачу.
func (s *TaskStorage) ClaimNext(ctx context.Context, opts postgres.ClaimOptions) (*models.Task, error) {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return nil, err
	}

	blocked := actionsToStrings(opts.Blocked)
	mutating := actionsToStrings(opts.Mutating)

	row := ex.QueryRow(ctx, `
		UPDATE tasks
		SET state = 'claimed',
			claimed_at = $2,
			claimed_by = $3,
			deadline_at = $2 + make_interval(secs => timeout_seconds)
		WHERE id = (
			SELECT id FROM tasks
			WHERE tenant_id = $1
				AND state = 'pending'
				AND deadline_at > $2
				AND NOT (marketplace = ANY($4::text[]) AND action = ANY($5::text[]))
			ORDER BY priority DESC, created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		) AND state = 'pending'
		RETURNING `+taskColumns,
		scope.TenantID, opts.Now, opts.ExecutorID, blocked, mutating,
	)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return t, nil
}

// CompleteTask фиксирует успешный результат задачи
func (s *TaskStorage) CompleteTask(ctx context.Context, taskID, executorID string, result []byte, now time.Time) (*models.Task, error) {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, svcutils.ErrInvalidTransition
	}

	var payload interface{}
	if len(result) > 0 {
		payload = result
	}

	row := ex.QueryRow(ctx, `
		UPDATE tasks
		SET state = 'completed', result = $4, completed_at = $5
		WHERE id = $1 AND tenant_id = $2
			AND state = 'claimed' AND claimed_by = $3 AND deadline_at > $5
		RETURNING `+taskColumns,
		taskID, scope.TenantID, executorID, payload, now,
	)

	return s.transitioned(row, "complete")
}

// FailTask фиксирует ошибку выполнения задачи
func (s *TaskStorage) FailTask(ctx context.Context, taskID, executorID string, taskErr models.TaskError, now time.Time) (*models.Task, error) {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, svcutils.ErrInvalidTransition
	}

	row := ex.QueryRow(ctx, `
		UPDATE tasks
		SET state = 'failed', error_kind = $4, error_message = $5, completed_at = $6
		WHERE id = $1 AND tenant_id = $2
			AND state = 'claimed' AND claimed_by = $3 AND deadline_at > $6
		RETURNING `+taskColumns,
		taskID, scope.TenantID, executorID, taskErr.Kind, taskErr.Message, now,
	)

	return s.transitioned(row, "fail")
}

func (s *TaskStorage) transitioned(row pgx.Row, op string) (*models.Task, error) {
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, svcutils.ErrInvalidTransition
		}
		return nil, fmt.Errorf("failed to %s task: %w", op, err)
	}
	return t, nil
}

// ExpirePending переводит невыданные задачи с истекшим сроком в expired
func (s *TaskStorage) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return 0, err
	}

	tag, err := ex.Exec(ctx, `
		UPDATE tasks SET state = 'expired', completed_at = $2
		WHERE tenant_id = $1 AND state = 'pending' AND deadline_at <= $2
	`, scope.TenantID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire pending tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailOverdue переводит выданные задачи с истекшим сроком в failed
func (s *TaskStorage) FailOverdue(ctx context.Context, now time.Time) (int64, error) {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return 0, err
	}

	tag, err := ex.Exec(ctx, `
		UPDATE tasks
		SET state = 'failed', error_kind = $3, error_message = $4, completed_at = $2
		WHERE tenant_id = $1 AND state = 'claimed' AND deadline_at <= $2
	`, scope.TenantID, now, models.ErrorKindExecutorTimeout, timeoutMessage)
	if err != nil {
		return 0, fmt.Errorf("failed to fail overdue tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkDelivered отмечает, что результат задачи передан потребителю
func (s *TaskStorage) MarkDelivered(ctx context.Context, taskID string, now time.Time) (bool, error) {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return false, err
	}

	tag, err := ex.Exec(ctx, `
		UPDATE tasks SET delivered_at = $3
		WHERE id = $1 AND tenant_id = $2
			AND state IN ('completed', 'failed', 'expired')
			AND delivered_at IS NULL
	`, taskID, scope.TenantID, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark task delivered: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListUndelivered завершенные задачи, результат которых никто не забрал
func (s *TaskStorage) ListUndelivered(ctx context.Context, before time.Time, limit int) ([]*models.Task, error) {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := ex.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE tenant_id = $1 AND state = 'completed'
			AND delivered_at IS NULL AND completed_at < $2
		ORDER BY completed_at, id
		LIMIT $3
	`, scope.TenantID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list undelivered tasks: %w", err)
	}

	return collectTasks(rows)
}

// CountPending считает ожидающие задачи площадки с указанными действиями
func (s *TaskStorage) CountPending(ctx context.Context, marketplace models.Marketplace, actions []models.Action) (int, error) {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return 0, err
	}

	var count int
	err = ex.QueryRow(ctx, `
		SELECT count(*) FROM tasks
		WHERE tenant_id = $1 AND state = 'pending'
			AND marketplace = $2 AND action = ANY($3::text[])
	`, scope.TenantID, string(marketplace), actionsToStrings(actions)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending tasks: %w", err)
	}
	return count, nil
}

// ListTasks получает задачи арендатора с фильтрацией и пагинацией
func (s *TaskStorage) ListTasks(ctx context.Context, filter models.TaskFilter, pagination *utils.Pagination) ([]*models.Task, int64, error) {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return nil, 0, err
	}

	conditions := []string{"tenant_id = $1"}
	args := []interface{}{scope.TenantID}
	argPos := 2

	if filter.State != "" {
		conditions = append(conditions, fmt.Sprintf("state = $%d", argPos))
		args = append(args, string(filter.State))
		argPos++
	}
	if filter.Action != "" {
		conditions = append(conditions, fmt.Sprintf("action = $%d", argPos))
		args = append(args, string(filter.Action))
		argPos++
	}
	if filter.Marketplace != "" {
		conditions = append(conditions, fmt.Sprintf("marketplace = $%d", argPos))
		args = append(args, string(filter.Marketplace))
		argPos++
	}

	where := strings.Join(conditions, " AND ")

	var total int64
	if err := ex.QueryRow(ctx, `SELECT count(*) FROM tasks WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY %s, id LIMIT $%d OFFSET $%d`,
		taskColumns, where, pagination.GetSortOrder(taskSortColumns, "created_at DESC"), argPos, argPos+1)
	args = append(args, pagination.GetLimit(), pagination.GetOffset())

	rows, err := ex.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, 0, err
	}

	return tasks, total, nil
}

// PurgeTerminal удаляет старые завершенные задачи. Задачи с непереданным
// результатом остаются до передачи.
func (s *TaskStorage) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return 0, err
	}

	tag, err := ex.Exec(ctx, `
		DELETE FROM tasks
		WHERE tenant_id = $1
			AND state IN ('completed', 'failed', 'expired')
			AND completed_at < $2
			AND (state <> 'completed' OR delivered_at IS NOT NULL)
	`, scope.TenantID, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}
