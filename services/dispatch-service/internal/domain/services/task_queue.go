package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/athebyme/crosslist-platform/pkg/utils"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/infrastructure/postgres"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/metrics"
	svcutils "github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
)

// errClaimDenied откатывает захват задачи, на которую не хватило квоты
var errClaimDenied = errors.New("claim denied by rate limiter")

// TaskQueue очередь задач арендатора
type TaskQueue struct {
	tasks   postgres.TaskRepository
	limiter *RateLimiter
	logger  interfaces.LoggerPort
}

// NewTaskQueue создает TaskQueue
func NewTaskQueue(repo postgres.Port, limiter *RateLimiter, logger interfaces.LoggerPort) *TaskQueue {
	return &TaskQueue{
		tasks:   repo.Tasks(),
		limiter: limiter,
		logger:  logger,
	}
}

// Enqueue добавляет задачу в состоянии pending.
// Возвращает utils.ErrDuplicateTask, если такая же задача уже в работе.
func (q *TaskQueue) Enqueue(ctx context.Context, sess *ScopedSession, task *models.Task, now time.Time) error {
	if !task.Marketplace.Valid() {
		return fmt.Errorf("%w: %q", svcutils.ErrInvalidMarketplace, task.Marketplace)
	}
	if !task.Action.Valid() {
		return fmt.Errorf("%w: %q", svcutils.ErrInvalidAction, task.Action)
	}
	if task.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: timeout must be positive", svcutils.ErrInvalidParams)
	}

	dedupKey, err := DedupKey(sess.TenantID(), task.Marketplace, task.Action, task.Params)
	if err != nil {
		return err
	}

	task.TenantID = sess.TenantID()
	task.DedupKey = dedupKey
	task.State = models.TaskPending
	task.CreatedAt = now
	task.DeadlineAt = now.Add(task.Timeout())
	task.ClaimedAt, task.CompletedAt, task.DeliveredAt = nil, nil, nil
	task.ClaimedBy = ""

	err = sess.Do(ctx, func(ctx context.Context) error {
		return q.tasks.CreateTask(ctx, task)
	})
	if err != nil {
		if errors.Is(err, svcutils.ErrDuplicateTask) {
			metrics.DuplicateTasks.WithLabelValues(string(task.Marketplace), string(task.Action)).Inc()
			return err
		}
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	metrics.TasksCreated.WithLabelValues(string(task.Marketplace), string(task.Action)).Inc()
	q.logger.DebugWithContext(ctx, "Задача поставлена в очередь",
		interfaces.LogField{Key: "tenant_id", Value: task.TenantID},
		interfaces.LogField{Key: "task_id", Value: task.ID},
		interfaces.LogField{Key: "action", Value: task.Action},
		interfaces.LogField{Key: "marketplace", Value: task.Marketplace},
	)

	return nil
}

// ClaimNext выдает исполнителю ожидающую задачу с наибольшим приоритетом.
// Для изменяющего действия квота резервируется в той же транзакции;
// если квоты нет, захват откатывается и площадка исключается из выборки.
// Возвращает nil, nil если выдавать нечего.
func (q *TaskQueue) ClaimNext(ctx context.Context, sess *ScopedSession, executorID string, now time.Time) (*models.Task, error) {
	var claimed *models.Task
	blocked := []models.Marketplace{}
	mutating := MutatingActions()

	err := sess.Do(ctx, func(ctx context.Context) error {
		for attempt := 0; attempt <= len(models.Marketplaces); attempt++ {
			err := sess.Savepoint(ctx, func(ctx context.Context) error {
				t, err := q.tasks.ClaimNext(ctx, postgres.ClaimOptions{
					ExecutorID: executorID,
					Now:        now,
					Blocked:    blocked,
					Mutating:   mutating,
				})
				if err != nil || t == nil {
					return err
				}

				if IsMutating(t.Action) {
					res, err := q.limiter.Reserve(ctx, sess, t.Marketplace, 1, now)
					if err != nil {
						return err
					}
					if !res.Allowed {
						blocked = append(blocked, t.Marketplace)
						return errClaimDenied
					}
				}

				claimed = t
				return nil
			})
			if errors.Is(err, errClaimDenied) {
				continue
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	if claimed != nil {
		metrics.TasksClaimed.WithLabelValues(string(claimed.Marketplace), string(claimed.Action)).Inc()
		q.logger.InfoWithContext(ctx, "Задача выдана исполнителю",
			interfaces.LogField{Key: "tenant_id", Value: claimed.TenantID},
			interfaces.LogField{Key: "task_id", Value: claimed.ID},
			interfaces.LogField{Key: "executor_id", Value: executorID},
			interfaces.LogField{Key: "action", Value: claimed.Action},
		)
	}

	return claimed, nil
}

// Complete фиксирует успешный результат задачи, выданной executorID
func (q *TaskQueue) Complete(ctx context.Context, sess *ScopedSession, taskID, executorID string, result []byte, now time.Time) (*models.Task, error) {
	var task *models.Task
	err := sess.Do(ctx, func(ctx context.Context) error {
		var err error
		task, err = q.tasks.CompleteTask(ctx, taskID, executorID, result, now)
		return err
	})
	if err != nil {
		return nil, q.transitionError(ctx, sess, taskID, executorID, "complete", err)
	}

	metrics.TasksFinished.WithLabelValues(string(task.Marketplace), string(task.Action), string(task.State)).Inc()
	return task, nil
}

// Fail фиксирует ошибку выполнения задачи, выданной executorID
func (q *TaskQueue) Fail(ctx context.Context, sess *ScopedSession, taskID, executorID string, taskErr models.TaskError, now time.Time) (*models.Task, error) {
	if taskErr.Kind == "" {
		taskErr.Kind = models.ErrorKindExecutor
	}

	var task *models.Task
	err := sess.Do(ctx, func(ctx context.Context) error {
		var err error
		task, err = q.tasks.FailTask(ctx, taskID, executorID, taskErr, now)
		return err
	})
	if err != nil {
		return nil, q.transitionError(ctx, sess, taskID, executorID, "fail", err)
	}

	metrics.TasksFinished.WithLabelValues(string(task.Marketplace), string(task.Action), string(task.State)).Inc()
	return task, nil
}

func (q *TaskQueue) transitionError(ctx context.Context, sess *ScopedSession, taskID, executorID, op string, err error) error {
	if errors.Is(err, svcutils.ErrInvalidTransition) {
		q.logger.WarnWithContext(ctx, "Отклонен недопустимый переход задачи",
			interfaces.LogField{Key: "tenant_id", Value: sess.TenantID()},
			interfaces.LogField{Key: "task_id", Value: taskID},
			interfaces.LogField{Key: "executor_id", Value: executorID},
			interfaces.LogField{Key: "operation", Value: op},
		)
		return err
	}
	return fmt.Errorf("failed to %s task: %w", op, err)
}

// Get возвращает задачу арендатора или utils.ErrTaskNotFound
func (q *TaskQueue) Get(ctx context.Context, sess *ScopedSession, taskID string) (*models.Task, error) {
	var task *models.Task
	err := sess.Do(ctx, func(ctx context.Context) error {
		var err error
		task, err = q.tasks.GetTask(ctx, taskID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if task == nil {
		return nil, svcutils.ErrTaskNotFound
	}
	return task, nil
}

// List возвращает задачи арендатора
func (q *TaskQueue) List(ctx context.Context, sess *ScopedSession, filter models.TaskFilter, pagination *utils.Pagination) ([]*models.Task, error) {
	var (
		tasks []*models.Task
		total int64
	)
	err := sess.Do(ctx, func(ctx context.Context) error {
		var err error
		tasks, total, err = q.tasks.ListTasks(ctx, filter, pagination)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	pagination.SetTotal(total)
	return tasks, nil
}

// Sweep переводит просроченные pending в expired, а просроченные claimed в failed
func (q *TaskQueue) Sweep(ctx context.Context, sess *ScopedSession, now time.Time) (models.SweepResult, error) {
	var res models.SweepResult
	err := sess.Do(ctx, func(ctx context.Context) error {
		var err error
		if res.Expired, err = q.tasks.ExpirePending(ctx, now); err != nil {
			return err
		}
		res.Failed, err = q.tasks.FailOverdue(ctx, now)
		return err
	})
	if err != nil {
		return models.SweepResult{}, fmt.Errorf("failed to sweep tasks: %w", err)
	}

	metrics.TasksSwept.WithLabelValues("expired").Add(float64(res.Expired))
	metrics.TasksSwept.WithLabelValues("failed").Add(float64(res.Failed))

	if res.Expired > 0 || res.Failed > 0 {
		q.logger.Info("Просроченные задачи закрыты",
			interfaces.LogField{Key: "tenant_id", Value: sess.TenantID()},
			interfaces.LogField{Key: "expired", Value: res.Expired},
			interfaces.LogField{Key: "failed", Value: res.Failed},
		)
	}

	return res, nil
}

// MarkDelivered отмечает передачу результата. Возвращает false, если результат
// уже передан другим путем.
func (q *TaskQueue) MarkDelivered(ctx context.Context, sess *ScopedSession, taskID string, now time.Time) (bool, error) {
	var ok bool
	err := sess.Do(ctx, func(ctx context.Context) error {
		var err error
		ok, err = q.tasks.MarkDelivered(ctx, taskID, now)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark task delivered: %w", err)
	}
	return ok, nil
}

// Undelivered завершенные задачи, результат которых не передан до before
func (q *TaskQueue) Undelivered(ctx context.Context, sess *ScopedSession, before time.Time, limit int) ([]*models.Task, error) {
	var tasks []*models.Task
	err := sess.Do(ctx, func(ctx context.Context) error {
		var err error
		tasks, err = q.tasks.ListUndelivered(ctx, before, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list undelivered tasks: %w", err)
	}
	return tasks, nil
}

// Purge удаляет завершенные задачи старше before
func (q *TaskQueue) Purge(ctx context.Context, sess *ScopedSession, before time.Time) (int64, error) {
	var n int64
	err := sess.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = q.tasks.PurgeTerminal(ctx, before)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge tasks: %w", err)
	}
	return n, nil
}
