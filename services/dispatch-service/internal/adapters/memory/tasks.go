package memory

import (
	"context"
	"sort"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/utils"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/infrastructure/postgres"
	svcutils "github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneTask(t *models.Task) *models.Task {
	c := *t
	c.Params = append([]byte(nil), t.Params...)
	c.Result = append([]byte(nil), t.Result...)
	if len(t.Result) == 0 {
		c.Result = nil
	}
	c.ClaimedAt = cloneTime(t.ClaimedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.DeliveredAt = cloneTime(t.DeliveredAt)
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}

func contains[T comparable](values []T, v T) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

type taskRepo struct {
	s *Store
}

func (r *taskRepo) CreateTask(ctx context.Context, task *models.Task) error {
	data, scope, err := r.s.scoped(ctx)
	if err != nil {
		return err
	}
	if task.TenantID != scope.TenantID {
		return svcutils.ErrTenantMismatch
	}

	for _, t := range data.tasks {
		if t.DedupKey == task.DedupKey && (t.State == models.TaskPending || t.State == models.TaskClaimed) {
			return svcutils.ErrDuplicateTask
		}
	}

	c := cloneTask(task)
	if len(c.Params) == 0 {
		c.Params = []byte("{}")
	}
	data.tasks[task.ID] = c
	return nil
}

func (r *taskRepo) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	data, scope, err := r.s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	t, ok := data.tasks[taskID]
	if !ok || t.TenantID != scope.TenantID {
		return nil, nil
	}
	return cloneTask(t), nil
}

func (r *taskRepo) ClaimNext(ctx context.Context, opts postgres.ClaimOptions) (*models.Task, error) {
	data, scope, err := r.s.scoped(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []*models.Task
	for _, t := range data.tasks {
		if t.TenantID != scope.TenantID || t.State != models.TaskPending || !t.DeadlineAt.After(opts.Now) {
			continue
		}
		if contains(opts.Blocked, t.Marketplace) && contains(opts.Mutating, t.Action) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	t := candidates[0]
	now := opts.Now
	t.State = models.TaskClaimed
	t.ClaimedAt = &now
	t.ClaimedBy = opts.ExecutorID
	t.DeadlineAt = now.Add(t.Timeout())

	return cloneTask(t), nil
}

func (r *taskRepo) claimedBy(ctx context.Context, taskID, executorID string, now time.Time) (*models.Task, error) {
	data, scope, err := r.s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	t, ok := data.tasks[taskID]
	if !ok || t.TenantID != scope.TenantID || t.State != models.TaskClaimed ||
		t.ClaimedBy != executorID || !t.DeadlineAt.After(now) {
		return nil, svcutils.ErrInvalidTransition
	}
	return t, nil
}

func (r *taskRepo) CompleteTask(ctx context.Context, taskID, executorID string, result []byte, now time.Time) (*models.Task, error) {
	t, err := r.claimedBy(ctx, taskID, executorID, now)
	if err != nil {
		return nil, err
	}
	t.State = models.TaskCompleted
	t.Result = append([]byte(nil), result...)
	t.CompletedAt = &now
	return cloneTask(t), nil
}

func (r *taskRepo) FailTask(ctx context.Context, taskID, executorID string, taskErr models.TaskError, now time.Time) (*models.Task, error) {
	t, err := r.claimedBy(ctx, taskID, executorID, now)
	if err != nil {
		return nil, err
	}
	t.State = models.TaskFailed
	t.Error = &taskErr
	t.CompletedAt = &now
	return cloneTask(t), nil
}

func (r *taskRepo) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	data, scope, err := r.s.scoped(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, t := range data.tasks {
		if t.TenantID == scope.TenantID && t.State == models.TaskPending && !t.DeadlineAt.After(now) {
			t.State = models.TaskExpired
			t.CompletedAt = cloneTime(&now)
			n++
		}
	}
	return n, nil
}

func (r *taskRepo) FailOverdue(ctx context.Context, now time.Time) (int64, error) {
	data, scope, err := r.s.scoped(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, t := range data.tasks {
		if t.TenantID == scope.TenantID && t.State == models.TaskClaimed && !t.DeadlineAt.After(now) {
			t.State = models.TaskFailed
			t.Error = &models.TaskError{
				Kind:    models.ErrorKindExecutorTimeout,
				Message: "executor did not report a result before the deadline",
			}
			t.CompletedAt = cloneTime(&now)
			n++
		}
	}
	return n, nil
}

func (r *taskRepo) MarkDelivered(ctx context.Context, taskID string, now time.Time) (bool, error) {
	data, scope, err := r.s.scoped(ctx)
	if err != nil {
		return false, err
	}
	t, ok := data.tasks[taskID]
	if !ok || t.TenantID != scope.TenantID || !t.State.Terminal() || t.DeliveredAt != nil {
		return false, nil
	}
	t.DeliveredAt = &now
	return true, nil
}

func (r *taskRepo) ListUndelivered(ctx context.Context, before time.Time, limit int) ([]*models.Task, error) {
	data, scope, err := r.s.scoped(ctx)
	if err != nil {
		return nil, err
	}

	var out []*models.Task
	for _, t := range data.tasks {
		if t.TenantID == scope.TenantID && t.State == models.TaskCompleted &&
			t.DeliveredAt == nil && t.CompletedAt != nil && t.CompletedAt.Before(before) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CompletedAt.Equal(*out[j].CompletedAt) {
			return out[i].CompletedAt.Before(*out[j].CompletedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *taskRepo) CountPending(ctx context.Context, marketplace models.Marketplace, actions []models.Action) (int, error) {
	data, scope, err := r.s.scoped(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, t := range data.tasks {
		if t.TenantID == scope.TenantID && t.State == models.TaskPending &&
			t.Marketplace == marketplace && contains(actions, t.Action) {
			count++
		}
	}
	return count, nil
}

func (r *taskRepo) ListTasks(ctx context.Context, filter models.TaskFilter, pagination *utils.Pagination) ([]*models.Task, int64, error) {
	data, scope, err := r.s.scoped(ctx)
	if err != nil {
		return nil, 0, err
	}

	var matched []*models.Task
	for _, t := range data.tasks {
		if t.TenantID != scope.TenantID {
			continue
		}
		if filter.State != "" && t.State != filter.State {
			continue
		}
		if filter.Action != "" && t.Action != filter.Action {
			continue
		}
		if filter.Marketplace != "" && t.Marketplace != filter.Marketplace {
			continue
		}
		matched = append(matched, t)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	return pageOf(matched, pagination, cloneTask), int64(len(matched)), nil
}

func (r *taskRepo) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	data, scope, err := r.s.scoped(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	for id, t := range data.tasks {
		if t.TenantID != scope.TenantID || !t.State.Terminal() || t.CompletedAt == nil || !t.CompletedAt.Before(before) {
			continue
		}
		if t.State == models.TaskCompleted && t.DeliveredAt == nil {
			continue
		}
		delete(data.tasks, id)
		n++
	}
	return n, nil
}

func pageOf[T any](all []*T, p *utils.Pagination, clone func(*T) *T) []*T {
	offset := p.GetOffset()
	if offset >= len(all) {
		return []*T{}
	}
	end := offset + p.GetLimit()
	if end > len(all) {
		end = len(all)
	}
	out := make([]*T, 0, end-offset)
	for _, v := range all[offset:end] {
		out = append(out, clone(v))
	}
	return out
}
