package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/utils"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	svcutils "github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueRejectsDuplicateInFlight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	first := env.enqueue(t, sess, models.ActionDeleteListing, models.MarketplaceVinted, `{"external_id":"v-1"}`)

	dup := &models.Task{
		ID:             uuid.New().String(),
		Action:         models.ActionDeleteListing,
		Marketplace:    models.MarketplaceVinted,
		Params:         []byte(`{ "external_id" : "v-1" }`),
		TimeoutSeconds: 60,
	}
	err := env.queue.Enqueue(ctx, sess, dup, env.clock.Now())
	assert.ErrorIs(t, err, svcutils.ErrDuplicateTask)

	// после завершения первой задачи такую же можно поставить снова
	claimed, err := env.queue.ClaimNext(ctx, sess, "ext-1", env.clock.Now())
	require.NoError(t, err)
	require.Equal(t, first.ID, claimed.ID)
	_, err = env.queue.Complete(ctx, sess, first.ID, "ext-1", []byte(`null`), env.clock.Now())
	require.NoError(t, err)

	dup.ID = uuid.New().String()
	assert.NoError(t, env.queue.Enqueue(ctx, sess, dup, env.clock.Now()))
}

func TestEnqueueValidatesTask(t *testing.T) {
	env := newTestEnv(t)
	sess := env.tenant(t)

	err := env.queue.Enqueue(context.Background(), sess, &models.Task{
		ID: uuid.New().String(), Action: models.ActionFetchStats, Marketplace: "craigslist", TimeoutSeconds: 60,
	}, env.clock.Now())
	assert.ErrorIs(t, err, svcutils.ErrInvalidMarketplace)

	err = env.queue.Enqueue(context.Background(), sess, &models.Task{
		ID: uuid.New().String(), Action: "repost", Marketplace: models.MarketplaceEbay, TimeoutSeconds: 60,
	}, env.clock.Now())
	assert.ErrorIs(t, err, svcutils.ErrInvalidAction)
}

func TestClaimNextOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	low := env.enqueue(t, sess, models.ActionFetchListings, models.MarketplaceEbay, `{}`)
	env.clock.Advance(time.Second)
	high := env.enqueue(t, sess, models.ActionUpdatePrice, models.MarketplaceEbay, `{"external_id":"e-1","price":"10"}`)

	first, err := env.queue.ClaimNext(ctx, sess, "ext-1", env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, high.ID, first.ID)
	assert.Equal(t, models.TaskClaimed, first.State)
	assert.Equal(t, "ext-1", first.ClaimedBy)

	second, err := env.queue.ClaimNext(ctx, sess, "ext-1", env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, low.ID, second.ID)

	none, err := env.queue.ClaimNext(ctx, sess, "ext-1", env.clock.Now())
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClaimNextIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	const tasks = 30
	for i := 0; i < tasks; i++ {
		env.enqueue(t, sess, models.ActionUploadPhoto, models.MarketplaceEtsy, fmt.Sprintf(`{"photo_key":"photos/%d.jpg"}`, i))
	}

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		executor := fmt.Sprintf("ext-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := env.queue.ClaimNext(ctx, sess, executor, env.clock.Now())
				if !assert.NoError(t, err) || task == nil {
					return
				}
				mu.Lock()
				_, dup := claimed[task.ID]
				assert.False(t, dup, "task %s claimed twice", task.ID)
				claimed[task.ID] = executor
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, tasks)
}

func TestClaimNextSkipsMarketplaceWithoutQuota(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)
	now := env.clock.Now()

	require.NoError(t, env.limiter.SetQuota(ctx, sess, models.MarketplaceVinted, models.Quota{MaxActions: 1, Window: 30 * time.Second}))
	_, err := env.limiter.Reserve(ctx, sess, models.MarketplaceVinted, 1, now)
	require.NoError(t, err)

	blocked := env.enqueue(t, sess, models.ActionUpdatePrice, models.MarketplaceVinted, `{"external_id":"v-1","price":"12"}`)
	read := env.enqueue(t, sess, models.ActionFetchStats, models.MarketplaceVinted, `{}`)

	task, err := env.queue.ClaimNext(ctx, sess, "ext-1", now)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, read.ID, task.ID)

	// отказ лимитера не меняет состояние задачи
	got, err := env.queue.Get(ctx, sess, blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.State)

	none, err := env.queue.ClaimNext(ctx, sess, "ext-1", now)
	require.NoError(t, err)
	assert.Nil(t, none)

	task, err = env.queue.ClaimNext(ctx, sess, "ext-1", now.Add(31*time.Second))
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, blocked.ID, task.ID)
}

func TestTransitionsOnlyFromClaimed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)
	now := env.clock.Now()

	task := env.enqueue(t, sess, models.ActionFetchStats, models.MarketplaceDepop, `{}`)

	_, err := env.queue.Complete(ctx, sess, task.ID, "ext-1", []byte(`{}`), now)
	assert.ErrorIs(t, err, svcutils.ErrInvalidTransition, "pending task")

	_, err = env.queue.ClaimNext(ctx, sess, "ext-1", now)
	require.NoError(t, err)

	_, err = env.queue.Complete(ctx, sess, task.ID, "ext-2", []byte(`{}`), now)
	assert.ErrorIs(t, err, svcutils.ErrInvalidTransition, "other executor")

	failed, err := env.queue.Fail(ctx, sess, task.ID, "ext-1", models.TaskError{Message: "session expired"}, now)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, failed.State)
	assert.Equal(t, models.ErrorKindExecutor, failed.Error.Kind)

	_, err = env.queue.Complete(ctx, sess, task.ID, "ext-1", []byte(`{}`), now)
	assert.ErrorIs(t, err, svcutils.ErrInvalidTransition, "terminal task")

	_, err = env.queue.Fail(ctx, sess, uuid.New().String(), "ext-1", models.TaskError{}, now)
	assert.ErrorIs(t, err, svcutils.ErrInvalidTransition, "unknown task")
}

func TestSweepTimeouts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	pending := env.enqueue(t, sess, models.ActionFetchStats, models.MarketplaceEbay, `{}`)
	claimedTask := env.enqueue(t, sess, models.ActionDeleteListing, models.MarketplaceEbay, `{"external_id":"e-9"}`)

	got, err := env.queue.ClaimNext(ctx, sess, "ext-1", env.clock.Now())
	require.NoError(t, err)
	require.Equal(t, claimedTask.ID, got.ID)

	res, err := env.queue.Sweep(ctx, sess, env.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, res.Expired)
	assert.Zero(t, res.Failed)

	env.clock.Advance(2 * time.Minute)
	res, err = env.queue.Sweep(ctx, sess, env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Expired)
	assert.Equal(t, int64(1), res.Failed)

	p, err := env.queue.Get(ctx, sess, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskExpired, p.State)

	c, err := env.queue.Get(ctx, sess, claimedTask.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, c.State)
	require.NotNil(t, c.Error)
	assert.Equal(t, models.ErrorKindExecutorTimeout, c.Error.Kind)

	// поздний результат отклоняется
	_, err = env.queue.Complete(ctx, sess, claimedTask.ID, "ext-1", []byte(`{}`), env.clock.Now())
	assert.ErrorIs(t, err, svcutils.ErrInvalidTransition)
}

func TestCompleteAfterDeadlineRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	task := env.enqueue(t, sess, models.ActionFetchStats, models.MarketplaceEbay, `{}`)
	_, err := env.queue.ClaimNext(ctx, sess, "ext-1", env.clock.Now())
	require.NoError(t, err)

	_, err = env.queue.Complete(ctx, sess, task.ID, "ext-1", []byte(`{}`), env.clock.Now().Add(task.Timeout()))
	assert.ErrorIs(t, err, svcutils.ErrInvalidTransition)
}

func TestListTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	env.enqueue(t, sess, models.ActionFetchStats, models.MarketplaceEbay, `{}`)
	env.enqueue(t, sess, models.ActionFetchStats, models.MarketplaceEtsy, `{}`)
	env.enqueue(t, sess, models.ActionFetchListings, models.MarketplaceEtsy, `{}`)

	p := utils.NewPagination(1, 2, "", false)
	tasks, err := env.queue.List(ctx, sess, models.TaskFilter{Marketplace: models.MarketplaceEtsy}, p)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	assert.Equal(t, int64(2), p.TotalItems)

	p = utils.NewPagination(1, 2, "", false)
	tasks, err = env.queue.List(ctx, sess, models.TaskFilter{}, p)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	assert.True(t, p.HasNext)
}
