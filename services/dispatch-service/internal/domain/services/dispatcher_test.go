package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	pkgutils "github.com/athebyme/crosslist-platform/pkg/utils"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runExecutor имитирует расширение браузера: опрашивает очередь
// и отвечает на каждую задачу через respond
func runExecutor(t *testing.T, env *testEnv, tenantID, executorID string, respond func(task *models.Task) models.ResultSubmission) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			task, err := env.dispatcher.Poll(ctx, tenantID, executorID)
			if err != nil {
				t.Errorf("poll: %v", err)
				return
			}
			if task == nil {
				time.Sleep(2 * time.Millisecond)
				continue
			}
			if _, err := env.dispatcher.SubmitResult(ctx, tenantID, executorID, task.ID, respond(task)); err != nil {
				t.Errorf("submit: %v", err)
				return
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

func completed(t *testing.T, result interface{}) models.ResultSubmission {
	t.Helper()
	data, err := json.Marshal(result)
	require.NoError(t, err)
	return models.ResultSubmission{Status: models.TaskCompleted, Result: data}
}

func TestDispatchAndWaitReconcilesFetchedListings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	snapshots := []models.ListingSnapshot{
		snapshotOf(t, true,
			listing("A", "Denim jacket", "25"),
			listing("B", "Wool scarf", "12"),
			listing("C", "Leather boots", "60"),
		),
		snapshotOf(t, true,
			listing("B", "Wool scarf", "12"),
			listing("C", "Leather boots", "55"),
			listing("D", "Silk tie", "15"),
		),
	}
	var mu sync.Mutex
	next := 0

	stop := runExecutor(t, env, sess.TenantID(), "ext-1", func(task *models.Task) models.ResultSubmission {
		mu.Lock()
		defer mu.Unlock()
		s := snapshots[next]
		next++
		return completed(t, s)
	})
	defer stop()

	req := DispatchRequest{Action: models.ActionFetchListings, Marketplace: models.MarketplaceVinted}

	first, err := env.dispatcher.DispatchAndWait(ctx, sess.TenantID(), req, time.Second)
	require.NoError(t, err)
	require.True(t, first.Delivered)
	assert.Equal(t, 3, first.Output.(*models.ReconcileReport).Created)

	second, err := env.dispatcher.DispatchAndWait(ctx, sess.TenantID(), req, time.Second)
	require.NoError(t, err)
	require.True(t, second.Delivered)

	report := second.Output.(*models.ReconcileReport)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, 1, report.Deleted)
	assert.Empty(t, report.Errors)

	items := itemsByExternalID(t, env, sess)
	assert.Equal(t, models.ItemRemoved, items["A"].Status)
	assert.Equal(t, models.ItemActive, items["B"].Status)
	assert.True(t, items["C"].Price.Equal(listing("C", "", "55").Price))
	assert.Equal(t, models.ItemActive, items["D"].Status)

	task, err := env.queue.Get(ctx, sess, second.Task.ID)
	require.NoError(t, err)
	assert.NotNil(t, task.DeliveredAt)
}

func TestDispatchAndWaitExecutorUnavailable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	out, err := env.dispatcher.DispatchAndWait(ctx, sess.TenantID(), DispatchRequest{
		Action:      models.ActionFetchListings,
		Marketplace: models.MarketplaceDepop,
	}, 50*time.Millisecond)
	require.ErrorIs(t, err, utils.ErrExecutorUnavailable)
	require.NotNil(t, out)

	// задача остается в очереди, результат подберет sweeper
	task, err := env.dispatcher.Poll(ctx, sess.TenantID(), "ext-late")
	require.NoError(t, err)
	require.Equal(t, out.Task.ID, task.ID)

	_, err = env.dispatcher.SubmitResult(ctx, sess.TenantID(), "ext-late", task.ID,
		completed(t, snapshotOf(t, true, listing("X", "Vintage lamp", "40"))))
	require.NoError(t, err)
	assert.Empty(t, itemsOn(t, env, sess, models.MarketplaceDepop), "awaited result is not delivered by the event path")

	env.clock.Advance(2 * time.Minute)
	require.NoError(t, env.sweeper.SweepOnce(ctx))

	items := itemsOn(t, env, sess, models.MarketplaceDepop)
	require.Contains(t, items, "X")
	assert.Equal(t, models.ItemActive, items["X"].Status)

	got, err := env.queue.Get(ctx, sess, task.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeliveredAt)
}

func TestDispatchAndWaitOverlappingSnapshots(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	snapshots := []models.ListingSnapshot{
		snapshotOf(t, true,
			listing("A", "Denim jacket", "25"),
			listing("B", "Wool scarf", "12"),
			listing("C", "Leather boots", "60"),
		),
		snapshotOf(t, true,
			listing("A", "Denim jacket", "25"),
			listing("B", "Wool scarf", "10"),
			listing("C", "Leather boots", "55"),
			listing("D", "Silk tie", "15"),
		),
	}
	var mu sync.Mutex
	next := 0

	stop := runExecutor(t, env, sess.TenantID(), "ext-1", func(task *models.Task) models.ResultSubmission {
		mu.Lock()
		defer mu.Unlock()
		s := snapshots[next]
		next++
		return completed(t, s)
	})
	defer stop()

	req := DispatchRequest{Action: models.ActionFetchListings, Marketplace: models.MarketplaceVinted}

	_, err := env.dispatcher.DispatchAndWait(ctx, sess.TenantID(), req, time.Second)
	require.NoError(t, err)

	out, err := env.dispatcher.DispatchAndWait(ctx, sess.TenantID(), req, time.Second)
	require.NoError(t, err)
	require.True(t, out.Delivered)

	report := out.Output.(*models.ReconcileReport)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 2, report.Updated)
	assert.Zero(t, report.Deleted)
	assert.Empty(t, report.Errors)

	for id, item := range itemsByExternalID(t, env, sess) {
		assert.Equal(t, models.ItemActive, item.Status, id)
	}
}

func TestWaiterGetsResultDeliveredBySweeper(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	task, err := env.dispatcher.Dispatch(ctx, sess.TenantID(), DispatchRequest{
		Action:      models.ActionFetchListings,
		Marketplace: models.MarketplaceVinted,
		Awaited:     true,
	})
	require.NoError(t, err)

	_, err = env.dispatcher.Poll(ctx, sess.TenantID(), "ext-1")
	require.NoError(t, err)
	_, err = env.dispatcher.SubmitResult(ctx, sess.TenantID(), "ext-1", task.ID,
		completed(t, snapshotOf(t, true, listing("A", "Denim jacket", "25"))))
	require.NoError(t, err)

	// sweeper успел раньше ожидающего вызова
	delivered, err := env.dispatcher.Deliver(ctx, sess.TenantID(), task.ID)
	require.NoError(t, err)
	require.True(t, delivered.Delivered)

	out, err := env.dispatcher.collect(ctx, sess, task.ID)
	require.NoError(t, err)
	assert.False(t, out.Delivered)
	report, ok := out.Output.(*models.ReconcileReport)
	require.True(t, ok)
	assert.Equal(t, 1, report.Created)

	stats, err := env.dispatcher.Dispatch(ctx, sess.TenantID(), DispatchRequest{
		Action:      models.ActionFetchStats,
		Marketplace: models.MarketplaceVinted,
		Awaited:     true,
	})
	require.NoError(t, err)
	_, err = env.dispatcher.Poll(ctx, sess.TenantID(), "ext-1")
	require.NoError(t, err)
	_, err = env.dispatcher.SubmitResult(ctx, sess.TenantID(), "ext-1", stats.ID,
		completed(t, models.StatsSnapshot{Account: "shop-1", Items: []models.RemoteStats{}}))
	require.NoError(t, err)
	_, err = env.dispatcher.Deliver(ctx, sess.TenantID(), stats.ID)
	require.NoError(t, err)

	out, err = env.dispatcher.collect(ctx, sess, stats.ID)
	require.NoError(t, err)
	raw, ok := out.Output.(json.RawMessage)
	require.True(t, ok)
	assert.Contains(t, string(raw), "shop-1")
}

func TestDispatchAndWaitTaskFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	stop := runExecutor(t, env, sess.TenantID(), "ext-1", func(task *models.Task) models.ResultSubmission {
		return models.ResultSubmission{
			Status: models.TaskFailed,
			Error:  &models.TaskError{Kind: "session_expired", Message: "login required"},
		}
	})
	defer stop()

	_, err := env.dispatcher.DispatchAndWait(ctx, sess.TenantID(), DispatchRequest{
		Action:      models.ActionDeleteListing,
		Marketplace: models.MarketplaceEtsy,
		Params:      []byte(`{"external_id":"et-1"}`),
	}, time.Second)
	require.ErrorIs(t, err, utils.ErrTaskFailed)

	var failed *utils.TaskFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "session_expired", failed.Kind)
}

func TestResultDeliveredThroughEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	task, err := env.dispatcher.Dispatch(ctx, sess.TenantID(), DispatchRequest{
		Action:      models.ActionCreateListing,
		Marketplace: models.MarketplaceVinted,
		Params:      []byte(`{"title":"Denim jacket","price":"25.00","currency":"EUR"}`),
	})
	require.NoError(t, err)
	assert.Len(t, env.bus.Sent(models.TopicTaskEvents), 1)

	claimed, err := env.dispatcher.Poll(ctx, sess.TenantID(), "ext-1")
	require.NoError(t, err)
	require.Equal(t, task.ID, claimed.ID)

	_, err = env.dispatcher.SubmitResult(ctx, sess.TenantID(), "ext-1", task.ID, completed(t, listing("v-100", "Denim jacket", "25.00")))
	require.NoError(t, err)

	items := itemsByExternalID(t, env, sess)
	require.Contains(t, items, "v-100")

	got, err := env.queue.Get(ctx, sess, task.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeliveredAt)

	// повторная передача ничего не меняет
	out, err := env.dispatcher.Deliver(ctx, sess.TenantID(), task.ID)
	require.NoError(t, err)
	assert.False(t, out.Delivered)

	usage, err := env.limiter.Usage(ctx, sess, models.MarketplaceVinted, env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Used)
}

func TestSweeperDeliversWithoutBroker(t *testing.T) {
	env := newTestEnv(t, withoutEvents())
	ctx := context.Background()
	sess := env.tenant(t)

	task, err := env.dispatcher.Dispatch(ctx, sess.TenantID(), DispatchRequest{
		Action:      models.ActionFetchListings,
		Marketplace: models.MarketplaceEbay,
	})
	require.NoError(t, err)

	_, err = env.dispatcher.Poll(ctx, sess.TenantID(), "ext-1")
	require.NoError(t, err)
	_, err = env.dispatcher.SubmitResult(ctx, sess.TenantID(), "ext-1", task.ID,
		completed(t, snapshotOf(t, true, listing("e-1", "Camera", "300"))))
	require.NoError(t, err)

	require.NoError(t, env.sweeper.SweepOnce(ctx))
	assert.Empty(t, itemsByExternalID(t, env, sess), "grace period not over")

	env.clock.Advance(2 * time.Minute)
	res, err := env.sweeper.sweepTenant(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Redelivered)

	items, err := env.reconciler.ListItems(ctx, sess, models.InventoryFilter{Marketplace: models.MarketplaceEbay}, pkgutils.NewPagination(1, 10, "", false))
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestMalformedResultIsReported(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	stop := runExecutor(t, env, sess.TenantID(), "ext-1", func(task *models.Task) models.ResultSubmission {
		return models.ResultSubmission{Status: models.TaskCompleted, Result: []byte(`{"listings":"oops"}`)}
	})
	defer stop()

	out, err := env.dispatcher.DispatchAndWait(ctx, sess.TenantID(), DispatchRequest{
		Action:      models.ActionFetchListings,
		Marketplace: models.MarketplaceVinted,
	}, time.Second)
	require.NoError(t, err)
	require.True(t, out.Delivered)

	report := out.Output.(*models.ReconcileReport)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "result", report.Errors[0].ItemKey)
}

func TestPollPreparesPhotoURL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	_, err := env.dispatcher.Dispatch(ctx, sess.TenantID(), DispatchRequest{
		Action:      models.ActionUploadPhoto,
		Marketplace: models.MarketplaceEtsy,
		Params:      []byte(`{"photo_key":"tenants/1/photo.jpg","content_type":"image/jpeg"}`),
	})
	require.NoError(t, err)

	task, err := env.dispatcher.Poll(ctx, sess.TenantID(), "ext-1")
	require.NoError(t, err)
	require.NotNil(t, task)

	var params models.UploadPhotoParams
	require.NoError(t, json.Unmarshal(task.Params, &params))
	assert.Contains(t, params.PhotoURL, "https://photos.example.com/tenants/1/photo.jpg")

	status, err := env.dispatcher.ExecutorStatus(ctx, sess.TenantID())
	require.NoError(t, err)
	assert.True(t, status.Online)
	assert.Equal(t, "ext-1", status.ExecutorID)
}

func TestDispatchValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	_, err := env.dispatcher.Dispatch(ctx, sess.TenantID(), DispatchRequest{
		Action: models.ActionFetchStats, Marketplace: "craigslist",
	})
	assert.ErrorIs(t, err, utils.ErrInvalidMarketplace)

	_, err = env.dispatcher.Dispatch(ctx, sess.TenantID(), DispatchRequest{
		Action: "repost", Marketplace: models.MarketplaceEbay,
	})
	assert.ErrorIs(t, err, utils.ErrInvalidAction)

	_, err = env.dispatcher.Dispatch(ctx, sess.TenantID(), DispatchRequest{
		Action: models.ActionUpdatePrice, Marketplace: models.MarketplaceEbay,
		Params: []byte(`{"external_id":"e-1","price":"0"}`),
	})
	assert.ErrorIs(t, err, utils.ErrInvalidParams)

	_, err = env.dispatcher.Dispatch(ctx, sess.TenantID(), DispatchRequest{
		Action: models.ActionDeleteListing, Marketplace: models.MarketplaceEbay,
		Params: []byte(`{"external_id":"e-1","force":true}`),
	})
	assert.ErrorIs(t, err, utils.ErrInvalidParams)

	req := DispatchRequest{
		Action: models.ActionDeleteListing, Marketplace: models.MarketplaceEbay,
		Params: []byte(`{"external_id":"e-1"}`),
	}
	_, err = env.dispatcher.Dispatch(ctx, sess.TenantID(), req)
	require.NoError(t, err)
	_, err = env.dispatcher.Dispatch(ctx, sess.TenantID(), req)
	assert.ErrorIs(t, err, utils.ErrDuplicateTask)

	_, err = env.dispatcher.Dispatch(ctx, "5d3c4b8e-0000-4000-8000-000000000000", req)
	assert.ErrorIs(t, err, utils.ErrTenantNotFound)
}

func TestSubmitResultIsTenantScoped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.tenant(t)
	b := env.tenant(t)

	task, err := env.dispatcher.Dispatch(ctx, a.TenantID(), DispatchRequest{
		Action: models.ActionFetchStats, Marketplace: models.MarketplaceEbay,
	})
	require.NoError(t, err)
	_, err = env.dispatcher.Poll(ctx, a.TenantID(), "ext-a")
	require.NoError(t, err)

	// исполнитель другого арендатора подменяет идентификатор задачи
	_, err = env.dispatcher.SubmitResult(ctx, b.TenantID(), "ext-a", task.ID, completed(t, models.StatsSnapshot{}))
	assert.ErrorIs(t, err, utils.ErrInvalidTransition)

	_, err = env.dispatcher.SubmitResult(ctx, a.TenantID(), "ext-a", task.ID, models.ResultSubmission{Status: models.TaskFailed})
	assert.ErrorIs(t, err, utils.ErrInvalidParams)

	_, err = env.dispatcher.SubmitResult(ctx, a.TenantID(), "ext-a", task.ID, models.ResultSubmission{Status: models.TaskPending})
	assert.ErrorIs(t, err, utils.ErrInvalidParams)

	done, err := env.dispatcher.SubmitResult(ctx, a.TenantID(), "ext-a", task.ID, completed(t, models.StatsSnapshot{}))
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, done.State)
}

func TestHandleEventRejectsForeignTenant(t *testing.T) {
	env := newTestEnv(t)
	a := env.tenant(t)
	b := env.tenant(t)

	data, err := json.Marshal(models.TaskEvent{Type: models.TaskCompletedEvent, TaskID: "x", TenantID: a.TenantID()})
	require.NoError(t, err)

	err = env.dispatcher.HandleEvent(context.Background(), &interfaces.Message{Value: data, TenantID: b.TenantID()})
	assert.ErrorIs(t, err, utils.ErrTenantMismatch)
}

func TestCheckConnection(t *testing.T) {
	env := newTestEnv(t)
	sess := env.tenant(t)

	stop := runExecutor(t, env, sess.TenantID(), "ext-1", func(task *models.Task) models.ResultSubmission {
		return completed(t, models.StatsSnapshot{Account: "shop-1", Items: []models.RemoteStats{}})
	})
	defer stop()

	out, err := env.dispatcher.CheckConnection(context.Background(), sess.TenantID(), models.MarketplaceDepop, time.Second)
	require.NoError(t, err)
	assert.True(t, out.Delivered)
	assert.Equal(t, models.ActionFetchStats, out.Task.Action)
}
