package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pkgmodels "github.com/athebyme/crosslist-platform/pkg/models"
	"github.com/athebyme/crosslist-platform/pkg/tx"
	pkgutils "github.com/athebyme/crosslist-platform/pkg/utils"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/adapters/logger"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/adapters/storage"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/services"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *storage.Storage {
	t.Helper()
	if testing.Short() {
		t.Skip("интеграционный тест PostgreSQL пропущен в режиме -short")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("crosslist_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrator, err := storage.NewMigrator(strings.Replace(dsn, "postgres://", "pgx5://", 1), logger.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Close())

	db, err := storage.NewPostgresStorage(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type pgEnv struct {
	db         *storage.Storage
	router     *services.TenantRouter
	limiter    *services.RateLimiter
	queue      *services.TaskQueue
	reconciler *services.Reconciler
}

func newPGEnv(t *testing.T) *pgEnv {
	db := startPostgres(t)
	log := logger.NewNopLogger()
	limiter := services.NewRateLimiter(db, services.DefaultQuotaPolicy(), log)

	return &pgEnv{
		db:         db,
		router:     services.NewTenantRouter(db.Tenants(), db.TxManager(), time.Minute, services.SystemClock, log),
		limiter:    limiter,
		queue:      services.NewTaskQueue(db, limiter, log),
		reconciler: services.NewReconciler(db, validator.New(), services.SystemClock, log),
	}
}

func (e *pgEnv) tenant(t *testing.T) *services.ScopedSession {
	t.Helper()
	ctx := context.Background()

	tenant, err := e.router.Provision(ctx, models.Tenant{ID: uuid.New().String()})
	require.NoError(t, err)
	require.True(t, tenant.Provisioned())

	sess, err := e.router.Resolve(ctx, tenant.ID)
	require.NoError(t, err)
	return sess
}

func newTask(action models.Action, marketplace models.Marketplace, params string) *models.Task {
	return &models.Task{
		ID:             uuid.New().String(),
		Action:         action,
		Marketplace:    marketplace,
		Params:         json.RawMessage(params),
		TimeoutSeconds: 60,
	}
}

func TestPostgresProvisionIsIdempotent(t *testing.T) {
	env := newPGEnv(t)
	ctx := context.Background()

	id := uuid.New().String()
	first, err := env.router.Provision(ctx, models.Tenant{ID: id})
	require.NoError(t, err)
	second, err := env.router.Provision(ctx, models.Tenant{ID: id})
	require.NoError(t, err)

	assert.Equal(t, first.SchemaName, second.SchemaName)
	assert.Equal(t, first.ProvisionedAt.Unix(), second.ProvisionedAt.Unix())
}

func TestPostgresTenantDataRequiresScope(t *testing.T) {
	env := newPGEnv(t)

	_, err := env.db.Tasks().GetTask(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, tx.ErrNoScope)
}

func TestPostgresTaskLifecycle(t *testing.T) {
	env := newPGEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)
	now := time.Now().UTC().Truncate(time.Second)

	task := newTask(models.ActionFetchStats, models.MarketplaceVinted, `{"external_ids":["v-1"]}`)
	require.NoError(t, env.queue.Enqueue(ctx, sess, task, now))

	dup := newTask(models.ActionFetchStats, models.MarketplaceVinted, `{"external_ids":["v-1"]}`)
	assert.ErrorIs(t, env.queue.Enqueue(ctx, sess, dup, now), utils.ErrDuplicateTask)

	claimed, err := env.queue.ClaimNext(ctx, sess, "ext-1", now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID)
	assert.Equal(t, models.TaskClaimed, claimed.State)

	_, err = env.queue.Complete(ctx, sess, task.ID, "ext-2", json.RawMessage(`{}`), now)
	assert.ErrorIs(t, err, utils.ErrInvalidTransition)

	done, err := env.queue.Complete(ctx, sess, task.ID, "ext-1", json.RawMessage(`{"items":[]}`), now)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, done.State)

	ok, err := env.queue.MarkDelivered(ctx, sess, task.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = env.queue.MarkDelivered(ctx, sess, task.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresSweepExpiresOverdue(t *testing.T) {
	env := newPGEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, env.queue.Enqueue(ctx, sess, newTask(models.ActionFetchListings, models.MarketplaceEtsy, `{}`), now))

	second := newTask(models.ActionFetchStats, models.MarketplaceEtsy, `{}`)
	require.NoError(t, env.queue.Enqueue(ctx, sess, second, now))

	res, err := env.queue.Sweep(ctx, sess, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Expired)

	task, err := env.queue.Get(ctx, sess, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskExpired, task.State)
}

func TestPostgresTenantsAreIsolated(t *testing.T) {
	env := newPGEnv(t)
	ctx := context.Background()
	a := env.tenant(t)
	b := env.tenant(t)
	now := time.Now().UTC().Truncate(time.Second)

	task := newTask(models.ActionFetchListings, models.MarketplaceDepop, `{}`)
	require.NoError(t, env.queue.Enqueue(ctx, a, task, now))

	_, err := env.queue.Get(ctx, b, task.ID)
	assert.ErrorIs(t, err, utils.ErrTaskNotFound)

	claimed, err := env.queue.ClaimNext(ctx, b, "ext-b", now)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestPostgresRateWindowReserve(t *testing.T) {
	env := newPGEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, env.limiter.SetQuota(ctx, sess, models.MarketplaceVinted, models.Quota{MaxActions: 2, Window: time.Hour}))

	for i := 0; i < 2; i++ {
		res, err := env.limiter.Reserve(ctx, sess, models.MarketplaceVinted, 1, now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := env.limiter.Reserve(ctx, sess, models.MarketplaceVinted, 1, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 55*time.Minute, res.RetryAfter)

	res, err = env.limiter.Reserve(ctx, sess, models.MarketplaceVinted, 1, now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestPostgresReserveIsAtomicUnderConcurrency(t *testing.T) {
	env := newPGEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)
	now := time.Now().UTC().Truncate(time.Second)

	var (
		allowed atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.limiter.Reserve(ctx, sess, models.MarketplaceVinted, 1, now)
			if assert.NoError(t, err) && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(40), allowed.Load())

	usage, err := env.limiter.Usage(ctx, sess, models.MarketplaceVinted, now)
	require.NoError(t, err)
	assert.Equal(t, 40, usage.Used)
}

// claimConcurrently опрашивает очередь из workers горутин, пока задачи не кончатся
func claimConcurrently(t *testing.T, env *pgEnv, sess *services.ScopedSession, workers int, now time.Time) map[string]string {
	t.Helper()

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		executor := fmt.Sprintf("ext-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := env.queue.ClaimNext(context.Background(), sess, executor, now)
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
	return claimed
}

func TestPostgresClaimNextIsExclusive(t *testing.T) {
	env := newPGEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)
	now := time.Now().UTC().Truncate(time.Second)

	const tasks = 25
	for i := 0; i < tasks; i++ {
		task := newTask(models.ActionFetchStats, models.MarketplaceEbay, fmt.Sprintf(`{"external_ids":["e-%d"]}`, i))
		require.NoError(t, env.queue.Enqueue(ctx, sess, task, now))
	}

	claimed := claimConcurrently(t, env, sess, 6, now)
	assert.Len(t, claimed, tasks)
}

func TestPostgresClaimNextRespectsQuotaUnderConcurrency(t *testing.T) {
	env := newPGEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, env.limiter.SetQuota(ctx, sess, models.MarketplaceVinted, models.Quota{MaxActions: 4, Window: time.Hour}))
	for i := 0; i < 10; i++ {
		task := newTask(models.ActionUpdatePrice, models.MarketplaceVinted, fmt.Sprintf(`{"external_id":"v-%d","price":"10"}`, i))
		require.NoError(t, env.queue.Enqueue(ctx, sess, task, now))
	}

	claimed := claimConcurrently(t, env, sess, 6, now)
	assert.Len(t, claimed, 4)

	usage, err := env.limiter.Usage(ctx, sess, models.MarketplaceVinted, now)
	require.NoError(t, err)
	assert.Equal(t, 4, usage.Used)
}

func TestPostgresReconcile(t *testing.T) {
	env := newPGEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	listing := func(id, title, price string) pkgmodels.RemoteListing {
		return pkgmodels.RemoteListing{
			ExternalID: id,
			Title:      title,
			Status:     "active",
			Price:      decimal.RequireFromString(price),
			Currency:   "EUR",
		}
	}

	first, err := pkgmodels.NewSnapshot(true, listing("A", "Denim jacket", "25"), listing("B", "Wool scarf", "12"))
	require.NoError(t, err)
	report, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted, first, services.ChangeOrigin{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)

	second, err := pkgmodels.NewSnapshot(true, listing("B", "Wool scarf", "10"))
	require.NoError(t, err)
	report, err = env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted, second, services.ChangeOrigin{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Deleted)

	report, err = env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted, second, services.ChangeOrigin{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created+report.Updated+report.Deleted)
	assert.Equal(t, 1, report.Unchanged)

	// цена округляется до копеек так же, как ее хранит колонка NUMERIC(12,2)
	sold := listing("S", "Silk tie", "15")
	sold.Status = "sold"
	third, err := pkgmodels.NewSnapshot(true, listing("B", "Wool scarf", "10"), listing("L", "Table lamp", "9.999"), sold)
	require.NoError(t, err)
	report, err = env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted, third, services.ChangeOrigin{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)

	report, err = env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted, third, services.ChangeOrigin{})
	require.NoError(t, err)
	assert.False(t, report.Changed())
	assert.Equal(t, 3, report.Unchanged)

	// проданное объявление не удаляется, даже если пропало из полного снимка
	report, err = env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted, second, services.ChangeOrigin{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)

	items, err := env.reconciler.ListItems(ctx, sess,
		models.InventoryFilter{Marketplace: models.MarketplaceVinted, IncludeRemoved: true},
		pkgutils.NewPagination(1, 50, "", false))
	require.NoError(t, err)
	byID := map[string]*models.InventoryItem{}
	for _, item := range items {
		byID[item.ExternalID] = item
	}
	assert.Equal(t, models.ItemSold, byID["S"].Status)
	assert.Equal(t, models.ItemRemoved, byID["L"].Status)
	assert.True(t, byID["L"].Price.Equal(decimal.RequireFromString("10")))

	huge, err := pkgmodels.NewSnapshot(false, listing("X", "Gold watch", "10000000000"))
	require.NoError(t, err)
	report, err = env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted, huge, services.ChangeOrigin{})
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "X", report.Errors[0].ItemKey)
}
