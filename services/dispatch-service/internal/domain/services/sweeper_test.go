package services

import (
	"context"
	"testing"
	"time"

	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/adapters/logger"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/adapters/memory"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepOnceCoversAllTenants(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.tenant(t)
	b := env.tenant(t)

	ta := env.enqueue(t, a, models.ActionFetchStats, models.MarketplaceEbay, `{}`)
	tb := env.enqueue(t, b, models.ActionFetchStats, models.MarketplaceEbay, `{}`)

	env.clock.Advance(2 * time.Minute)
	require.NoError(t, env.sweeper.SweepOnce(ctx))

	got, err := env.queue.Get(ctx, a, ta.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskExpired, got.State)

	got, err = env.queue.Get(ctx, b, tb.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskExpired, got.State)
}

func TestSweeperSkipsLockedTenant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	locker := memory.NewLocker()
	sweeper := NewSweeper(env.router, env.queue, env.dispatcher, locker, SweeperConfig{}, env.clock, logger.NewNopLogger())

	lock, err := locker.Obtain(ctx, "sweeper:"+sess.TenantID(), time.Minute)
	require.NoError(t, err)

	task := env.enqueue(t, sess, models.ActionFetchStats, models.MarketplaceEbay, `{}`)
	env.clock.Advance(2 * time.Minute)

	require.NoError(t, sweeper.SweepOnce(ctx))
	got, err := env.queue.Get(ctx, sess, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.State)

	require.NoError(t, lock.Release(ctx))
	require.NoError(t, sweeper.SweepOnce(ctx))
	got, err = env.queue.Get(ctx, sess, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskExpired, got.State)
}

func TestSweeperPurgesOldTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	task := env.enqueue(t, sess, models.ActionFetchStats, models.MarketplaceEbay, `{}`)
	env.clock.Advance(2 * time.Minute)
	require.NoError(t, env.sweeper.SweepOnce(ctx))

	env.clock.Advance(25 * time.Hour)
	res, err := env.sweeper.sweepTenant(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Purged)

	_, err = env.queue.Get(ctx, sess, task.ID)
	assert.Error(t, err)
}
