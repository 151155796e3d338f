package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveSlidingWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)
	start := env.clock.Now()

	for i := 0; i < 40; i++ {
		res, err := env.limiter.Reserve(ctx, sess, models.MarketplaceVinted, 1, start.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.True(t, res.Allowed, "reservation %d", i+1)
	}

	res, err := env.limiter.Reserve(ctx, sess, models.MarketplaceVinted, 1, start.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, 2*time.Hour)

	// первая отметка покидает окно
	res, err = env.limiter.Reserve(ctx, sess, models.MarketplaceVinted, 1, start.Add(2*time.Hour+time.Second))
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// другие площадки считаются отдельно
	res, err = env.limiter.Reserve(ctx, sess, models.MarketplaceEbay, 1, start.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestReserveIsPerTenant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.tenant(t)
	b := env.tenant(t)
	now := env.clock.Now()

	for i := 0; i < 40; i++ {
		_, err := env.limiter.Reserve(ctx, a, models.MarketplaceVinted, 1, now)
		require.NoError(t, err)
	}

	res, err := env.limiter.Reserve(ctx, b, models.MarketplaceVinted, 1, now)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestReserveRejectsInvalidWeight(t *testing.T) {
	env := newTestEnv(t)
	sess := env.tenant(t)

	_, err := env.limiter.Reserve(context.Background(), sess, models.MarketplaceVinted, 0, env.clock.Now())
	assert.ErrorIs(t, err, utils.ErrInvalidWeight)
}

func TestQuotaOverride(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)
	now := env.clock.Now()

	require.NoError(t, env.limiter.SetQuota(ctx, sess, models.MarketplaceVinted, models.Quota{MaxActions: 2, Window: time.Hour}))

	quota, err := env.limiter.QuotaFor(ctx, sess, models.MarketplaceVinted)
	require.NoError(t, err)
	assert.Equal(t, 2, quota.MaxActions)

	for i := 0; i < 2; i++ {
		res, err := env.limiter.Reserve(ctx, sess, models.MarketplaceVinted, 1, now)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := env.limiter.Reserve(ctx, sess, models.MarketplaceVinted, 1, now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	err = env.limiter.SetQuota(ctx, sess, models.MarketplaceVinted, models.Quota{})
	assert.ErrorIs(t, err, utils.ErrInvalidParams)
}

func TestDispatchDeniedWhenQuotaExhausted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	for i := 0; i < 40; i++ {
		_, err := env.dispatcher.Dispatch(ctx, sess.TenantID(), DispatchRequest{
			Action:      models.ActionCreateListing,
			Marketplace: models.MarketplaceVinted,
			Params:      []byte(fmt.Sprintf(`{"title":"Jacket %d","price":"25.00","currency":"EUR"}`, i)),
		})
		require.NoError(t, err, "dispatch %d", i+1)
	}

	_, err := env.dispatcher.Dispatch(ctx, sess.TenantID(), DispatchRequest{
		Action:      models.ActionCreateListing,
		Marketplace: models.MarketplaceVinted,
		Params:      []byte(`{"title":"Jacket 41","price":"25.00","currency":"EUR"}`),
	})
	require.ErrorIs(t, err, utils.ErrRateLimited)

	var limited *utils.RateLimitedError
	require.True(t, errors.As(err, &limited))
	assert.Greater(t, limited.RetryAfter, time.Duration(0))

	// чтение не расходует квоту
	_, err = env.dispatcher.Dispatch(ctx, sess.TenantID(), DispatchRequest{
		Action:      models.ActionFetchListings,
		Marketplace: models.MarketplaceVinted,
	})
	assert.NoError(t, err)

	usage, err := env.limiter.Usage(ctx, sess, models.MarketplaceVinted, env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Used)
	assert.Equal(t, 40, usage.Pending)
	assert.Equal(t, 40, usage.Limit)
}

func TestQuotaPolicyLookup(t *testing.T) {
	policy := DefaultQuotaPolicy()
	policy.Tiers = map[string]map[models.Marketplace]models.Quota{
		"pro": {models.MarketplaceVinted: {MaxActions: 80, Window: 2 * time.Hour}},
	}

	assert.Equal(t, 80, policy.lookup("pro", models.MarketplaceVinted).MaxActions)
	assert.Equal(t, 40, policy.lookup(DefaultQuotaTier, models.MarketplaceVinted).MaxActions)
	assert.Equal(t, 200, policy.lookup("pro", models.MarketplaceEbay).MaxActions)
	assert.Equal(t, policy.Fallback, policy.lookup("pro", models.Marketplace("unknown")))
}

func TestReserveIsAtomicUnderConcurrency(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)
	now := env.clock.Now()

	var (
		allowed atomic.Int32
		denied  atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.limiter.Reserve(ctx, sess, models.MarketplaceVinted, 1, now)
			if !assert.NoError(t, err) {
				return
			}
			if res.Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(40), allowed.Load())
	assert.Equal(t, int32(20), denied.Load())

	usage, err := env.limiter.Usage(ctx, sess, models.MarketplaceVinted, now)
	require.NoError(t, err)
	assert.Equal(t, 40, usage.Used)
}
