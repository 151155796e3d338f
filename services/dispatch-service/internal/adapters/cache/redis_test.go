package cache

import (
	"context"
	"testing"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *RedisCache {
	t.Helper()
	if testing.Short() {
		t.Skip("интеграционный тест Redis пропущен в режиме -short")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	c := NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: endpoint}))
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Ping(ctx))
	return c
}

func TestRedisCacheTenantKeys(t *testing.T) {
	c := startRedis(t)
	ctx := context.Background()

	require.NoError(t, c.SetWithTenant(ctx, "presence", []byte("a"), "t1", time.Minute))

	v, err := c.GetWithTenant(ctx, "presence", "t1")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v)

	v, err = c.GetWithTenant(ctx, "presence", "t2")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, c.DeleteWithTenant(ctx, "presence", "t1"))
	v, err = c.GetWithTenant(ctx, "presence", "t1")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRedisCacheDeleteByPattern(t *testing.T) {
	c := startRedis(t)
	ctx := context.Background()

	require.NoError(t, c.SetWithTenant(ctx, "sync:vinted", []byte("1"), "t1", 0))
	require.NoError(t, c.SetWithTenant(ctx, "sync:depop", []byte("1"), "t1", 0))
	require.NoError(t, c.SetWithTenant(ctx, "sync:vinted", []byte("1"), "t2", 0))

	require.NoError(t, c.DeleteByPatternWithTenant(ctx, "sync:*", "t1"))

	v, err := c.GetWithTenant(ctx, "sync:depop", "t1")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = c.GetWithTenant(ctx, "sync:vinted", "t2")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

func TestRedisLockExclusive(t *testing.T) {
	c := startRedis(t)
	ctx := context.Background()

	lock, err := c.Obtain(ctx, "sweeper:t1", time.Minute)
	require.NoError(t, err)

	_, err = c.Obtain(ctx, "sweeper:t1", time.Minute)
	assert.ErrorIs(t, err, interfaces.ErrLockNotObtained)

	require.NoError(t, lock.Release(ctx))
	// повторное освобождение не ошибка
	require.NoError(t, lock.Release(ctx))

	lock, err = c.Obtain(ctx, "sweeper:t1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lock.Refresh(ctx, 2*time.Minute))
}
