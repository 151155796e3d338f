package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RedisOptions параметры подключения к Redis
type RedisOptions struct {
	Host            string
	Port            int
	Password        string
	DB              int
	PoolSize        int
	MinIdleConns    int
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolTimeout     time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

// RedisCache реализация interfaces.CachePort и interfaces.LockerPort поверх Redis
type RedisCache struct {
	client *redis.Client
	locker *redislock.Client
}

var (
	_ interfaces.CachePort  = (*RedisCache)(nil)
	_ interfaces.LockerPort = (*RedisCache)(nil)
)

// NewRedisCache подключается к Redis и проверяет соединение
func NewRedisCache(ctx context.Context, opts RedisOptions) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Password:        opts.Password,
		DB:              opts.DB,
		PoolSize:        opts.PoolSize,
		MinIdleConns:    opts.MinIdleConns,
		MaxRetries:      opts.MaxRetries,
		MinRetryBackoff: opts.MinRetryBackoff,
		MaxRetryBackoff: opts.MaxRetryBackoff,
		DialTimeout:     opts.DialTimeout,
		ReadTimeout:     opts.ReadTimeout,
		WriteTimeout:    opts.WriteTimeout,
		PoolTimeout:     opts.PoolTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisCacheWithClient(client), nil
}

// NewRedisCacheWithClient оборачивает готовый клиент
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
		locker: redislock.New(client),
	}
}

func (r *RedisCache) buildKey(key, tenantID string) string {
	if tenantID != "" {
		return fmt.Sprintf("tenant:%s:%s", tenantID, key)
	}
	return key
}

func (r *RedisCache) GetWithTenant(ctx context.Context, key string, tenantID string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.buildKey(key, tenantID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cache key: %w", err)
	}
	return val, nil
}

func (r *RedisCache) SetWithTenant(ctx context.Context, key string, value []byte, tenantID string, expiration time.Duration) error {
	if err := r.client.Set(ctx, r.buildKey(key, tenantID), value, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set cache key: %w", err)
	}
	return nil
}

func (r *RedisCache) DeleteWithTenant(ctx context.Context, key string, tenantID string) error {
	if err := r.client.Del(ctx, r.buildKey(key, tenantID)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key: %w", err)
	}
	return nil
}

// DeleteByPatternWithTenant удаляет ключи арендатора по шаблону, пачками по 100
func (r *RedisCache) DeleteByPatternWithTenant(ctx context.Context, pattern string, tenantID string) error {
	iter := r.client.Scan(ctx, 0, r.buildKey(pattern, tenantID), 100).Iterator()
	var keys []string

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 100 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("ошибка при удалении ключей кэша: %w", err)
			}
			keys = keys[:0]
		}
	}

	if len(keys) > 0 {
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("ошибка при удалении оставшихся ключей кэша: %w", err)
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("ошибка при сканировании ключей по шаблону: %w", err)
	}

	return nil
}

// Obtain захватывает блокировку без ожидания
func (r *RedisCache) Obtain(ctx context.Context, key string, ttl time.Duration) (interfaces.Lock, error) {
	lock, err := r.locker.Obtain(ctx, "lock:"+key, ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, interfaces.ErrLockNotObtained
		}
		return nil, fmt.Errorf("failed to obtain lock: %w", err)
	}
	return &redisLock{lock: lock}, nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

type redisLock struct {
	lock *redislock.Lock
}

func (l *redisLock) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

func (l *redisLock) Refresh(ctx context.Context, ttl time.Duration) error {
	err := l.lock.Refresh(ctx, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return interfaces.ErrLockNotObtained
	}
	return err
}
