package memory

import (
	"context"
	"sync"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/patrickmn/go-cache"
)

// Cache реализация interfaces.CachePort в памяти процесса
type Cache struct {
	c *cache.Cache
}

var _ interfaces.CachePort = (*Cache)(nil)

// NewCache создает кэш в памяти
func NewCache() *Cache {
	return &Cache{c: cache.New(cache.NoExpiration, time.Minute)}
}

func tenantKey(tenantID, key string) string {
	return "tenant:" + tenantID + ":" + key
}

func (c *Cache) GetWithTenant(ctx context.Context, key string, tenantID string) ([]byte, error) {
	v, ok := c.c.Get(tenantKey(tenantID, key))
	if !ok {
		return nil, nil
	}
	return v.([]byte), nil
}

func (c *Cache) SetWithTenant(ctx context.Context, key string, value []byte, tenantID string, expiration time.Duration) error {
	if expiration <= 0 {
		expiration = cache.NoExpiration
	}
	c.c.Set(tenantKey(tenantID, key), append([]byte(nil), value...), expiration)
	return nil
}

func (c *Cache) DeleteWithTenant(ctx context.Context, key string, tenantID string) error {
	c.c.Delete(tenantKey(tenantID, key))
	return nil
}

func (c *Cache) Ping(ctx context.Context) error { return nil }
func (c *Cache) Close() error                   { return nil }

// Locker реализация interfaces.LockerPort для одного процесса
type Locker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

var _ interfaces.LockerPort = (*Locker)(nil)

// NewLocker создает Locker
func NewLocker() *Locker {
	return &Locker{held: make(map[string]time.Time), clock: time.Now}
}

func (l *Locker) Obtain(ctx context.Context, key string, ttl time.Duration) (interfaces.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if until, ok := l.held[key]; ok && until.After(now) {
		return nil, interfaces.ErrLockNotObtained
	}
	l.held[key] = now.Add(ttl)
	return &memLock{l: l, key: key}, nil
}

type memLock struct {
	l   *Locker
	key string
}

func (m *memLock) Release(ctx context.Context) error {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	delete(m.l.held, m.key)
	return nil
}

func (m *memLock) Refresh(ctx context.Context, ttl time.Duration) error {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	if _, ok := m.l.held[m.key]; !ok {
		return interfaces.ErrLockNotObtained
	}
	m.l.held[m.key] = m.l.clock().Add(ttl)
	return nil
}
