package interfaces

import (
	"context"
	"errors"
	"time"
)

// ErrLockNotObtained возвращается, если блокировку держит другой процесс
var ErrLockNotObtained = errors.New("lock not obtained")

// CachePort определяет интерфейс для работы с системой кэширования.
// Ключи всегда изолированы по арендатору.
type CachePort interface {
	// GetWithTenant получает значение из кэша.
	// Возвращает nil, nil если значение не найдено
	GetWithTenant(ctx context.Context, key string, tenantID string) ([]byte, error)

	// SetWithTenant сохраняет значение с указанным сроком действия.
	// Если expiration равно 0, срок действия не устанавливается
	SetWithTenant(ctx context.Context, key string, value []byte, tenantID string, expiration time.Duration) error

	// DeleteWithTenant удаляет значение из кэша
	DeleteWithTenant(ctx context.Context, key string, tenantID string) error

	// Ping проверяет соединение
	Ping(ctx context.Context) error

	// Close закрывает соединение с системой кэширования
	Close() error
}

// Lock захваченная распределенная блокировка
type Lock interface {
	Release(ctx context.Context) error
	Refresh(ctx context.Context, ttl time.Duration) error
}

// LockerPort выдает распределенные блокировки.
// Если блокировка занята, Obtain возвращает ErrLockNotObtained
type LockerPort interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}
