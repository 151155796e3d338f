package interfaces

import (
	"context"
)

// StoragePort определяет общий интерфейс постоянного хранилища,
// достаточный для проверок готовности и корректного завершения
type StoragePort interface {
	// Ping проверяет доступность хранилища
	Ping(ctx context.Context) error

	// Close закрывает соединение с хранилищем
	Close() error
}
