package postgres

import (
	"context"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/utils"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
)

// TenantRepository управляющая схема: арендаторы и их квоты.
// Методы работают вне схемы арендатора.
type TenantRepository interface {
	// GetTenant возвращает nil, nil если арендатор не найден
	GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error)

	// NamespaceExists проверяет, что схема существует в БД
	NamespaceExists(ctx context.Context, schema string) (bool, error)

	// ProvisionTenant создает запись арендатора и его схему.
	// Повторный вызов ничего не меняет, параллельные вызовы сериализуются.
	ProvisionTenant(ctx context.Context, tenant *models.Tenant, now time.Time) (*models.Tenant, error)

	// ListProvisioned возвращает всех арендаторов с созданной схемой
	ListProvisioned(ctx context.Context) ([]*models.Tenant, error)

	// GetQuotaOverride возвращает nil, nil если у арендатора нет своей квоты
	GetQuotaOverride(ctx context.Context, tenantID string, marketplace models.Marketplace) (*models.Quota, error)

	// SetQuotaOverride задает квоту арендатора на площадке
	SetQuotaOverride(ctx context.Context, tenantID string, marketplace models.Marketplace, quota models.Quota) error
}

// ClaimOptions ограничения выборки при захвате задачи
type ClaimOptions struct {
	ExecutorID string
	Now        time.Time
	// Blocked площадки, для которых изменяющие действия сейчас не выдаются
	Blocked []models.Marketplace
	// Mutating изменяющие действия
	Mutating []models.Action
}

// TaskRepository очередь задач арендатора. Требует контекст из DoScoped.
type TaskRepository interface {
	// CreateTask возвращает utils.ErrDuplicateTask, если такая задача уже в работе
	CreateTask(ctx context.Context, task *models.Task) error

	// GetTask возвращает nil, nil если задача не найдена
	GetTask(ctx context.Context, taskID string) (*models.Task, error)

	// ClaimNext одним условным обновлением переводит лучшую ожидающую задачу
	// в claimed. Возвращает nil, nil если выдавать нечего.
	ClaimNext(ctx context.Context, opts ClaimOptions) (*models.Task, error)

	// CompleteTask и FailTask возвращают utils.ErrInvalidTransition, если задача
	// не находится в claimed у этого исполнителя или ее срок истек
	CompleteTask(ctx context.Context, taskID, executorID string, result []byte, now time.Time) (*models.Task, error)
	FailTask(ctx context.Context, taskID, executorID string, taskErr models.TaskError, now time.Time) (*models.Task, error)

	// ExpirePending переводит просроченные pending в expired
	ExpirePending(ctx context.Context, now time.Time) (int64, error)

	// FailOverdue переводит просроченные claimed в failed
	FailOverdue(ctx context.Context, now time.Time) (int64, error)

	// MarkDelivered отмечает передачу результата потребителю.
	// Возвращает false, если результат уже был передан.
	MarkDelivered(ctx context.Context, taskID string, now time.Time) (bool, error)

	// ListUndelivered завершенные задачи без переданного результата, завершенные до before
	ListUndelivered(ctx context.Context, before time.Time, limit int) ([]*models.Task, error)

	// CountPending количество ожидающих задач с указанными действиями на площадке
	CountPending(ctx context.Context, marketplace models.Marketplace, actions []models.Action) (int, error)

	ListTasks(ctx context.Context, filter models.TaskFilter, pagination *utils.Pagination) ([]*models.Task, int64, error)

	// PurgeTerminal удаляет завершенные задачи старше before
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

// RateWindowRepository журнал изменяющих действий по площадкам. Требует контекст из DoScoped.
type RateWindowRepository interface {
	// Reserve атомарно добавляет weight отметок now, если после этого в окне
	// будет не больше quota.MaxActions. При отказе возвращает Allowed=false
	// и время до освобождения места.
	Reserve(ctx context.Context, marketplace models.Marketplace, quota models.Quota, weight int, now time.Time) (models.Reservation, error)

	// Entries отметки, еще не покинувшие окно, по возрастанию
	Entries(ctx context.Context, marketplace models.Marketplace, window time.Duration, now time.Time) ([]time.Time, error)
}

// InventoryRepository объявления арендатора. Требует контекст из DoScoped.
type InventoryRepository interface {
	// LockItems блокирует все объявления площадки до конца транзакции
	LockItems(ctx context.Context, marketplace models.Marketplace) ([]*models.InventoryItem, error)

	// GetItem возвращает nil, nil если объявление не найдено
	GetItem(ctx context.Context, itemID string, forUpdate bool) (*models.InventoryItem, error)
	GetItemByExternalID(ctx context.Context, marketplace models.Marketplace, externalID string, forUpdate bool) (*models.InventoryItem, error)

	InsertItem(ctx context.Context, item *models.InventoryItem) error

	// UpdateItem сохраняет запись, если ее версия в БД равна expectedVersion,
	// иначе возвращает utils.ErrVersionConflict. Версия увеличивается на 1.
	UpdateItem(ctx context.Context, item *models.InventoryItem, expectedVersion int) error

	ListItems(ctx context.Context, filter models.InventoryFilter, pagination *utils.Pagination) ([]*models.InventoryItem, int64, error)

	SaveHistoryRecord(ctx context.Context, record *models.InventoryHistoryRecord) error
	GetItemHistory(ctx context.Context, itemID string, limit, offset int) ([]*models.InventoryHistoryRecord, error)

	SaveSyncState(ctx context.Context, state *models.SyncState) error
	// GetSyncState возвращает nil, nil если сверок еще не было
	GetSyncState(ctx context.Context, marketplace models.Marketplace) (*models.SyncState, error)
}
