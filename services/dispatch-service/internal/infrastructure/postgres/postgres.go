package postgres

import (
	"github.com/athebyme/crosslist-platform/pkg/interfaces"
)

// Port полный набор хранилищ сервиса
type Port interface {
	interfaces.StoragePort

	Tenants() TenantRepository
	Tasks() TaskRepository
	RateWindows() RateWindowRepository
	Inventory() InventoryRepository
}
