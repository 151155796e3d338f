package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ItemStatus статус объявления
type ItemStatus string

const (
	ItemActive   ItemStatus = "active"
	ItemReserved ItemStatus = "reserved"
	ItemSold     ItemStatus = "sold"
	ItemHidden   ItemStatus = "hidden"
	ItemDraft    ItemStatus = "draft"
	// ItemRemoved объявление исчезло с площадки, запись сохраняется для истории
	ItemRemoved ItemStatus = "removed"
)

// InventoryItem каноническая запись об объявлении арендатора на площадке
type InventoryItem struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenant_id"`
	Marketplace  Marketplace       `json:"marketplace"`
	ExternalID   string            `json:"external_id"`
	Title        string            `json:"title"`
	Status       ItemStatus        `json:"status"`
	Price        decimal.Decimal   `json:"price"`
	Currency     string            `json:"currency"`
	Views        int               `json:"views"`
	Favorites    int               `json:"favorites"`
	PhotoCount   int               `json:"photo_count"`
	URL          string            `json:"url,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Version      int               `json:"version"`
	LastSyncedAt time.Time         `json:"last_synced_at"`
	RemovedAt    *time.Time        `json:"removed_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Clone возвращает независимую копию записи
func (i *InventoryItem) Clone() *InventoryItem {
	c := *i
	if i.Attributes != nil {
		c.Attributes = make(map[string]string, len(i.Attributes))
		for k, v := range i.Attributes {
			c.Attributes[k] = v
		}
	}
	if i.RemovedAt != nil {
		t := *i.RemovedAt
		c.RemovedAt = &t
	}
	return &c
}

// Типы изменений в истории объявления
const (
	ChangeCreate  = "create"
	ChangeUpdate  = "update"
	ChangeRemove  = "remove"
	ChangeRestore = "restore"
	ChangeEdit    = "edit"
)

// Источники изменений
const (
	SourceSync      = "sync"
	SourceLocalEdit = "local_edit"
)

// InventoryHistoryRecord запись в истории изменений объявления
type InventoryHistoryRecord struct {
	ID         string         `json:"id"`
	ItemID     string         `json:"item_id"`
	ChangeType string         `json:"change_type"`
	Before     *InventoryItem `json:"before,omitempty"`
	After      *InventoryItem `json:"after,omitempty"`
	Source     string         `json:"source"`
	TaskID     string         `json:"task_id,omitempty"`
	ChangedBy  string         `json:"changed_by,omitempty"`
	ChangedAt  time.Time      `json:"changed_at"`
}

// ItemPatch правка объявления пользователем
type ItemPatch struct {
	Price    *decimal.Decimal `json:"price,omitempty"`
	Title    *string          `json:"title,omitempty" validate:"omitempty,min=1,max=512"`
	Currency *string          `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
}

// SyncState состояние последней сверки площадки
type SyncState struct {
	Marketplace  Marketplace      `json:"marketplace"`
	LastSyncedAt time.Time        `json:"last_synced_at"`
	LastTaskID   string           `json:"last_task_id,omitempty"`
	LastReport   *ReconcileReport `json:"last_report,omitempty"`
}
