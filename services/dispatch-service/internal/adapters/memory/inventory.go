package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/athebyme/crosslist-platform/pkg/utils"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	svcutils "github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
)

type inventoryRepo struct {
	s *Store
}

func (r *inventoryRepo) LockItems(ctx context.Context, marketplace models.Marketplace) ([]*models.InventoryItem, error) {
	data, scope, err := r.s.scoped(ctx)
	if err != nil {
		return nil, err
	}

	var out []*models.InventoryItem
	for _, item := range data.items {
		if item.TenantID == scope.TenantID && item.Marketplace == marketplace {
			out = append(out, item.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (r *inventoryRepo) GetItem(ctx context.Context, itemID string, forUpdate bool) (*models.InventoryItem, error) {
	data, scope, err := r.s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	item, ok := data.items[itemID]
	if !ok || item.TenantID != scope.TenantID {
		return nil, nil
	}
	return item.Clone(), nil
}

func (r *inventoryRepo) GetItemByExternalID(ctx context.Context, marketplace models.Marketplace, externalID string, forUpdate bool) (*models.InventoryItem, error) {
	data, scope, err := r.s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	for _, item := range data.items {
		if item.TenantID == scope.TenantID && item.Marketplace == marketplace && item.ExternalID == externalID {
			return item.Clone(), nil
		}
	}
	return nil, nil
}

func (r *inventoryRepo) InsertItem(ctx context.Context, item *models.InventoryItem) error {
	data, scope, err := r.s.scoped(ctx)
	if err != nil {
		return err
	}
	if item.TenantID != scope.TenantID {
		return svcutils.ErrTenantMismatch
	}
	for _, existing := range data.items {
		if existing.Marketplace == item.Marketplace && existing.ExternalID == item.ExternalID {
			return fmt.Errorf("inventory item %s/%s already exists", item.Marketplace, item.ExternalID)
		}
	}
	data.items[item.ID] = item.Clone()
	return nil
}

func (r *inventoryRepo) UpdateItem(ctx context.Context, item *models.InventoryItem, expectedVersion int) error {
	data, scope, err := r.s.scoped(ctx)
	if err != nil {
		return err
	}
	current, ok := data.items[item.ID]
	if !ok || current.TenantID != scope.TenantID || current.Version != expectedVersion {
		return svcutils.ErrVersionConflict
	}

	item.Version = expectedVersion + 1
	stored := item.Clone()
	stored.TenantID = current.TenantID
	stored.Marketplace = current.Marketplace
	stored.ExternalID = current.ExternalID
	stored.CreatedAt = current.CreatedAt
	data.items[item.ID] = stored
	return nil
}

func (r *inventoryRepo) ListItems(ctx context.Context, filter models.InventoryFilter, pagination *utils.Pagination) ([]*models.InventoryItem, int64, error) {
	data, scope, err := r.s.scoped(ctx)
	if err != nil {
		return nil, 0, err
	}

	search := strings.ToLower(filter.Search)

	var matched []*models.InventoryItem
	for _, item := range data.items {
		if item.TenantID != scope.TenantID {
			continue
		}
		if filter.Marketplace != "" && item.Marketplace != filter.Marketplace {
			continue
		}
		if filter.Status != "" {
			if item.Status != filter.Status {
				continue
			}
		} else if !filter.IncludeRemoved && item.RemovedAt != nil {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(item.Title), search) {
			continue
		}
		matched = append(matched, item)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	return pageOf(matched, pagination, (*models.InventoryItem).Clone), int64(len(matched)), nil
}

func (r *inventoryRepo) SaveHistoryRecord(ctx context.Context, record *models.InventoryHistoryRecord) error {
	data, _, err := r.s.scoped(ctx)
	if err != nil {
		return err
	}
	cp := *record
	data.history = append(data.history, &cp)
	return nil
}

func (r *inventoryRepo) GetItemHistory(ctx context.Context, itemID string, limit, offset int) ([]*models.InventoryHistoryRecord, error) {
	data, scope, err := r.s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	if item, ok := data.items[itemID]; !ok || item.TenantID != scope.TenantID {
		return nil, nil
	}

	var out []*models.InventoryHistoryRecord
	for i := len(data.history) - 1; i >= 0; i-- {
		if data.history[i].ItemID == itemID {
			cp := *data.history[i]
			out = append(out, &cp)
		}
	}

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *inventoryRepo) SaveSyncState(ctx context.Context, state *models.SyncState) error {
	data, _, err := r.s.scoped(ctx)
	if err != nil {
		return err
	}
	cp := *state
	data.syncState[state.Marketplace] = &cp
	return nil
}

func (r *inventoryRepo) GetSyncState(ctx context.Context, marketplace models.Marketplace) (*models.SyncState, error) {
	data, _, err := r.s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	st, ok := data.syncState[marketplace]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}
