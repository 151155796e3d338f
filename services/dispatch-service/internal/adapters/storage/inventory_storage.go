package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/athebyme/crosslist-platform/pkg/utils"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/infrastructure/postgres"
	svcutils "github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const itemColumns = `id::text, tenant_id::text, marketplace, external_id, title, status,
	price::text, currency, views, favorites, photo_count, url, attributes, version,
	last_synced_at, removed_at, created_at, updated_at`

var itemSortColumns = map[string]string{
	"title":   "title",
	"price":   "price",
	"views":   "views",
	"created": "created_at",
	"updated": "updated_at",
}

// InventoryStorage объявления арендатора и их история
type InventoryStorage struct{}

var _ postgres.InventoryRepository = (*InventoryStorage)(nil)

func scanItem(row pgx.Row) (*models.InventoryItem, error) {
	var (
		item        models.InventoryItem
		marketplace string
		status      string
		price       string
		attributes  []byte
	)

	err := row.Scan(
		&item.ID, &item.TenantID, &marketplace, &item.ExternalID, &item.Title, &status,
		&price, &item.Currency, &item.Views, &item.Favorites, &item.PhotoCount, &item.URL, &attributes, &item.Version,
		&item.LastSyncedAt, &item.RemovedAt, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Marketplace = models.Marketplace(marketplace)
	item.Status = models.ItemStatus(status)

	item.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("failed to parse price: %w", err)
	}

	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &item.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
	}

	return &item, nil
}

func collectItems(rows pgx.Rows) ([]*models.InventoryItem, error) {
	defer rows.Close()

	var items []*models.InventoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		items = append(items, item)
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("error while iterating item rows: %w", rows.Err())
	}

	return items, nil
}

func marshalAttributes(attrs map[string]string) ([]byte, error) {
	if attrs == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(attrs)
}

// LockItems возвращает все объявления площадки, блокируя их до конца транзакции
func (s *InventoryStorage) LockItems(ctx context.Context, marketplace models.Marketplace) ([]*models.InventoryItem, error) {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := ex.Query(ctx, `
		SELECT `+itemColumns+` FROM inventory_items
		WHERE tenant_id = $1 AND marketplace = $2
		ORDER BY external_id
		FOR UPDATE
	`, scope.TenantID, string(marketplace))
	if err != nil {
		return nil, fmt.Errorf("failed to lock items: %w", err)
	}

	return collectItems(rows)
}

// GetItem получает объявление по ID
func (s *InventoryStorage) GetItem(ctx context.Context, itemID string, forUpdate bool) (*models.InventoryItem, error) {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(itemID); err != nil {
		return nil, nil
	}

	query := `SELECT ` + itemColumns + ` FROM inventory_items WHERE id = $1 AND tenant_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	return s.getOne(ctx, ex, query, itemID, scope.TenantID)
}

// GetItemByExternalID получает объявление по ID на площадке
func (s *InventoryStorage) GetItemByExternalID(ctx context.Context, marketplace models.Marketplace, externalID string, forUpdate bool) (*models.InventoryItem, error) {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + itemColumns + ` FROM inventory_items
		WHERE marketplace = $1 AND external_id = $2 AND tenant_id = $3`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	return s.getOne(ctx, ex, query, string(marketplace), externalID, scope.TenantID)
}

func (s *InventoryStorage) getOne(ctx context.Context, ex executor, query string, args ...interface{}) (*models.InventoryItem, error) {
	item, err := scanItem(ex.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

// InsertItem сохраняет новое объявление
func (s *InventoryStorage) InsertItem(ctx context.Context, item *models.InventoryItem) error {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return err
	}
	if item.TenantID != scope.TenantID {
		return svcutils.ErrTenantMismatch
	}

	attributes, err := marshalAttributes(item.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	_, err = ex.Exec(ctx, `
		INSERT INTO inventory_items (
			id, tenant_id, marketplace, external_id, title, status, price, currency,
			views, favorites, photo_count, url, attributes, version,
			last_synced_at, removed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		item.ID, item.TenantID, string(item.Marketplace), item.ExternalID, item.Title, string(item.Status),
		item.Price.String(), item.Currency, item.Views, item.Favorites, item.PhotoCount, item.URL,
		attributes, item.Version, item.LastSyncedAt, item.RemovedAt, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}

	return nil
}

// UpdateItem сохраняет объявление с проверкой версии
func (s *InventoryStorage) UpdateItem(ctx context.Context, item *models.InventoryItem, expectedVersion int) error {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return err
	}

	attributes, err := marshalAttributes(item.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	tag, err := ex.Exec(ctx, `
		UPDATE inventory_items SET
			title = $3, status = $4, price = $5::numeric, currency = $6,
			views = $7, favorites = $8, photo_count = $9, url = $10, attributes = $11,
			last_synced_at = $12, removed_at = $13, updated_at = $14,
			version = version + 1
		WHERE id = $1 AND tenant_id = $2 AND version = $15
	`,
		item.ID, scope.TenantID, item.Title, string(item.Status), item.Price.String(), item.Currency,
		item.Views, item.Favorites, item.PhotoCount, item.URL, attributes,
		item.LastSyncedAt, item.RemovedAt, item.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return svcutils.ErrVersionConflict
	}

	item.Version = expectedVersion + 1
	return nil
}

// ListItems получает объявления с фильтрацией и пагинацией
func (s *InventoryStorage) ListItems(ctx context.Context, filter models.InventoryFilter, pagination *utils.Pagination) ([]*models.InventoryItem, int64, error) {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return nil, 0, err
	}

	conditions := []string{"tenant_id = $1"}
	args := []interface{}{scope.TenantID}
	argPos := 2

	if filter.Marketplace != "" {
		conditions = append(conditions, fmt.Sprintf("marketplace = $%d", argPos))
		args = append(args, string(filter.Marketplace))
		argPos++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argPos))
		args = append(args, string(filter.Status))
		argPos++
	} else if !filter.IncludeRemoved {
		conditions = append(conditions, "removed_at IS NULL")
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("title ILIKE $%d", argPos))
		args = append(args, "%"+filter.Search+"%")
		argPos++
	}

	where := strings.Join(conditions, " AND ")

	var total int64
	if err := ex.QueryRow(ctx, `SELECT count(*) FROM inventory_items WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count items: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM inventory_items WHERE %s ORDER BY %s, id LIMIT $%d OFFSET $%d`,
		itemColumns, where, pagination.GetSortOrder(itemSortColumns, "updated_at DESC"), argPos, argPos+1)
	args = append(args, pagination.GetLimit(), pagination.GetOffset())

	rows, err := ex.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list items: %w", err)
	}

	items, err := collectItems(rows)
	if err != nil {
		return nil, 0, err
	}

	return items, total, nil
}

// SaveHistoryRecord сохраняет запись в истории объявления
func (s *InventoryStorage) SaveHistoryRecord(ctx context.Context, record *models.InventoryHistoryRecord) error {
	ex, _, err := scopedExecutor(ctx)
	if err != nil {
		return err
	}

	before, err := marshalSnapshot(record.Before)
	if err != nil {
		return err
	}
	after, err := marshalSnapshot(record.After)
	if err != nil {
		return err
	}

	var taskID, changedBy interface{}
	if record.TaskID != "" {
		taskID = record.TaskID
	}
	if record.ChangedBy != "" {
		changedBy = record.ChangedBy
	}

	_, err = ex.Exec(ctx, `
		INSERT INTO inventory_history (id, item_id, change_type, before, after, source, task_id, changed_by, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, record.ID, record.ItemID, record.ChangeType, before, after, record.Source, taskID, changedBy, record.ChangedAt)
	if err != nil {
		return fmt.Errorf("failed to save history record: %w", err)
	}

	return nil
}

func marshalSnapshot(item *models.InventoryItem) (interface{}, error) {
	if item == nil {
		return nil, nil
	}
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item snapshot: %w", err)
	}
	return data, nil
}

// GetItemHistory получает историю изменений объявления, новые записи первыми
func (s *InventoryStorage) GetItemHistory(ctx context.Context, itemID string, limit, offset int) ([]*models.InventoryHistoryRecord, error) {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(itemID); err != nil {
		return nil, nil
	}

	rows, err := ex.Query(ctx, `
		SELECT h.id::text, h.item_id::text, h.change_type, h.before, h.after, h.source,
			COALESCE(h.task_id::text, ''), COALESCE(h.changed_by, ''), h.changed_at
		FROM inventory_history h
		JOIN inventory_items i ON i.id = h.item_id
		WHERE h.item_id = $1 AND i.tenant_id = $2
		ORDER BY h.changed_at DESC, h.id
		LIMIT $3 OFFSET $4
	`, itemID, scope.TenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get item history: %w", err)
	}
	defer rows.Close()

	var records []*models.InventoryHistoryRecord
	for rows.Next() {
		var (
			r             models.InventoryHistoryRecord
			before, after []byte
		)
		if err := rows.Scan(&r.ID, &r.ItemID, &r.ChangeType, &before, &after, &r.Source, &r.TaskID, &r.ChangedBy, &r.ChangedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		if len(before) > 0 {
			r.Before = &models.InventoryItem{}
			if err := json.Unmarshal(before, r.Before); err != nil {
				return nil, fmt.Errorf("failed to unmarshal history snapshot: %w", err)
			}
		}
		if len(after) > 0 {
			r.After = &models.InventoryItem{}
			if err := json.Unmarshal(after, r.After); err != nil {
				return nil, fmt.Errorf("failed to unmarshal history snapshot: %w", err)
			}
		}
		records = append(records, &r)
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("error while iterating history rows: %w", rows.Err())
	}

	return records, nil
}

// SaveSyncState сохраняет итог последней сверки площадки
func (s *InventoryStorage) SaveSyncState(ctx context.Context, state *models.SyncState) error {
	ex, _, err := scopedExecutor(ctx)
	if err != nil {
		return err
	}

	var report interface{}
	if state.LastReport != nil {
		data, err := json.Marshal(state.LastReport)
		if err != nil {
			return fmt.Errorf("failed to marshal reconcile report: %w", err)
		}
		report = data
	}

	var taskID interface{}
	if state.LastTaskID != "" {
		taskID = state.LastTaskID
	}

	_, err = ex.Exec(ctx, `
		INSERT INTO sync_state (marketplace, last_synced_at, last_task_id, last_report)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (marketplace) DO UPDATE SET
			last_synced_at = EXCLUDED.last_synced_at,
			last_task_id = EXCLUDED.last_task_id,
			last_report = EXCLUDED.last_report
	`, string(state.Marketplace), state.LastSyncedAt, taskID, report)
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}

	return nil
}

// GetSyncState получает итог последней сверки площадки
func (s *InventoryStorage) GetSyncState(ctx context.Context, marketplace models.Marketplace) (*models.SyncState, error) {
	ex, _, err := scopedExecutor(ctx)
	if err != nil {
		return nil, err
	}

	var (
		state  models.SyncState
		mp     string
		report []byte
	)
	err = ex.QueryRow(ctx, `
		SELECT marketplace, last_synced_at, COALESCE(last_task_id::text, ''), last_report
		FROM sync_state WHERE marketplace = $1
	`, string(marketplace)).Scan(&mp, &state.LastSyncedAt, &state.LastTaskID, &report)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}

	state.Marketplace = models.Marketplace(mp)
	if len(report) > 0 {
		state.LastReport = &models.ReconcileReport{}
		if err := json.Unmarshal(report, state.LastReport); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reconcile report: %w", err)
		}
	}

	return &state, nil
}
