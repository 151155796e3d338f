package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/athebyme/crosslist-platform/pkg/utils"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/infrastructure/postgres"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/metrics"
	svcutils "github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const historyPageSize = 50

// priceScale и maxPrice соответствуют колонке price NUMERIC(12,2)
const priceScale = 2

var maxPrice = decimal.New(1, 10)

type itemOutcome int

const (
	outcomeUnchanged itemOutcome = iota
	outcomeCreated
	outcomeUpdated
	outcomeDeleted
)

func (o itemOutcome) String() string {
	switch o {
	case outcomeCreated:
		return "created"
	case outcomeUpdated:
		return "updated"
	case outcomeDeleted:
		return "deleted"
	}
	return "unchanged"
}

// ChangeOrigin откуда пришло изменение объявления
type ChangeOrigin struct {
	TaskID string
	UserID string
}

// Reconciler сверяет снимок площадки с объявлениями арендатора.
// Все изменения объявлений проходят через него.
type Reconciler struct {
	inventory postgres.InventoryRepository
	validate  *validator.Validate
	clock     Clock
	logger    interfaces.LoggerPort
}

// NewReconciler создает Reconciler
func NewReconciler(repo postgres.Port, validate *validator.Validate, clock Clock, logger interfaces.LoggerPort) *Reconciler {
	return &Reconciler{
		inventory: repo.Inventory(),
		validate:  validate,
		clock:     clock,
		logger:    logger,
	}
}

// Reconcile применяет снимок каталога площадки: создает новые объявления,
// обновляет изменившиеся и помечает удаленными активные объявления,
// которых нет в полном снимке. Ошибка одного объявления попадает в отчет
// и не прерывает сверку.
func (r *Reconciler) Reconcile(ctx context.Context, sess *ScopedSession, marketplace models.Marketplace, snapshot models.ListingSnapshot, origin ChangeOrigin) (*models.ReconcileReport, error) {
	ctx, span := otel.Tracer("dispatch-service").Start(ctx, "Reconciler.Reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", sess.TenantID()),
		attribute.String("marketplace", string(marketplace)),
		attribute.Int("listings", len(snapshot.Listings)),
	)

	report := &models.ReconcileReport{Marketplace: marketplace, Errors: []svcutils.ReconcileError{}}
	now := r.clock.Now()

	err := sess.Do(ctx, func(ctx context.Context) error {
		current, err := r.inventory.LockItems(ctx, marketplace)
		if err != nil {
			return err
		}

		byExternalID := make(map[string]*models.InventoryItem, len(current))
		for _, item := range current {
			byExternalID[item.ExternalID] = item
		}

		seen := make(map[string]bool, len(snapshot.Listings))
		unkeyed := 0

		for i, raw := range snapshot.Listings {
			listing, key, err := r.normalize(raw)
			if key != "" {
				if seen[key] {
					report.AddError(key, "duplicate external_id in snapshot")
					continue
				}
				seen[key] = true
			}
			if err != nil {
				if key == "" {
					key = fmt.Sprintf("#%d", i)
					unkeyed++
				}
				report.AddError(key, err.Error())
				continue
			}

			outcome, err := r.applyListing(ctx, sess, byExternalID[key], marketplace, listing, now, origin)
			if err != nil {
				report.AddError(key, err.Error())
				continue
			}
			r.tally(report, outcome)
		}

		for _, item := range current {
			// проданные и скрытые позиции остаются для связи с заказами
			if seen[item.ExternalID] || item.Status != models.ItemActive {
				continue
			}
			// без полного снимка нельзя отличить удаленное объявление от непрочитанного
			if !snapshot.Complete || unkeyed > 0 {
				report.DeletesSkipped++
				continue
			}

			if err := r.softDelete(ctx, sess, item, now, origin); err != nil {
				report.AddError(item.ExternalID, err.Error())
				continue
			}
			report.Deleted++
		}

		return r.inventory.SaveSyncState(ctx, &models.SyncState{
			Marketplace:  marketplace,
			LastSyncedAt: now,
			LastTaskID:   origin.TaskID,
			LastReport:   report,
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to reconcile %s: %w", marketplace, err)
	}

	r.record(report)

	r.logger.InfoWithContext(ctx, "Сверка завершена",
		interfaces.LogField{Key: "tenant_id", Value: sess.TenantID()},
		interfaces.LogField{Key: "marketplace", Value: marketplace},
		interfaces.LogField{Key: "created", Value: report.Created},
		interfaces.LogField{Key: "updated", Value: report.Updated},
		interfaces.LogField{Key: "deleted", Value: report.Deleted},
		interfaces.LogField{Key: "unchanged", Value: report.Unchanged},
		interfaces.LogField{Key: "deletes_skipped", Value: report.DeletesSkipped},
		interfaces.LogField{Key: "errors", Value: len(report.Errors)},
	)

	return report, nil
}

// UpsertListing применяет одно объявление, например результат create_listing
func (r *Reconciler) UpsertListing(ctx context.Context, sess *ScopedSession, marketplace models.Marketplace, raw json.RawMessage, origin ChangeOrigin) (*models.ReconcileReport, error) {
	report := &models.ReconcileReport{Marketplace: marketplace, Errors: []svcutils.ReconcileError{}}
	now := r.clock.Now()

	listing, key, err := r.normalize(raw)
	if err != nil {
		if key == "" {
			key = "#0"
		}
		report.AddError(key, err.Error())
		r.record(report)
		return report, nil
	}

	err = sess.Do(ctx, func(ctx context.Context) error {
		existing, err := r.inventory.GetItemByExternalID(ctx, marketplace, key, true)
		if err != nil {
			return err
		}

		outcome, err := r.applyListing(ctx, sess, existing, marketplace, listing, now, origin)
		if err != nil {
			report.AddError(key, err.Error())
			return nil
		}
		r.tally(report, outcome)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert listing: %w", err)
	}

	r.record(report)
	return report, nil
}

// ApplyStats обновляет только счетчики просмотров и избранного
func (r *Reconciler) ApplyStats(ctx context.Context, sess *ScopedSession, marketplace models.Marketplace, stats models.StatsSnapshot, origin ChangeOrigin) (*models.ReconcileReport, error) {
	report := &models.ReconcileReport{Marketplace: marketplace, Errors: []svcutils.ReconcileError{}}
	now := r.clock.Now()

	err := sess.Do(ctx, func(ctx context.Context) error {
		for i, st := range stats.Items {
			key := st.ExternalID
			if key == "" {
				key = fmt.Sprintf("#%d", i)
			}
			if err := r.validate.Struct(&st); err != nil {
				report.AddError(key, validationReason(err))
				continue
			}

			var outcome itemOutcome
			err := sess.Savepoint(ctx, func(ctx context.Context) error {
				item, err := r.inventory.GetItemByExternalID(ctx, marketplace, st.ExternalID, true)
				if err != nil {
					return err
				}
				if item == nil {
					return fmt.Errorf("listing is not known locally")
				}
				if item.Views == st.Views && item.Favorites == st.Favorites {
					return nil
				}

				next := item.Clone()
				next.Views = st.Views
				next.Favorites = st.Favorites
				next.LastSyncedAt = now
				next.UpdatedAt = now
				if err := r.inventory.UpdateItem(ctx, next, item.Version); err != nil {
					return err
				}
				outcome = outcomeUpdated
				return r.saveHistory(ctx, item, next, models.ChangeUpdate, models.SourceSync, now, origin)
			})
			if err != nil {
				report.AddError(key, err.Error())
				continue
			}
			r.tally(report, outcome)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply stats: %w", err)
	}

	r.record(report)
	return report, nil
}

// MarkRemoved помечает объявление удаленным после delete_listing
func (r *Reconciler) MarkRemoved(ctx context.Context, sess *ScopedSession, marketplace models.Marketplace, externalID string, origin ChangeOrigin) (*models.ReconcileReport, error) {
	report := &models.ReconcileReport{Marketplace: marketplace, Errors: []svcutils.ReconcileError{}}
	now := r.clock.Now()

	err := sess.Do(ctx, func(ctx context.Context) error {
		item, err := r.inventory.GetItemByExternalID(ctx, marketplace, externalID, true)
		if err != nil {
			return err
		}
		if item == nil {
			report.AddError(externalID, "listing is not known locally")
			return nil
		}
		if item.Status == models.ItemRemoved {
			report.Unchanged++
			return nil
		}
		if err := r.softDelete(ctx, sess, item, now, origin); err != nil {
			report.AddError(externalID, err.Error())
			return nil
		}
		report.Deleted++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark listing removed: %w", err)
	}

	r.record(report)
	return report, nil
}

// ApplyLocalEdit применяет правку пользователя с проверкой версии.
// Возвращает utils.ErrVersionConflict, если запись изменилась после чтения.
func (r *Reconciler) ApplyLocalEdit(ctx context.Context, sess *ScopedSession, itemID string, expectedVersion int, patch models.ItemPatch, origin ChangeOrigin) (*models.InventoryItem, error) {
	if err := r.validate.Struct(&patch); err != nil {
		return nil, fmt.Errorf("%w: %s", svcutils.ErrInvalidParams, validationReason(err))
	}
	if patch.Price != nil {
		price := patch.Price.Round(priceScale)
		if !price.IsPositive() {
			return nil, fmt.Errorf("%w: price must be positive", svcutils.ErrInvalidParams)
		}
		if price.GreaterThanOrEqual(maxPrice) {
			return nil, fmt.Errorf("%w: price out of range", svcutils.ErrInvalidParams)
		}
		patch.Price = &price
	}

	now := r.clock.Now()
	var updated *models.InventoryItem

	err := sess.Do(ctx, func(ctx context.Context) error {
		item, err := r.inventory.GetItem(ctx, itemID, true)
		if err != nil {
			return err
		}
		if item == nil {
			return svcutils.ErrItemNotFound
		}
		if item.Version != expectedVersion {
			return svcutils.ErrVersionConflict
		}
		if item.Status == models.ItemRemoved {
			return fmt.Errorf("%w: listing is removed", svcutils.ErrInvalidParams)
		}

		next := item.Clone()
		if patch.Price != nil {
			next.Price = *patch.Price
		}
		if patch.Title != nil {
			next.Title = *patch.Title
		}
		if patch.Currency != nil {
			next.Currency = strings.ToUpper(*patch.Currency)
		}
		if sameContent(item, next) {
			updated = item
			return nil
		}
		next.UpdatedAt = now

		if err := r.inventory.UpdateItem(ctx, next, expectedVersion); err != nil {
			return err
		}
		updated = next
		return r.saveHistory(ctx, item, next, models.ChangeEdit, models.SourceLocalEdit, now, origin)
	})
	if err != nil {
		if errors.Is(err, svcutils.ErrItemNotFound) || errors.Is(err, svcutils.ErrVersionConflict) || errors.Is(err, svcutils.ErrInvalidParams) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to apply local edit: %w", err)
	}

	return updated, nil
}

// GetItem возвращает объявление или utils.ErrItemNotFound
func (r *Reconciler) GetItem(ctx context.Context, sess *ScopedSession, itemID string) (*models.InventoryItem, error) {
	var item *models.InventoryItem
	err := sess.Do(ctx, func(ctx context.Context) error {
		var err error
		item, err = r.inventory.GetItem(ctx, itemID, false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if item == nil {
		return nil, svcutils.ErrItemNotFound
	}
	return item, nil
}

// ListItems возвращает объявления арендатора
func (r *Reconciler) ListItems(ctx context.Context, sess *ScopedSession, filter models.InventoryFilter, pagination *utils.Pagination) ([]*models.InventoryItem, error) {
	var (
		items []*models.InventoryItem
		total int64
	)
	err := sess.Do(ctx, func(ctx context.Context) error {
		var err error
		items, total, err = r.inventory.ListItems(ctx, filter, pagination)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	pagination.SetTotal(total)
	return items, nil
}

// ItemHistory история изменений объявления, новые записи первыми
func (r *Reconciler) ItemHistory(ctx context.Context, sess *ScopedSession, itemID string, page int) ([]*models.InventoryHistoryRecord, error) {
	if page < 1 {
		page = 1
	}
	var records []*models.InventoryHistoryRecord
	err := sess.Do(ctx, func(ctx context.Context) error {
		var err error
		records, err = r.inventory.GetItemHistory(ctx, itemID, historyPageSize, (page-1)*historyPageSize)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item history: %w", err)
	}
	return records, nil
}

// SyncState итог последней сверки площадки, nil если сверок не было
func (r *Reconciler) SyncState(ctx context.Context, sess *ScopedSession, marketplace models.Marketplace) (*models.SyncState, error) {
	var state *models.SyncState
	err := sess.Do(ctx, func(ctx context.Context) error {
		var err error
		state, err = r.inventory.GetSyncState(ctx, marketplace)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	return state, nil
}

// normalize разбирает и проверяет одно объявление снимка.
// Ключ возвращается, даже если объявление некорректно.
func (r *Reconciler) normalize(raw json.RawMessage) (models.RemoteListing, string, error) {
	var keyed struct {
		ExternalID json.RawMessage `json:"external_id"`
	}
	_ = json.Unmarshal(raw, &keyed)
	var key string
	_ = json.Unmarshal(keyed.ExternalID, &key)
	key = strings.TrimSpace(key)

	var listing models.RemoteListing
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&listing); err != nil {
		return models.RemoteListing{}, key, fmt.Errorf("malformed listing: %s", err.Error())
	}

	listing.ExternalID = strings.TrimSpace(listing.ExternalID)
	listing.Title = strings.TrimSpace(listing.Title)
	listing.Status = strings.ToLower(strings.TrimSpace(listing.Status))
	listing.Currency = strings.ToUpper(strings.TrimSpace(listing.Currency))

	if err := r.validate.Struct(&listing); err != nil {
		return models.RemoteListing{}, key, fmt.Errorf("invalid listing: %s", validationReason(err))
	}
	if listing.Price.IsNegative() {
		return models.RemoteListing{}, key, fmt.Errorf("invalid listing: negative price")
	}
	listing.Price = listing.Price.Round(priceScale)
	if listing.Price.GreaterThanOrEqual(maxPrice) {
		return models.RemoteListing{}, key, fmt.Errorf("invalid listing: price out of range")
	}

	return listing, listing.ExternalID, nil
}

// applyListing создает или обновляет одно объявление в точке сохранения
func (r *Reconciler) applyListing(ctx context.Context, sess *ScopedSession, existing *models.InventoryItem, marketplace models.Marketplace, listing models.RemoteListing, now time.Time, origin ChangeOrigin) (itemOutcome, error) {
	outcome := outcomeUnchanged

	err := sess.Savepoint(ctx, func(ctx context.Context) error {
		if existing == nil {
			item := &models.InventoryItem{
				ID:           uuid.New().String(),
				TenantID:     sess.TenantID(),
				Marketplace:  marketplace,
				ExternalID:   listing.ExternalID,
				Version:      1,
				LastSyncedAt: now,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			applyRemote(item, listing)

			if err := r.inventory.InsertItem(ctx, item); err != nil {
				return err
			}
			outcome = outcomeCreated
			return r.saveHistory(ctx, nil, item, models.ChangeCreate, models.SourceSync, now, origin)
		}

		next := existing.Clone()
		applyRemote(next, listing)
		next.RemovedAt = nil
		if sameContent(existing, next) {
			return nil
		}

		next.LastSyncedAt = now
		next.UpdatedAt = now
		if err := r.inventory.UpdateItem(ctx, next, existing.Version); err != nil {
			return err
		}

		change := models.ChangeUpdate
		if existing.RemovedAt != nil {
			change = models.ChangeRestore
		}
		outcome = outcomeUpdated
		return r.saveHistory(ctx, existing, next, change, models.SourceSync, now, origin)
	})
	if err != nil {
		return outcomeUnchanged, err
	}
	return outcome, nil
}

func (r *Reconciler) softDelete(ctx context.Context, sess *ScopedSession, item *models.InventoryItem, now time.Time, origin ChangeOrigin) error {
	return sess.Savepoint(ctx, func(ctx context.Context) error {
		next := item.Clone()
		next.Status = models.ItemRemoved
		removedAt := now
		next.RemovedAt = &removedAt
		next.UpdatedAt = now

		if err := r.inventory.UpdateItem(ctx, next, item.Version); err != nil {
			return err
		}
		return r.saveHistory(ctx, item, next, models.ChangeRemove, models.SourceSync, now, origin)
	})
}

func (r *Reconciler) saveHistory(ctx context.Context, before, after *models.InventoryItem, change, source string, now time.Time, origin ChangeOrigin) error {
	itemID := after.ID
	return r.inventory.SaveHistoryRecord(ctx, &models.InventoryHistoryRecord{
		ID:         uuid.New().String(),
		ItemID:     itemID,
		ChangeType: change,
		Before:     before,
		After:      after,
		Source:     source,
		TaskID:     origin.TaskID,
		ChangedBy:  origin.UserID,
		ChangedAt:  now,
	})
}

func (r *Reconciler) tally(report *models.ReconcileReport, outcome itemOutcome) {
	switch outcome {
	case outcomeCreated:
		report.Created++
	case outcomeUpdated:
		report.Updated++
	case outcomeDeleted:
		report.Deleted++
	default:
		report.Unchanged++
	}
}

func (r *Reconciler) record(report *models.ReconcileReport) {
	mp := string(report.Marketplace)
	metrics.ReconcileItems.WithLabelValues(mp, outcomeCreated.String()).Add(float64(report.Created))
	metrics.ReconcileItems.WithLabelValues(mp, outcomeUpdated.String()).Add(float64(report.Updated))
	metrics.ReconcileItems.WithLabelValues(mp, outcomeDeleted.String()).Add(float64(report.Deleted))
	metrics.ReconcileItems.WithLabelValues(mp, "error").Add(float64(len(report.Errors)))
}

// applyRemote переносит поля площадки в запись
func applyRemote(item *models.InventoryItem, listing models.RemoteListing) {
	item.Title = listing.Title
	item.Status = models.ItemStatus(listing.Status)
	if item.Status == "" {
		item.Status = models.ItemActive
	}
	item.Price = listing.Price
	item.Currency = listing.Currency
	item.Views = listing.Views
	item.Favorites = listing.Favorites
	item.PhotoCount = listing.PhotoCount
	item.URL = listing.URL
	item.Attributes = listing.Attributes
	if len(item.Attributes) == 0 {
		item.Attributes = nil
	}
}

// sameContent сравнивает поля, которые меняются сверкой и правками
func sameContent(a, b *models.InventoryItem) bool {
	if a.Title != b.Title || a.Status != b.Status || !a.Price.Equal(b.Price) ||
		a.Currency != b.Currency || a.Views != b.Views || a.Favorites != b.Favorites ||
		a.PhotoCount != b.PhotoCount || a.URL != b.URL {
		return false
	}
	if (a.RemovedAt == nil) != (b.RemovedAt == nil) {
		return false
	}
	if len(a.Attributes) != len(b.Attributes) {
		return false
	}
	for k, v := range a.Attributes {
		if bv, ok := b.Attributes[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func validationReason(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed on %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
