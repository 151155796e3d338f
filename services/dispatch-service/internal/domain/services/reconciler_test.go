package services

import (
	"context"
	"encoding/json"
	"testing"

	pkgmodels "github.com/athebyme/crosslist-platform/pkg/models"
	"github.com/athebyme/crosslist-platform/pkg/utils"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	svcutils "github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listing(id, title, price string) pkgmodels.RemoteListing {
	return pkgmodels.RemoteListing{
		ExternalID: id,
		Title:      title,
		Status:     "active",
		Price:      decimal.RequireFromString(price),
		Currency:   "EUR",
	}
}

func snapshotOf(t *testing.T, complete bool, listings ...pkgmodels.RemoteListing) models.ListingSnapshot {
	t.Helper()
	s, err := pkgmodels.NewSnapshot(complete, listings...)
	require.NoError(t, err)
	return s
}

func itemsByExternalID(t *testing.T, env *testEnv, sess *ScopedSession) map[string]*models.InventoryItem {
	t.Helper()
	return itemsOn(t, env, sess, models.MarketplaceVinted)
}

func itemsOn(t *testing.T, env *testEnv, sess *ScopedSession, marketplace models.Marketplace) map[string]*models.InventoryItem {
	t.Helper()
	items, err := env.reconciler.ListItems(context.Background(), sess,
		models.InventoryFilter{Marketplace: marketplace, IncludeRemoved: true},
		utils.NewPagination(1, utils.MaxPageSize, "", false))
	require.NoError(t, err)

	out := make(map[string]*models.InventoryItem, len(items))
	for _, item := range items {
		out[item.ExternalID] = item
	}
	return out
}

func TestReconcileDiff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	_, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted,
		snapshotOf(t, true, listing("A", "Denim jacket", "25"), listing("B", "Wool scarf", "12")), ChangeOrigin{})
	require.NoError(t, err)

	report, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted,
		snapshotOf(t, true, listing("B", "Wool scarf", "10"), listing("C", "Leather boots", "60")), ChangeOrigin{TaskID: "task-2"})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Deleted)
	assert.Empty(t, report.Errors)

	items := itemsByExternalID(t, env, sess)
	require.Len(t, items, 3)
	assert.Equal(t, models.ItemRemoved, items["A"].Status)
	assert.NotNil(t, items["A"].RemovedAt)
	assert.True(t, items["B"].Price.Equal(decimal.RequireFromString("10")))
	assert.Equal(t, 2, items["B"].Version)
	assert.Equal(t, models.ItemActive, items["C"].Status)

	history, err := env.reconciler.ItemHistory(ctx, sess, items["A"].ID, 1)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, models.ChangeRemove, history[0].ChangeType)
	assert.Equal(t, "task-2", history[0].TaskID)

	state, err := env.reconciler.SyncState(ctx, sess, models.MarketplaceVinted)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "task-2", state.LastTaskID)
}

func TestReconcileIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)
	snapshot := snapshotOf(t, true, listing("A", "Denim jacket", "25"), listing("B", "Wool scarf", "12"))

	first, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted, snapshot, ChangeOrigin{})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)
	before := itemsByExternalID(t, env, sess)

	second, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted, snapshot, ChangeOrigin{})
	require.NoError(t, err)
	assert.False(t, second.Changed())
	assert.Equal(t, 2, second.Unchanged)

	after := itemsByExternalID(t, env, sess)
	for id, item := range before {
		assert.Equal(t, item.Version, after[id].Version)
		assert.True(t, item.UpdatedAt.Equal(after[id].UpdatedAt))
	}
}

func TestReconcileIncompleteSnapshotKeepsItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	_, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted,
		snapshotOf(t, true, listing("A", "Denim jacket", "25"), listing("B", "Wool scarf", "12")), ChangeOrigin{})
	require.NoError(t, err)

	report, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted,
		snapshotOf(t, false, listing("B", "Wool scarf", "12")), ChangeOrigin{})
	require.NoError(t, err)
	assert.Zero(t, report.Deleted)
	assert.Equal(t, 1, report.DeletesSkipped)
	assert.Equal(t, models.ItemActive, itemsByExternalID(t, env, sess)["A"].Status)
}

func TestReconcileRemovesOnlyActiveItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	sold := listing("S", "Wool scarf", "12")
	sold.Status = "sold"
	hidden := listing("H", "Silk tie", "15")
	hidden.Status = "hidden"

	_, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted,
		snapshotOf(t, true, listing("A", "Denim jacket", "25"), listing("B", "Leather boots", "60"), sold, hidden), ChangeOrigin{})
	require.NoError(t, err)

	report, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted,
		snapshotOf(t, true, listing("A", "Denim jacket", "25")), ChangeOrigin{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 1, report.Unchanged)

	items := itemsByExternalID(t, env, sess)
	assert.Equal(t, models.ItemRemoved, items["B"].Status)
	assert.Equal(t, models.ItemSold, items["S"].Status)
	assert.Nil(t, items["S"].RemovedAt)
	assert.Equal(t, 1, items["S"].Version)
	assert.Equal(t, models.ItemHidden, items["H"].Status)
}

func TestReconcileRoundsPriceToCents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)
	snapshot := snapshotOf(t, true, listing("A", "Table lamp", "9.999"))

	first, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted, snapshot, ChangeOrigin{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)

	second, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted, snapshot, ChangeOrigin{})
	require.NoError(t, err)
	assert.False(t, second.Changed())
	assert.Equal(t, 1, second.Unchanged)

	item := itemsByExternalID(t, env, sess)["A"]
	assert.True(t, item.Price.Equal(decimal.RequireFromString("10.00")))
	assert.Equal(t, 1, item.Version)

	report, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted,
		snapshotOf(t, false, listing("B", "Gold watch", "10000000000")), ChangeOrigin{})
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "B", report.Errors[0].ItemKey)
	assert.Contains(t, report.Errors[0].Reason, "out of range")
}

func TestReconcileInvalidItemIsReported(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	_, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted,
		snapshotOf(t, true, listing("A", "Denim jacket", "25"), listing("B", "Wool scarf", "12")), ChangeOrigin{})
	require.NoError(t, err)

	snapshot := snapshotOf(t, true, listing("B", "Wool scarf", "12"))
	// у A нет названия, объявление невалидно, но ключ известен
	snapshot.Listings = append(snapshot.Listings,
		json.RawMessage(`{"external_id":"A","price":"25"}`),
		json.RawMessage(`{"external_id":"C","title":"Cap","price":"-5"}`),
	)

	report, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted, snapshot, ChangeOrigin{})
	require.NoError(t, err)
	require.Len(t, report.Errors, 2)
	assert.Equal(t, "A", report.Errors[0].ItemKey)
	assert.Equal(t, "C", report.Errors[1].ItemKey)
	assert.Zero(t, report.Deleted)

	items := itemsByExternalID(t, env, sess)
	assert.Equal(t, models.ItemActive, items["A"].Status)
	assert.NotContains(t, items, "C")
}

func TestReconcileUnkeyedErrorSkipsDeletes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	_, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted,
		snapshotOf(t, true, listing("A", "Denim jacket", "25")), ChangeOrigin{})
	require.NoError(t, err)

	snapshot := snapshotOf(t, true)
	snapshot.Listings = append(snapshot.Listings, json.RawMessage(`{"title":"no key"}`))

	report, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted, snapshot, ChangeOrigin{})
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "#0", report.Errors[0].ItemKey)
	assert.Equal(t, 1, report.DeletesSkipped)
	assert.Zero(t, report.Deleted)
}

func TestReconcileRestoresReappearedItem(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	_, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted,
		snapshotOf(t, true, listing("A", "Denim jacket", "25")), ChangeOrigin{})
	require.NoError(t, err)
	_, err = env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted, snapshotOf(t, true), ChangeOrigin{})
	require.NoError(t, err)

	report, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted,
		snapshotOf(t, true, listing("A", "Denim jacket", "25")), ChangeOrigin{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)

	item := itemsByExternalID(t, env, sess)["A"]
	assert.Equal(t, models.ItemActive, item.Status)
	assert.Nil(t, item.RemovedAt)

	history, err := env.reconciler.ItemHistory(ctx, sess, item.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeRestore, history[0].ChangeType)
}

func TestApplyLocalEditChecksVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	_, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted,
		snapshotOf(t, true, listing("A", "Denim jacket", "25")), ChangeOrigin{})
	require.NoError(t, err)
	item := itemsByExternalID(t, env, sess)["A"]

	price := decimal.RequireFromString("19.90")
	updated, err := env.reconciler.ApplyLocalEdit(ctx, sess, item.ID, item.Version, models.ItemPatch{Price: &price}, ChangeOrigin{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, item.Version+1, updated.Version)
	assert.True(t, updated.Price.Equal(price))

	_, err = env.reconciler.ApplyLocalEdit(ctx, sess, item.ID, item.Version, models.ItemPatch{Price: &price}, ChangeOrigin{})
	assert.ErrorIs(t, err, svcutils.ErrVersionConflict)

	negative := decimal.RequireFromString("-1")
	_, err = env.reconciler.ApplyLocalEdit(ctx, sess, item.ID, updated.Version, models.ItemPatch{Price: &negative}, ChangeOrigin{})
	assert.ErrorIs(t, err, svcutils.ErrInvalidParams)

	huge := decimal.RequireFromString("10000000000")
	_, err = env.reconciler.ApplyLocalEdit(ctx, sess, item.ID, updated.Version, models.ItemPatch{Price: &huge}, ChangeOrigin{})
	assert.ErrorIs(t, err, svcutils.ErrInvalidParams)

	_, err = env.reconciler.ApplyLocalEdit(ctx, sess, "00000000-0000-0000-0000-000000000000", 1, models.ItemPatch{Price: &price}, ChangeOrigin{})
	assert.ErrorIs(t, err, svcutils.ErrItemNotFound)
}

func TestApplyStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.tenant(t)

	_, err := env.reconciler.Reconcile(ctx, sess, models.MarketplaceVinted,
		snapshotOf(t, true, listing("A", "Denim jacket", "25")), ChangeOrigin{})
	require.NoError(t, err)

	report, err := env.reconciler.ApplyStats(ctx, sess, models.MarketplaceVinted, pkgmodels.StatsSnapshot{
		Items: []pkgmodels.RemoteStats{
			{ExternalID: "A", Views: 120, Favorites: 7},
			{ExternalID: "Z", Views: 1},
		},
	}, ChangeOrigin{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "Z", report.Errors[0].ItemKey)

	item := itemsByExternalID(t, env, sess)["A"]
	assert.Equal(t, 120, item.Views)
	assert.Equal(t, 7, item.Favorites)
}
