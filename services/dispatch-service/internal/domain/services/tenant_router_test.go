package services

import (
	"context"
	"testing"

	"github.com/athebyme/crosslist-platform/pkg/tx"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := uuid.New().String()

	first, err := env.router.Provision(ctx, models.Tenant{ID: id, QuotaTier: "pro"})
	require.NoError(t, err)
	second, err := env.router.Provision(ctx, models.Tenant{ID: id})
	require.NoError(t, err)

	assert.Equal(t, first.SchemaName, second.SchemaName)
	assert.Equal(t, "pro", second.QuotaTier)
	require.NotNil(t, second.ProvisionedAt)
	assert.True(t, first.ProvisionedAt.Equal(*second.ProvisionedAt))

	sessions, err := env.router.ListProvisioned(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestProvisionRejectsInvalidID(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.router.Provision(context.Background(), models.Tenant{ID: "acme"})
	assert.ErrorIs(t, err, utils.ErrInvalidTenantID)
}

func TestResolveUnknownTenant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.router.Resolve(ctx, uuid.New().String())
	assert.ErrorIs(t, err, utils.ErrTenantNotFound)

	_, err = env.router.Resolve(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, utils.ErrTenantNotFound)
	assert.True(t, IsTenantError(err))
}

func TestResolveMissingNamespace(t *testing.T) {
	env := newTestEnv(t)
	sess := env.tenant(t)

	env.store.DropSchema(sess.Schema())
	env.router.Invalidate(sess.TenantID())

	_, err := env.router.Resolve(context.Background(), sess.TenantID())
	assert.ErrorIs(t, err, utils.ErrNamespaceNotProvisioned)
}

func TestResolveNormalizesID(t *testing.T) {
	env := newTestEnv(t)
	sess := env.tenant(t)

	upper, err := env.router.Resolve(context.Background(), "{"+sess.TenantID()+"}")
	require.NoError(t, err)
	assert.Equal(t, sess.TenantID(), upper.TenantID())
	assert.Equal(t, sess.Schema(), upper.Schema())
}

func TestTenantsAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.tenant(t)
	b := env.tenant(t)

	task := env.enqueue(t, a, models.ActionFetchListings, models.MarketplaceVinted, `{}`)

	_, err := env.queue.Get(ctx, b, task.ID)
	assert.ErrorIs(t, err, utils.ErrTaskNotFound)

	claimed, err := env.queue.ClaimNext(ctx, b, "ext-b", env.clock.Now())
	require.NoError(t, err)
	assert.Nil(t, claimed)

	_, err = env.queue.Complete(ctx, b, task.ID, "ext-b", []byte(`{}`), env.clock.Now())
	assert.ErrorIs(t, err, utils.ErrInvalidTransition)

	got, err := env.queue.Get(ctx, a, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.State)
}

func TestScopedAccessRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	env.tenant(t)

	_, err := env.store.Tasks().GetTask(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, tx.ErrNoScope)
}
