package memory

import (
	"context"
	"sort"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/tx"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
)

type tenantRepo struct {
	s *Store
}

func (r *tenantRepo) GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	var out *models.Tenant
	err := r.s.locked(ctx, func() error {
		if t, ok := r.s.tenants[tenantID]; ok {
			cp := *t
			out = &cp
		}
		return nil
	})
	return out, err
}

func (r *tenantRepo) NamespaceExists(ctx context.Context, schema string) (bool, error) {
	var exists bool
	err := r.s.locked(ctx, func() error {
		_, exists = r.s.schemas[schema]
		return nil
	})
	return exists, err
}

func (r *tenantRepo) ProvisionTenant(ctx context.Context, tenant *models.Tenant, now time.Time) (*models.Tenant, error) {
	if !tx.ValidSchemaName(tenant.SchemaName) {
		return nil, tx.ErrInvalidSchema
	}

	var out *models.Tenant
	err := r.s.locked(ctx, func() error {
		t, ok := r.s.tenants[tenant.ID]
		if !ok {
			cp := *tenant
			cp.CreatedAt = now
			cp.ProvisionedAt = nil
			t = &cp
			r.s.tenants[tenant.ID] = t
		}

		if _, ok := r.s.schemas[t.SchemaName]; !ok {
			r.s.schemas[t.SchemaName] = newSchemaData()
		}

		if t.ProvisionedAt == nil {
			at := now
			t.ProvisionedAt = &at
		}

		cp := *t
		out = &cp
		return nil
	})
	return out, err
}

func (r *tenantRepo) ListProvisioned(ctx context.Context) ([]*models.Tenant, error) {
	var out []*models.Tenant
	err := r.s.locked(ctx, func() error {
		for _, t := range r.s.tenants {
			if t.Provisioned() {
				cp := *t
				out = append(out, &cp)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

func (r *tenantRepo) GetQuotaOverride(ctx context.Context, tenantID string, marketplace models.Marketplace) (*models.Quota, error) {
	var out *models.Quota
	err := r.s.locked(ctx, func() error {
		if q, ok := r.s.quotas[quotaKey{tenantID, marketplace}]; ok {
			out = &q
		}
		return nil
	})
	return out, err
}

func (r *tenantRepo) SetQuotaOverride(ctx context.Context, tenantID string, marketplace models.Marketplace, quota models.Quota) error {
	return r.s.locked(ctx, func() error {
		r.s.quotas[quotaKey{tenantID, marketplace}] = quota
		return nil
	})
}
