package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/tx"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/infrastructure/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tenantColumns = `id::text, schema_name, quota_tier, session_fingerprint, provisioned_at, created_at`

// TenantStorage хранилище арендаторов в управляющей схеме public
type TenantStorage struct {
	pool      *pgxpool.Pool
	txManager tx.TxManager
}

var _ postgres.TenantRepository = (*TenantStorage)(nil)

// NewTenantStorage создает хранилище арендаторов
func NewTenantStorage(pool *pgxpool.Pool, txManager tx.TxManager) *TenantStorage {
	return &TenantStorage{pool: pool, txManager: txManager}
}

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	if err := row.Scan(&t.ID, &t.SchemaName, &t.QuotaTier, &t.SessionFingerprint, &t.ProvisionedAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTenant получает арендатора по ID
func (s *TenantStorage) GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM public.tenants WHERE id = $1`

	t, err := scanTenant(controlExecutor(ctx, s.pool).QueryRow(ctx, query, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

// NamespaceExists проверяет наличие схемы в каталоге
func (s *TenantStorage) NamespaceExists(ctx context.Context, schema string) (bool, error) {
	var exists bool
	err := controlExecutor(ctx, s.pool).QueryRow(ctx,
		`SELECT to_regnamespace($1) IS NOT NULL`, schema).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check namespace: %w", err)
	}
	return exists, nil
}

// ProvisionTenant создает арендатора и его схему в одной транзакции
// под advisory-блокировкой на ID арендатора
func (s *TenantStorage) ProvisionTenant(ctx context.Context, tenant *models.Tenant, now time.Time) (*models.Tenant, error) {
	if !tx.ValidSchemaName(tenant.SchemaName) {
		return nil, fmt.Errorf("%w: %q", tx.ErrInvalidSchema, tenant.SchemaName)
	}

	var provisioned *models.Tenant

	err := s.txManager.Do(ctx, func(ctx context.Context) error {
		ex := controlExecutor(ctx, s.pool)

		if _, err := ex.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "tenant:"+tenant.ID); err != nil {
			return fmt.Errorf("failed to acquire tenant lock: %w", err)
		}

		_, err := ex.Exec(ctx, `
			INSERT INTO public.tenants (id, schema_name, quota_tier, session_fingerprint, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, tenant.ID, tenant.SchemaName, tenant.QuotaTier, tenant.SessionFingerprint, now)
		if err != nil {
			return fmt.Errorf("failed to save tenant: %w", err)
		}

		schema := pgx.Identifier{tenant.SchemaName}.Sanitize()
		if _, err := ex.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}

		if _, err := ex.Exec(ctx, `SELECT set_config('search_path', $1, true)`, tenant.SchemaName); err != nil {
			return fmt.Errorf("failed to set search_path: %w", err)
		}

		for i, stmt := range tenantSchemaStatements {
			if _, err := ex.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply tenant schema statement %d: %w", i, err)
			}
		}

		if _, err := ex.Exec(ctx, stampSchemaVersion, tenantSchemaVersion); err != nil {
			return fmt.Errorf("failed to stamp schema version: %w", err)
		}

		row := ex.QueryRow(ctx, `
			UPDATE public.tenants SET provisioned_at = COALESCE(provisioned_at, $2)
			WHERE id = $1
			RETURNING `+tenantColumns, tenant.ID, now)

		t, err := scanTenant(row)
		if err != nil {
			return fmt.Errorf("failed to mark tenant provisioned: %w", err)
		}
		provisioned = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	return provisioned, nil
}

// ListProvisioned возвращает арендаторов с созданной схемой
func (s *TenantStorage) ListProvisioned(ctx context.Context) ([]*models.Tenant, error) {
	rows, err := controlExecutor(ctx, s.pool).Query(ctx, `
		SELECT `+tenantColumns+` FROM public.tenants
		WHERE provisioned_at IS NOT NULL
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant row: %w", err)
		}
		tenants = append(tenants, t)
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("error while iterating tenant rows: %w", rows.Err())
	}

	return tenants, nil
}

// GetQuotaOverride возвращает квоту арендатора на площадке
func (s *TenantStorage) GetQuotaOverride(ctx context.Context, tenantID string, marketplace models.Marketplace) (*models.Quota, error) {
	var maxActions, windowSeconds int
	err := controlExecutor(ctx, s.pool).QueryRow(ctx, `
		SELECT max_actions, window_seconds FROM public.tenant_quotas
		WHERE tenant_id = $1 AND marketplace = $2
	`, tenantID, string(marketplace)).Scan(&maxActions, &windowSeconds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get quota override: %w", err)
	}

	return &models.Quota{MaxActions: maxActions, Window: time.Duration(windowSeconds) * time.Second}, nil
}

// SetQuotaOverride сохраняет квоту арендатора на площадке
func (s *TenantStorage) SetQuotaOverride(ctx context.Context, tenantID string, marketplace models.Marketplace, quota models.Quota) error {
	_, err := controlExecutor(ctx, s.pool).Exec(ctx, `
		INSERT INTO public.tenant_quotas (tenant_id, marketplace, max_actions, window_seconds)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, marketplace)
		DO UPDATE SET max_actions = $3, window_seconds = $4
	`, tenantID, string(marketplace), quota.MaxActions, int(quota.Window.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to save quota override: %w", err)
	}
	return nil
}
