package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/athebyme/crosslist-platform/pkg/tx"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/infrastructure/postgres"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// DefaultQuotaTier тариф нового арендатора
const DefaultQuotaTier = "standard"

// ScopedSession доступ к данным одного арендатора.
// Все операции выполняются в транзакции, привязанной к его схеме.
type ScopedSession struct {
	tenant models.Tenant
	scope  tx.Scope
	txm    tx.TxManager
}

// TenantID идентификатор арендатора сессии
func (s *ScopedSession) TenantID() string { return s.scope.TenantID }

// Schema схема арендатора
func (s *ScopedSession) Schema() string { return s.scope.Schema }

// Tenant копия записи арендатора на момент разрешения
func (s *ScopedSession) Tenant() models.Tenant { return s.tenant }

// Do выполняет fn в транзакции схемы арендатора. Внутри уже открытой
// транзакции того же арендатора fn выполняется в ней.
func (s *ScopedSession) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.txm.DoScoped(ctx, s.scope, fn)
}

// Savepoint выполняет fn в точке сохранения текущей транзакции
func (s *ScopedSession) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.txm.Nested(ctx, fn)
}

// TenantRouter сопоставляет арендатора с его схемой
type TenantRouter struct {
	repo   postgres.TenantRepository
	txm    tx.TxManager
	cache  *cache.Cache
	group  singleflight.Group
	clock  Clock
	logger interfaces.LoggerPort
}

// NewTenantRouter создает TenantRouter. Разрешенные арендаторы
// кэшируются на cacheTTL, отказы не кэшируются.
func NewTenantRouter(repo postgres.TenantRepository, txm tx.TxManager, cacheTTL time.Duration, clock Clock, logger interfaces.LoggerPort) *TenantRouter {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &TenantRouter{
		repo:   repo,
		txm:    txm,
		cache:  cache.New(cacheTTL, 2*cacheTTL),
		clock:  clock,
		logger: logger,
	}
}

func (r *TenantRouter) session(t *models.Tenant) *ScopedSession {
	return &ScopedSession{
		tenant: *t,
		scope:  tx.Scope{TenantID: t.ID, Schema: t.SchemaName},
		txm:    r.txm,
	}
}

// Resolve возвращает сессию арендатора.
// Ошибки: utils.ErrTenantNotFound, utils.ErrNamespaceNotProvisioned.
func (r *TenantRouter) Resolve(ctx context.Context, tenantID string) (*ScopedSession, error) {
	id, ok := models.NormalizeTenantID(tenantID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", utils.ErrTenantNotFound, tenantID)
	}

	if cached, found := r.cache.Get(id); found {
		return r.session(cached.(*models.Tenant)), nil
	}

	v, err, _ := r.group.Do(id, func() (interface{}, error) {
		return r.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}

	return r.session(v.(*models.Tenant)), nil
}

func (r *TenantRouter) load(ctx context.Context, id string) (*models.Tenant, error) {
	t, err := r.repo.GetTenant(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", utils.ErrTenantNotFound, id)
	}

	expected, _ := models.SchemaNameFor(id)
	if t.SchemaName != expected || !tx.ValidSchemaName(t.SchemaName) {
		r.logger.ErrorWithContext(ctx, "Схема арендатора не соответствует его идентификатору",
			interfaces.LogField{Key: "tenant_id", Value: id},
			interfaces.LogField{Key: "schema", Value: t.SchemaName},
		)
		return nil, fmt.Errorf("%w: %s", utils.ErrNamespaceNotProvisioned, id)
	}

	if !t.Provisioned() {
		return nil, fmt.Errorf("%w: %s", utils.ErrNamespaceNotProvisioned, id)
	}

	exists, err := r.repo.NamespaceExists(ctx, t.SchemaName)
	if err != nil {
		return nil, err
	}
	if !exists {
		// схема создается синхронно при регистрации, ее отсутствие означает ошибку
		r.logger.ErrorWithContext(ctx, "Схема арендатора отсутствует в БД",
			interfaces.LogField{Key: "tenant_id", Value: id},
			interfaces.LogField{Key: "schema", Value: t.SchemaName},
		)
		return nil, fmt.Errorf("%w: %s", utils.ErrNamespaceNotProvisioned, id)
	}

	r.cache.SetDefault(id, t)
	return t, nil
}

// Provision регистрирует арендатора и создает его схему.
// Повторный вызов для того же ID возвращает уже созданного арендатора.
func (r *TenantRouter) Provision(ctx context.Context, tenant models.Tenant) (*models.Tenant, error) {
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}

	id, ok := models.NormalizeTenantID(tenant.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", utils.ErrInvalidTenantID, tenant.ID)
	}
	tenant.ID = id
	tenant.SchemaName, _ = models.SchemaNameFor(id)
	if tenant.QuotaTier == "" {
		tenant.QuotaTier = DefaultQuotaTier
	}

	provisioned, err := r.repo.ProvisionTenant(ctx, &tenant, r.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to provision tenant: %w", err)
	}

	r.cache.Delete(id)

	r.logger.InfoWithContext(ctx, "Арендатор зарегистрирован",
		interfaces.LogField{Key: "tenant_id", Value: provisioned.ID},
		interfaces.LogField{Key: "schema", Value: provisioned.SchemaName},
		interfaces.LogField{Key: "quota_tier", Value: provisioned.QuotaTier},
	)

	return provisioned, nil
}

// ListProvisioned возвращает сессии всех арендаторов с созданной схемой
func (r *TenantRouter) ListProvisioned(ctx context.Context) ([]*ScopedSession, error) {
	tenants, err := r.repo.ListProvisioned(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	sessions := make([]*ScopedSession, 0, len(tenants))
	for _, t := range tenants {
		if !tx.ValidSchemaName(t.SchemaName) {
			r.logger.Warn("Пропуск арендатора с некорректной схемой",
				interfaces.LogField{Key: "tenant_id", Value: t.ID})
			continue
		}
		sessions = append(sessions, r.session(t))
	}
	return sessions, nil
}

// Invalidate удаляет арендатора из кэша
func (r *TenantRouter) Invalidate(tenantID string) {
	if id, ok := models.NormalizeTenantID(tenantID); ok {
		r.cache.Delete(id)
	}
}

// IsTenantError сообщает, что ошибка связана с разрешением арендатора
func IsTenantError(err error) bool {
	return errors.Is(err, utils.ErrTenantNotFound) || errors.Is(err, utils.ErrNamespaceNotProvisioned)
}
