package services

import (
	"context"
	"fmt"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/infrastructure/postgres"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/metrics"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
)

// QuotaPolicy квоты изменяющих действий.
// Порядок поиска: квота арендатора в БД, тариф арендатора, площадка, Fallback.
type QuotaPolicy struct {
	Defaults map[models.Marketplace]models.Quota
	Tiers    map[string]map[models.Marketplace]models.Quota
	Fallback models.Quota
}

// DefaultQuotaPolicy квоты по умолчанию
func DefaultQuotaPolicy() QuotaPolicy {
	return QuotaPolicy{
		Defaults: map[models.Marketplace]models.Quota{
			models.MarketplaceVinted:    {MaxActions: 40, Window: 2 * time.Hour},
			models.MarketplaceLeboncoin: {MaxActions: 30, Window: 2 * time.Hour},
			models.MarketplaceDepop:     {MaxActions: 60, Window: time.Hour},
			models.MarketplaceEbay:      {MaxActions: 200, Window: time.Hour},
			models.MarketplaceEtsy:      {MaxActions: 100, Window: time.Hour},
		},
		Fallback: models.Quota{MaxActions: 30, Window: time.Hour},
	}
}

func (p QuotaPolicy) lookup(tier string, marketplace models.Marketplace) models.Quota {
	if byTier, ok := p.Tiers[tier]; ok {
		if q, ok := byTier[marketplace]; ok {
			return q
		}
	}
	if q, ok := p.Defaults[marketplace]; ok {
		return q
	}
	return p.Fallback
}

// RateLimiter скользящее окно изменяющих действий по паре (арендатор, площадка).
// Журнал хранится в БД, поэтому все процессы видят одно и то же окно.
type RateLimiter struct {
	tenants postgres.TenantRepository
	windows postgres.RateWindowRepository
	tasks   postgres.TaskRepository
	policy  QuotaPolicy
	logger  interfaces.LoggerPort
}

// NewRateLimiter создает RateLimiter
func NewRateLimiter(repo postgres.Port, policy QuotaPolicy, logger interfaces.LoggerPort) *RateLimiter {
	return &RateLimiter{
		tenants: repo.Tenants(),
		windows: repo.RateWindows(),
		tasks:   repo.Tasks(),
		policy:  policy,
		logger:  logger,
	}
}

// QuotaFor возвращает квоту арендатора на площадке
func (l *RateLimiter) QuotaFor(ctx context.Context, sess *ScopedSession, marketplace models.Marketplace) (models.Quota, error) {
	override, err := l.tenants.GetQuotaOverride(ctx, sess.TenantID(), marketplace)
	if err != nil {
		return models.Quota{}, err
	}
	if override != nil {
		return *override, nil
	}
	return l.policy.lookup(sess.Tenant().QuotaTier, marketplace), nil
}

// SetQuota задает арендатору собственную квоту на площадке
func (l *RateLimiter) SetQuota(ctx context.Context, sess *ScopedSession, marketplace models.Marketplace, quota models.Quota) error {
	if quota.Unlimited() {
		return fmt.Errorf("%w: quota must be positive", utils.ErrInvalidParams)
	}
	return l.tenants.SetQuotaOverride(ctx, sess.TenantID(), marketplace, quota)
}

// Reserve атомарно резервирует weight действий в окне.
// Вызывается при выдаче изменяющей задачи исполнителю.
func (l *RateLimiter) Reserve(ctx context.Context, sess *ScopedSession, marketplace models.Marketplace, weight int, now time.Time) (models.Reservation, error) {
	if weight < 1 {
		return models.Reservation{}, utils.ErrInvalidWeight
	}

	var res models.Reservation
	err := sess.Do(ctx, func(ctx context.Context) error {
		quota, err := l.QuotaFor(ctx, sess, marketplace)
		if err != nil {
			return err
		}
		if quota.Unlimited() {
			res = models.Reservation{Allowed: true}
			return nil
		}

		res, err = l.windows.Reserve(ctx, marketplace, quota, weight, now)
		return err
	})
	if err != nil {
		return models.Reservation{}, fmt.Errorf("failed to reserve rate window: %w", err)
	}

	if !res.Allowed {
		metrics.RateLimitDenials.WithLabelValues(string(marketplace), "claim").Inc()
		l.logger.InfoWithContext(ctx, "Квота площадки исчерпана",
			interfaces.LogField{Key: "tenant_id", Value: sess.TenantID()},
			interfaces.LogField{Key: "marketplace", Value: marketplace},
			interfaces.LogField{Key: "retry_after", Value: res.RetryAfter.String()},
		)
	}

	return res, nil
}

// Check оценивает, поместится ли новая задача в окно, ничего не резервируя.
// Учитываются отметки в окне и изменяющие задачи, ожидающие выдачи.
func (l *RateLimiter) Check(ctx context.Context, sess *ScopedSession, marketplace models.Marketplace, weight int, now time.Time) (models.Reservation, error) {
	if weight < 1 {
		return models.Reservation{}, utils.ErrInvalidWeight
	}

	var res models.Reservation
	err := sess.Do(ctx, func(ctx context.Context) error {
		quota, err := l.QuotaFor(ctx, sess, marketplace)
		if err != nil {
			return err
		}
		if quota.Unlimited() {
			res = models.Reservation{Allowed: true}
			return nil
		}

		live, err := l.windows.Entries(ctx, marketplace, quota.Window, now)
		if err != nil {
			return err
		}
		pending, err := l.tasks.CountPending(ctx, marketplace, MutatingActions())
		if err != nil {
			return err
		}

		used := len(live) + pending
		if used+weight > quota.MaxActions {
			res = models.Reservation{
				Allowed:    false,
				RetryAfter: quota.RetryAfter(live, pending, weight, now),
				Remaining:  max(quota.MaxActions-used, 0),
			}
			return nil
		}

		res = models.Reservation{Allowed: true, Remaining: quota.MaxActions - used - weight}
		return nil
	})
	if err != nil {
		return models.Reservation{}, fmt.Errorf("failed to check rate window: %w", err)
	}

	if !res.Allowed {
		metrics.RateLimitDenials.WithLabelValues(string(marketplace), "dispatch").Inc()
	}

	return res, nil
}

// Usage текущее заполнение окна площадки
func (l *RateLimiter) Usage(ctx context.Context, sess *ScopedSession, marketplace models.Marketplace, now time.Time) (models.RateUsage, error) {
	usage := models.RateUsage{Marketplace: marketplace}

	err := sess.Do(ctx, func(ctx context.Context) error {
		quota, err := l.QuotaFor(ctx, sess, marketplace)
		if err != nil {
			return err
		}
		usage.Limit = quota.MaxActions
		usage.Window = quota.Window
		if quota.Unlimited() {
			return nil
		}

		live, err := l.windows.Entries(ctx, marketplace, quota.Window, now)
		if err != nil {
			return err
		}
		usage.Used = len(live)
		if len(live) > 0 {
			usage.ResetsIn = live[0].Add(quota.Window).Sub(now)
		}

		usage.Pending, err = l.tasks.CountPending(ctx, marketplace, MutatingActions())
		return err
	})
	if err != nil {
		return models.RateUsage{}, fmt.Errorf("failed to get rate usage: %w", err)
	}

	return usage, nil
}

// DeniedError превращает отказ лимитера в ошибку для вызывающего
func DeniedError(marketplace models.Marketplace, res models.Reservation) error {
	return &utils.RateLimitedError{Marketplace: string(marketplace), RetryAfter: res.RetryAfter}
}
