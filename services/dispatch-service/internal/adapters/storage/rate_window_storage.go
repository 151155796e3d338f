package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/infrastructure/postgres"
	"github.com/jackc/pgx/v5"
)

// RateWindowStorage журнал изменяющих действий в схеме арендатора.
// Одна строка на площадку, отметки времени хранятся массивом.
type RateWindowStorage struct{}

var _ postgres.RateWindowRepository = (*RateWindowStorage)(nil)

// Reserve блокирует строку площадки до конца транзакции, отбрасывает
// отметки вне окна и добавляет новые, если квота это позволяет
func (s *RateWindowStorage) Reserve(ctx context.Context, marketplace models.Marketplace, quota models.Quota, weight int, now time.Time) (models.Reservation, error) {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return models.Reservation{}, err
	}

	_, err = ex.Exec(ctx, `
		INSERT INTO rate_windows (marketplace, tenant_id, entries, updated_at)
		VALUES ($1, $2, '{}', $3)
		ON CONFLICT (marketplace) DO NOTHING
	`, string(marketplace), scope.TenantID, now)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("failed to init rate window: %w", err)
	}

	var entries []time.Time
	err = ex.QueryRow(ctx, `
		SELECT entries FROM rate_windows
		WHERE marketplace = $1 AND tenant_id = $2
		FOR UPDATE
	`, string(marketplace), scope.TenantID).Scan(&entries)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("failed to lock rate window: %w", err)
	}

	live := quota.Live(entries, now)
	if len(live)+weight > quota.MaxActions {
		return models.Reservation{
			Allowed:    false,
			RetryAfter: quota.RetryAfter(live, 0, weight, now),
			Remaining:  max(quota.MaxActions-len(live), 0),
		}, nil
	}

	for i := 0; i < weight; i++ {
		live = append(live, now)
	}

	_, err = ex.Exec(ctx, `
		UPDATE rate_windows SET entries = $3, updated_at = $4
		WHERE marketplace = $1 AND tenant_id = $2
	`, string(marketplace), scope.TenantID, live, now)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("failed to update rate window: %w", err)
	}

	return models.Reservation{
		Allowed:   true,
		Remaining: quota.MaxActions - len(live),
	}, nil
}

// Entries возвращает отметки площадки, еще не покинувшие окно
func (s *RateWindowStorage) Entries(ctx context.Context, marketplace models.Marketplace, window time.Duration, now time.Time) ([]time.Time, error) {
	ex, scope, err := scopedExecutor(ctx)
	if err != nil {
		return nil, err
	}

	var entries []time.Time
	err = ex.QueryRow(ctx, `
		SELECT entries FROM rate_windows WHERE marketplace = $1 AND tenant_id = $2
	`, string(marketplace), scope.TenantID).Scan(&entries)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get rate window: %w", err)
	}

	return models.Quota{Window: window}.Live(entries, now), nil
}
