package memory

import (
	"context"
	"time"

	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
)

type rateWindowRepo struct {
	s *Store
}

func (r *rateWindowRepo) Reserve(ctx context.Context, marketplace models.Marketplace, quota models.Quota, weight int, now time.Time) (models.Reservation, error) {
	data, _, err := r.s.scoped(ctx)
	if err != nil {
		return models.Reservation{}, err
	}

	live := quota.Live(data.windows[marketplace], now)
	if len(live)+weight > quota.MaxActions {
		data.windows[marketplace] = live
		return models.Reservation{
			Allowed:    false,
			RetryAfter: quota.RetryAfter(live, 0, weight, now),
			Remaining:  max(quota.MaxActions-len(live), 0),
		}, nil
	}

	for i := 0; i < weight; i++ {
		live = append(live, now)
	}
	data.windows[marketplace] = live

	return models.Reservation{Allowed: true, Remaining: quota.MaxActions - len(live)}, nil
}

func (r *rateWindowRepo) Entries(ctx context.Context, marketplace models.Marketplace, window time.Duration, now time.Time) ([]time.Time, error) {
	data, _, err := r.s.scoped(ctx)
	if err != nil {
		return nil, err
	}
	return models.Quota{Window: window}.Live(data.windows[marketplace], now), nil
}
