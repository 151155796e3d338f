package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
)

const presenceKey = "executor:last_seen"

// Presence отметки последнего опроса очереди расширением
type Presence struct {
	cache interfaces.CachePort
	ttl   time.Duration
}

// NewPresence создает Presence. Исполнитель считается подключенным,
// если опрашивал очередь не позже ttl назад.
func NewPresence(cache interfaces.CachePort, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Presence{cache: cache, ttl: ttl}
}

// Touch отмечает опрос очереди исполнителем
func (p *Presence) Touch(ctx context.Context, tenantID, executorID string, now time.Time) error {
	data, err := json.Marshal(models.ExecutorPresence{ExecutorID: executorID, LastSeenAt: now})
	if err != nil {
		return err
	}
	if err := p.cache.SetWithTenant(ctx, presenceKey, data, tenantID, p.ttl); err != nil {
		return fmt.Errorf("failed to record executor presence: %w", err)
	}
	return nil
}

// Status последний опрос очереди исполнителем арендатора
func (p *Presence) Status(ctx context.Context, tenantID string, now time.Time) (models.ExecutorPresence, error) {
	data, err := p.cache.GetWithTenant(ctx, presenceKey, tenantID)
	if err != nil {
		return models.ExecutorPresence{}, fmt.Errorf("failed to read executor presence: %w", err)
	}
	if data == nil {
		return models.ExecutorPresence{}, nil
	}

	var presence models.ExecutorPresence
	if err := json.Unmarshal(data, &presence); err != nil {
		return models.ExecutorPresence{}, fmt.Errorf("failed to decode executor presence: %w", err)
	}
	presence.Online = now.Sub(presence.LastSeenAt) < p.ttl
	return presence, nil
}
