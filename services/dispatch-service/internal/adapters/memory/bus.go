package memory

import (
	"context"
	"sync"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/google/uuid"
)

// Bus синхронная шина сообщений: Publish вызывает обработчики
// подписчиков до возврата
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[int]interfaces.MessageHandler
	nextID   int
	sent     []*interfaces.Message
}

var _ interfaces.MessagingPort = (*Bus)(nil)

// NewBus создает шину
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[int]interfaces.MessageHandler)}
}

func (b *Bus) Publish(ctx context.Context, topic string, message []byte) error {
	return b.PublishForTenant(ctx, topic, message, "")
}

func (b *Bus) PublishForTenant(ctx context.Context, topic string, message []byte, tenantID string) error {
	msg := &interfaces.Message{
		ID:          uuid.New().String(),
		Topic:       topic,
		Key:         tenantID,
		Value:       append([]byte(nil), message...),
		Headers:     map[string]string{"tenant_id": tenantID},
		TenantID:    tenantID,
		PublishedAt: time.Now(),
	}

	b.mu.Lock()
	b.sent = append(b.sent, msg)
	handlers := make([]interfaces.MessageHandler, 0, len(b.handlers[topic]))
	for _, h := range b.handlers[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	// ошибки обработчиков не возвращаются издателю, как и у брокера
	for _, h := range handlers {
		_ = h(ctx, msg)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic string, handler interfaces.MessageHandler) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]interfaces.MessageHandler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[topic][id] = handler

	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[topic], id)
		return nil
	}, nil
}

// Sent возвращает опубликованные сообщения темы
func (b *Bus) Sent(topic string) []*interfaces.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*interfaces.Message
	for _, m := range b.sent {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (b *Bus) Close() error { return nil }
