package interfaces

import (
	"context"
	"time"
)

// Message представляет сообщение в системе
type Message struct {
	ID          string            `json:"id"`
	Topic       string            `json:"topic"`
	Key         string            `json:"key"`
	Value       []byte            `json:"value"`
	Headers     map[string]string `json:"headers"`
	TenantID    string            `json:"tenant_id"`
	PublishedAt time.Time         `json:"published_at"`
}

// MessageHandler определяет функцию обработчика сообщений
type MessageHandler func(ctx context.Context, msg *Message) error

// ConsumerConfig содержит настройки для подписчика на сообщения
type ConsumerConfig struct {
	GroupID            string
	AutoCommit         bool
	AutoCommitInterval time.Duration
	PollTimeout        time.Duration
	AutoOffsetReset    string
}

// MessagingPort определяет интерфейс брокера сообщений
type MessagingPort interface {
	Publish(ctx context.Context, topic string, message []byte) error

	// PublishForTenant публикует сообщение с ключом и заголовком tenant_id,
	// чтобы события одного арендатора попадали в одну партицию
	PublishForTenant(ctx context.Context, topic string, message []byte, tenantID string) error

	// Subscribe подписывается на тему, возвращает функцию отписки
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (func() error, error)

	Close() error
}
