package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/cenkalti/backoff/v4"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/google/uuid"
)

const (
	headerMessageID = "message_id"
	headerTimestamp = "timestamp"
	headerTenantID  = "tenant_id"
	headerError     = "error"
)

// KafkaOptions настройки подключения к Kafka
type KafkaOptions struct {
	Brokers           []string
	GroupID           string
	ClientID          string
	DeadLetterTopic   string
	AutoOffsetReset   string
	SessionTimeout    time.Duration
	PollTimeout       time.Duration
	WriteTimeout      time.Duration
	EnableIdempotence bool
	CompressionType   string
	// MaxAttempts попыток обработки сообщения до отправки в DeadLetterTopic
	MaxAttempts int
}

// KafkaMessaging реализация MessagingPort с использованием Kafka
type KafkaMessaging struct {
	producer       *kafka.Producer
	consumers      map[string]*subscription
	consumersMutex sync.Mutex
	opts           KafkaOptions
	logger         interfaces.LoggerPort
}

var _ interfaces.MessagingPort = (*KafkaMessaging)(nil)

// NewKafkaMessaging создает новый экземпляр KafkaMessaging
func NewKafkaMessaging(opts KafkaOptions, logger interfaces.LoggerPort) (*KafkaMessaging, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka brokers are not configured")
	}
	if opts.ClientID == "" {
		opts.ClientID = "dispatch-service"
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 100 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 10 * time.Second
	}
	if opts.AutoOffsetReset == "" {
		opts.AutoOffsetReset = "earliest"
	}
	if opts.CompressionType == "" {
		opts.CompressionType = "snappy"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}

	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":            strings.Join(opts.Brokers, ","),
		"client.id":                    opts.ClientID + "-producer",
		"acks":                         "all", // максимальная надежность
		"enable.idempotence":           opts.EnableIdempotence,
		"retries":                      5,
		"retry.backoff.ms":             500,
		"compression.type":             opts.CompressionType,
		"linger.ms":                    10, // небольшая задержка для батчинга
		"message.max.bytes":            1000000,
		"queue.buffering.max.messages": 100000,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания Kafka producer: %w", err)
	}

	k := &KafkaMessaging{
		producer:  producer,
		consumers: make(map[string]*subscription),
		opts:      opts,
		logger:    logger,
	}

	go k.watchProducerEvents()

	return k, nil
}

// watchProducerEvents логирует ошибки producer, не привязанные к сообщению
func (k *KafkaMessaging) watchProducerEvents() {
	for ev := range k.producer.Events() {
		if e, ok := ev.(kafka.Error); ok {
			k.logger.Error("Ошибка Kafka producer",
				interfaces.LogField{Key: "error", Value: e.Error()},
				interfaces.LogField{Key: "code", Value: e.Code().String()},
			)
		}
	}
}

// messageToKafkaMessage преобразует сообщение в kafka.Message
func messageToKafkaMessage(topic string, message []byte, key string, headers map[string]string, now time.Time) *kafka.Message {
	kafkaHeaders := make([]kafka.Header, 0, len(headers)+2)
	for k, v := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: k, Value: []byte(v)})
	}

	// служебные заголовки
	kafkaHeaders = append(kafkaHeaders,
		kafka.Header{Key: headerMessageID, Value: []byte(uuid.New().String())},
		kafka.Header{Key: headerTimestamp, Value: []byte(strconv.FormatInt(now.UnixNano(), 10))},
	)

	var keyBytes []byte
	if key != "" {
		keyBytes = []byte(key)
	}

	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          message,
		Key:            keyBytes,
		Headers:        kafkaHeaders,
	}
}

// kafkaMessageToMessage преобразует kafka.Message в Message
func kafkaMessageToMessage(msg *kafka.Message) *interfaces.Message {
	headers := make(map[string]string, len(msg.Headers))
	for _, header := range msg.Headers {
		headers[header.Key] = string(header.Value)
	}

	var topic string
	if msg.TopicPartition.Topic != nil {
		topic = *msg.TopicPartition.Topic
	}

	publishedAt := msg.Timestamp
	if ts, err := strconv.ParseInt(headers[headerTimestamp], 10, 64); err == nil {
		publishedAt = time.Unix(0, ts)
	}

	return &interfaces.Message{
		ID:          headers[headerMessageID],
		Topic:       topic,
		Key:         string(msg.Key),
		Value:       msg.Value,
		Headers:     headers,
		TenantID:    headers[headerTenantID],
		PublishedAt: publishedAt,
	}
}

// Publish публикует сообщение и ждет подтверждения брокера
func (k *KafkaMessaging) Publish(ctx context.Context, topic string, message []byte) error {
	return k.produce(ctx, messageToKafkaMessage(topic, message, "", nil, time.Now()))
}

// PublishForTenant публикует сообщение с ключом арендатора
func (k *KafkaMessaging) PublishForTenant(ctx context.Context, topic string, message []byte, tenantID string) error {
	headers := map[string]string{headerTenantID: tenantID}
	return k.produce(ctx, messageToKafkaMessage(topic, message, tenantID, headers, time.Now()))
}

func (k *KafkaMessaging) produce(ctx context.Context, msg *kafka.Message) error {
	delivery := make(chan kafka.Event, 1)
	if err := k.producer.Produce(msg, delivery); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, k.opts.WriteTimeout)
	defer cancel()

	select {
	case ev := <-delivery:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event: %v", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("failed to deliver message: %w", m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to deliver message: %w", ctx.Err())
	}
}

// Subscribe подписывается на тему группой GroupID. Смещение фиксируется
// после обработки; сообщение, которое не удалось обработать за MaxAttempts,
// уходит в DeadLetterTopic.
func (k *KafkaMessaging) Subscribe(ctx context.Context, topic string, handler interfaces.MessageHandler) (func() error, error) {
	config := &interfaces.ConsumerConfig{
		GroupID:         k.opts.GroupID,
		AutoCommit:      false,
		PollTimeout:     k.opts.PollTimeout,
		AutoOffsetReset: k.opts.AutoOffsetReset,
	}
	return k.SubscribeWithConfig(ctx, topic, handler, config)
}

// SubscribeWithConfig подписывается на тему с дополнительными настройками
func (k *KafkaMessaging) SubscribeWithConfig(ctx context.Context, topic string, handler interfaces.MessageHandler, config *interfaces.ConsumerConfig) (func() error, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":     strings.Join(k.opts.Brokers, ","),
		"group.id":              config.GroupID,
		"client.id":             k.opts.ClientID + "-consumer",
		"auto.offset.reset":     config.AutoOffsetReset,
		"enable.auto.commit":    config.AutoCommit,
		"session.timeout.ms":    int(k.opts.SessionTimeout.Milliseconds()),
		"max.poll.interval.ms":  300000,
		"heartbeat.interval.ms": 3000,
		"fetch.wait.max.ms":     500,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка создания Kafka consumer: %w", err)
	}

	if err := consumer.Subscribe(topic, nil); err != nil {
		consumer.Close()
		return nil, fmt.Errorf("ошибка подписки на топик %s: %w", topic, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{consumer: consumer, cancel: cancel, done: make(chan struct{})}

	id := uuid.New().String()
	k.consumersMutex.Lock()
	k.consumers[id] = sub
	k.consumersMutex.Unlock()

	go func() {
		defer close(sub.done)
		k.consumeMessages(consumeCtx, consumer, handler, config)
	}()

	unsubscribe := func() error {
		k.consumersMutex.Lock()
		delete(k.consumers, id)
		k.consumersMutex.Unlock()
		return sub.stop()
	}

	return unsubscribe, nil
}

type subscription struct {
	consumer *kafka.Consumer
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	err      error
}

// stop останавливает чтение и закрывает consumer, повторный вызов безопасен
func (s *subscription) stop() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.err = s.consumer.Close()
	})
	return s.err
}

// consumeMessages читает сообщения до отмены контекста
func (k *KafkaMessaging) consumeMessages(ctx context.Context, consumer *kafka.Consumer, handler interfaces.MessageHandler, config *interfaces.ConsumerConfig) {
	for {
		if ctx.Err() != nil {
			return
		}

		ev := consumer.Poll(int(config.PollTimeout.Milliseconds()))
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			msg := kafkaMessageToMessage(e)
			if err := k.handle(ctx, msg, handler); err != nil {
				if ctx.Err() != nil {
					// смещение не фиксируем, сообщение получит другой потребитель группы
					return
				}
				k.deadLetter(ctx, msg, err)
			}

			if !config.AutoCommit {
				if _, err := consumer.CommitMessage(e); err != nil {
					k.logger.Warn("Не удалось зафиксировать смещение",
						interfaces.LogField{Key: "topic", Value: msg.Topic},
						interfaces.LogField{Key: "error", Value: err.Error()},
					)
				}
			}

		case kafka.Error:
			k.logger.Error("Ошибка Kafka consumer",
				interfaces.LogField{Key: "error", Value: e.Error()},
				interfaces.LogField{Key: "code", Value: e.Code().String()},
			)
			if e.IsFatal() {
				return
			}
		}
	}
}

// handle вызывает обработчик с повторами
func (k *KafkaMessaging) handle(ctx context.Context, msg *interfaces.Message, handler interfaces.MessageHandler) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(k.opts.MaxAttempts-1)),
		ctx,
	)

	return backoff.RetryNotify(func() error {
		return handler(ctx, msg)
	}, b, func(err error, next time.Duration) {
		k.logger.Warn("Ошибка обработки сообщения, повтор",
			interfaces.LogField{Key: "topic", Value: msg.Topic},
			interfaces.LogField{Key: "message_id", Value: msg.ID},
			interfaces.LogField{Key: "tenant_id", Value: msg.TenantID},
			interfaces.LogField{Key: "retry_in", Value: next.String()},
			interfaces.LogField{Key: "error", Value: err.Error()},
		)
	})
}

func (k *KafkaMessaging) deadLetter(ctx context.Context, msg *interfaces.Message, cause error) {
	k.logger.Error("Сообщение не обработано",
		interfaces.LogField{Key: "topic", Value: msg.Topic},
		interfaces.LogField{Key: "message_id", Value: msg.ID},
		interfaces.LogField{Key: "tenant_id", Value: msg.TenantID},
		interfaces.LogField{Key: "error", Value: cause.Error()},
	)
	if k.opts.DeadLetterTopic == "" {
		return
	}

	headers := make(map[string]string, len(msg.Headers)+1)
	for key, v := range msg.Headers {
		if key != headerMessageID && key != headerTimestamp {
			headers[key] = v
		}
	}
	headers[headerError] = cause.Error()

	dlq := messageToKafkaMessage(k.opts.DeadLetterTopic, msg.Value, msg.Key, headers, time.Now())
	if err := k.produce(ctx, dlq); err != nil {
		k.logger.Error("Не удалось отправить сообщение в DLQ",
			interfaces.LogField{Key: "topic", Value: k.opts.DeadLetterTopic},
			interfaces.LogField{Key: "error", Value: err.Error()},
		)
	}
}

// EnsureTopics создает темы, которых еще нет
func (k *KafkaMessaging) EnsureTopics(ctx context.Context, partitions, replicationFactor int, topics ...string) error {
	adminClient, err := kafka.NewAdminClientFromProducer(k.producer)
	if err != nil {
		return fmt.Errorf("ошибка создания Kafka admin client: %w", err)
	}
	defer adminClient.Close()

	specs := make([]kafka.TopicSpecification, 0, len(topics))
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		specs = append(specs, kafka.TopicSpecification{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: replicationFactor,
		})
	}

	result, err := adminClient.CreateTopics(ctx, specs, kafka.SetAdminOperationTimeout(30*time.Second))
	if err != nil {
		return fmt.Errorf("ошибка создания топиков: %w", err)
	}

	for _, r := range result {
		if code := r.Error.Code(); code != kafka.ErrNoError && code != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("ошибка создания топика %s: %s", r.Topic, r.Error.String())
		}
	}

	return nil
}

// Close останавливает потребителей и дожидается отправки сообщений
func (k *KafkaMessaging) Close() error {
	k.consumersMutex.Lock()
	subs := make([]*subscription, 0, len(k.consumers))
	for id, sub := range k.consumers {
		subs = append(subs, sub)
		delete(k.consumers, id)
	}
	k.consumersMutex.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.stop(); err != nil {
			errs = append(errs, err)
		}
	}

	// ждем до 15 секунд для отправки всех сообщений
	k.producer.Flush(15 * 1000)
	k.producer.Close()

	return errors.Join(errs...)
}
