// Package metrics содержит коллекторы Prometheus сервиса
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP
var (
	HTTPDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_durations_seconds",
		Help:    "Длительность HTTP запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "method", "status"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Общее количество HTTP запросов",
	}, []string{"path", "method", "status"})

	HTTPActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "http_active_requests",
		Help: "Количество активных HTTP запросов",
	})
)

// Задачи
var (
	TasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_tasks_created_total",
		Help: "Количество созданных задач",
	}, []string{"marketplace", "action"})

	TasksClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_tasks_claimed_total",
		Help: "Количество задач, выданных исполнителю",
	}, []string{"marketplace", "action"})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_tasks_finished_total",
		Help: "Количество задач, перешедших в конечное состояние",
	}, []string{"marketplace", "action", "state"})

	TasksSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_tasks_swept_total",
		Help: "Задачи, обработанные фоновым проходом",
	}, []string{"outcome"})

	DuplicateTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_duplicate_tasks_total",
		Help: "Отклоненные дубликаты задач",
	}, []string{"marketplace", "action"})

	WaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_wait_duration_seconds",
		Help:    "Длительность синхронного ожидания результата задачи",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"action", "outcome"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_deliveries_total",
		Help: "Передачи результатов задач потребителю",
	}, []string{"action", "path"})
)

// Лимитер
var (
	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_rate_limit_denials_total",
		Help: "Отказы лимитера изменяющих действий",
	}, []string{"marketplace", "stage"})
)

// Сверка
var (
	ReconcileItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_items_total",
		Help: "Объявления, обработанные сверкой",
	}, []string{"marketplace", "outcome"})
)

// Воркер
var (
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_messages_processed_total",
		Help: "Общее количество обработанных сообщений",
	}, []string{"topic", "status"})

	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worker_message_processing_duration_seconds",
		Help:    "Длительность обработки сообщений",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "worker_sweep_duration_seconds",
		Help:    "Длительность прохода по всем арендаторам",
		Buckets: prometheus.DefBuckets,
	})
)
