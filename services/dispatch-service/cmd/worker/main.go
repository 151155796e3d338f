package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/config"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/adapters/logger"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/app"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Метрики для Prometheus
var (
	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_messages_processed_total",
		Help: "Общее количество обработанных сообщений",
	}, []string{"topic", "status"})

	messageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worker_message_processing_duration_seconds",
		Help:    "Длительность обработки сообщений",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic"})
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log, err := logger.NewZapLogger(cfg.LogLevel, cfg.IsProduction())
	if err != nil {
		fmt.Printf("Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Инициализация воркера",
		interfaces.LogField{Key: "app_name", Value: cfg.AppName + "-worker"},
		interfaces.LogField{Key: "version", Value: cfg.Version},
		interfaces.LogField{Key: "env", Value: cfg.ENV},
	)

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Ошибка инициализации зависимостей", interfaces.LogField{Key: "error", Value: err.Error()})
	}
	defer application.Close()

	// Запускаем HTTP сервер для метрик если они включены
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("OK"))
			})

			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Info("Запуск HTTP сервера для метрик", interfaces.LogField{Key: "addr", Value: addr})

			server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Ошибка запуска HTTP сервера для метрик", interfaces.LogField{Key: "error", Value: err.Error()})
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	if application.Kafka != nil {
		if err := application.Kafka.EnsureTopics(gctx, 3, 1, models.TopicTaskEvents, cfg.Kafka.DeadLetterTopic); err != nil {
			log.Warn("Не удалось создать темы Kafka", interfaces.LogField{Key: "error", Value: err.Error()})
		}

		unsubscribe, err := application.Kafka.Subscribe(gctx, models.TopicTaskEvents, instrument(models.TopicTaskEvents, application.Dispatcher.HandleEvent))
		if err != nil {
			log.Fatal("Ошибка подписки на события задач", interfaces.LogField{Key: "error", Value: err.Error()})
		}
		defer unsubscribe()
		log.Info("Подписка на события задач", interfaces.LogField{Key: "topic", Value: models.TopicTaskEvents})
	} else {
		log.Warn("Kafka выключена: воркер только запускает Sweeper")
	}

	g.Go(func() error {
		return application.Sweeper.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Воркер остановлен с ошибкой", interfaces.LogField{Key: "error", Value: err.Error()})
		return
	}
	log.Info("Воркер корректно завершил работу")
}

// instrument оборачивает обработчик сообщений метриками
func instrument(topic string, handler interfaces.MessageHandler) interfaces.MessageHandler {
	return func(ctx context.Context, msg *interfaces.Message) error {
		start := time.Now()
		err := handler(ctx, msg)
		messageProcessingDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())

		status := "success"
		if err != nil {
			status = "error"
		}
		messagesProcessed.WithLabelValues(topic, status).Inc()
		return err
	}
}
