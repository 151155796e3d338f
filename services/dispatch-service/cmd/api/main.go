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

	"github.com/athebyme/crosslist-platform/pkg/auth"
	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/config"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/adapters/logger"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/api"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/app"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// @title Crosslist Dispatch API
// @version 1.0
// @description Очередь задач браузерного расширения для кросс-листинга на площадках
// @BasePath /api/v1
// @securityDefinitions.apikey ExecutorToken
// @in header
// @name Authorization
func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log, err := logger.NewZapLogger(cfg.LogLevel, cfg.IsProduction())
	if err != nil {
		fmt.Printf("Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Инициализация сервиса",
		interfaces.LogField{Key: "app_name", Value: cfg.AppName},
		interfaces.LogField{Key: "version", Value: cfg.Version},
		interfaces.LogField{Key: "env", Value: cfg.ENV},
	)

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Ошибка инициализации зависимостей", interfaces.LogField{Key: "error", Value: err.Error()})
	}

	// Без Kafka события задач обрабатываются в этом процессе
	if !cfg.Kafka.Enabled {
		unsubscribe, err := application.Events.Subscribe(ctx, models.TopicTaskEvents, application.Dispatcher.HandleEvent)
		if err != nil {
			log.Fatal("Ошибка подписки на события задач", interfaces.LogField{Key: "error", Value: err.Error()})
		}
		defer unsubscribe()

		go func() {
			if err := application.Sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Sweeper остановлен с ошибкой", interfaces.LogField{Key: "error", Value: err.Error()})
			}
		}()
	}

	var userAuth interfaces.AuthPort
	if cfg.Keycloak.Enabled {
		keycloak, err := auth.NewKeycloakClient(ctx, cfg.Keycloak.GetKeycloakConfig())
		if err != nil {
			log.Fatal("Ошибка инициализации Keycloak", interfaces.LogField{Key: "error", Value: err.Error()})
		}
		userAuth = keycloak
		log.Info("Keycloak инициализирован", interfaces.LogField{Key: "realm", Value: cfg.Keycloak.Realm})
	} else {
		log.Warn("Keycloak выключен: арендатор берется из заголовка X-Tenant-ID")
	}

	router := api.SetupRouter(api.RouterConfig{
		CORSAllowedOrigins: cfg.Security.CORSAllowOrigins,
		RequestTimeout:     cfg.Server.RequestTimeout,
		BodyLimit:          int64(cfg.Server.BodyLimit) << 20,
		UserAuth:           userAuth,
		ExposeMetrics:      !cfg.Metrics.Enabled,
		HealthChecks:       application.HealthChecks(),
	}, application.HandlerDeps())
	log.Info("Маршрутизатор настроен")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("Запуск HTTP сервера для метрик", interfaces.LogField{Key: "addr", Value: metricsServer.Addr})
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Ошибка запуска HTTP сервера для метрик", interfaces.LogField{Key: "error", Value: err.Error()})
			}
		}()
	}

	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("Сервер запущен", interfaces.LogField{Key: "address", Value: server.Addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Ошибка запуска сервера", interfaces.LogField{Key: "error", Value: err.Error()})
		}
	}()

	go func() {
		<-quit
		log.Info("Получен сигнал завершения, выполняется graceful shutdown...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Ошибка при graceful shutdown", interfaces.LogField{Key: "error", Value: err.Error()})
		}
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		log.Info("HTTP сервер остановлен")

		if err := application.Close(); err != nil {
			log.Error("Ошибка при закрытии зависимостей", interfaces.LogField{Key: "error", Value: err.Error()})
		}

		close(done)
	}()

	<-done
	log.Info("Сервер корректно завершил работу")
}
