package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/config"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/adapters/blob"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/adapters/cache"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/adapters/memory"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/adapters/messaging"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/adapters/storage"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/adapters/telemetry"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/api"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/api/handlers"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/services"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/security"
	"github.com/go-playground/validator/v10"
)

// App зависимости процесса, общие для API и воркера
type App struct {
	Config *config.Config
	Logger interfaces.LoggerPort

	Storage *storage.Storage
	Cache   interfaces.CachePort
	Locker  interfaces.LockerPort
	// Events брокер событий задач. Без Kafka используется шина в памяти,
	// события обрабатываются в том же процессе.
	Events interfaces.MessagingPort
	Kafka  *messaging.KafkaMessaging
	Photos *blob.S3PhotoStore

	Router     *services.TenantRouter
	Limiter    *services.RateLimiter
	Queue      *services.TaskQueue
	Reconciler *services.Reconciler
	Dispatcher *services.Dispatcher
	Sweeper    *services.Sweeper
	Tokens     *security.ExecutorTokenService
	Validate   *validator.Validate

	tracer  *telemetry.Provider
	closers []func() error
}

// New подключает внешние зависимости и собирает сервисы
func New(ctx context.Context, cfg *config.Config, log interfaces.LoggerPort) (*App, error) {
	a := &App{Config: cfg, Logger: log, Validate: validator.New()}

	if err := a.initTracing(ctx); err != nil {
		return nil, err
	}
	if err := a.initStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initCache(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initMessaging(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initPhotos(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initServices(); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func (a *App) initTracing(ctx context.Context) error {
	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:     a.Config.Tracing.Enabled,
		ServiceName: a.Config.Tracing.ServiceName,
		Version:     a.Config.Version,
		Endpoint:    a.Config.Tracing.Endpoint,
		Insecure:    a.Config.Tracing.Insecure,
		Probability: a.Config.Tracing.Probability,
	}, a.Logger)
	if err != nil {
		return err
	}
	a.tracer = provider
	return nil
}

func (a *App) initStorage(ctx context.Context) error {
	if a.Config.Postgres.AutoMigrate {
		if err := a.Migrate(); err != nil {
			return err
		}
	}

	dsn, err := a.Config.PostgresDSN()
	if err != nil {
		return fmt.Errorf("failed to build postgres dsn: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := storage.NewPostgresStorage(connectCtx, dsn)
	if err != nil {
		return err
	}
	a.Storage = db
	a.closers = append(a.closers, db.Close)
	a.Logger.Info("Хранилище инициализировано")
	return nil
}

// Migrate применяет миграции управляющей схемы
func (a *App) Migrate() error {
	url, err := a.Config.MigrationURL()
	if err != nil {
		return fmt.Errorf("failed to build migration url: %w", err)
	}

	migrator, err := storage.NewMigrator(url, a.Logger)
	if err != nil {
		return err
	}
	defer migrator.Close()

	return migrator.Up()
}

func (a *App) initCache(ctx context.Context) error {
	if !a.Config.Redis.Enabled {
		a.Cache = memory.NewCache()
		a.Locker = memory.NewLocker()
		a.Logger.Warn("Redis выключен: кэш и блокировки работают только внутри процесса")
		return nil
	}

	redisCache, err := cache.NewRedisCache(ctx, cache.RedisOptions{
		Host:            a.Config.Redis.Host,
		Port:            a.Config.Redis.Port,
		Password:        a.Config.Redis.Password,
		DB:              a.Config.Redis.DB,
		PoolSize:        a.Config.Redis.PoolSize,
		MinIdleConns:    a.Config.Redis.MinIdleConns,
		DialTimeout:     a.Config.Redis.ConnectTimeout,
		ReadTimeout:     a.Config.Redis.ReadTimeout,
		WriteTimeout:    a.Config.Redis.WriteTimeout,
		PoolTimeout:     a.Config.Redis.PoolTimeout,
		MaxRetries:      a.Config.Redis.MaxRetries,
		MinRetryBackoff: a.Config.Redis.MinRetryBackoff,
		MaxRetryBackoff: a.Config.Redis.MaxRetryBackoff,
	})
	if err != nil {
		return err
	}
	a.Cache = redisCache
	a.Locker = redisCache
	a.closers = append(a.closers, redisCache.Close)
	a.Logger.Info("Кэш инициализирован")
	return nil
}

func (a *App) initMessaging(ctx context.Context) error {
	if !a.Config.Kafka.Enabled {
		a.Events = memory.NewBus()
		return nil
	}

	k, err := messaging.NewKafkaMessaging(messaging.KafkaOptions{
		Brokers:           a.Config.Kafka.Brokers,
		GroupID:           a.Config.Kafka.GroupID,
		ClientID:          a.Config.AppName,
		DeadLetterTopic:   a.Config.Kafka.DeadLetterTopic,
		AutoOffsetReset:   a.Config.Kafka.AutoOffsetReset,
		SessionTimeout:    a.Config.Kafka.SessionTimeout,
		PollTimeout:       a.Config.Kafka.PollTimeout,
		WriteTimeout:      a.Config.Kafka.WriteTimeout,
		EnableIdempotence: a.Config.Kafka.EnableIdempotence,
		CompressionType:   a.Config.Kafka.CompressionType,
	}, a.Logger)
	if err != nil {
		return err
	}
	a.Kafka = k
	a.Events = k
	a.closers = append(a.closers, k.Close)
	a.Logger.Info("Система обмена сообщениями инициализирована")
	return nil
}

func (a *App) initPhotos(ctx context.Context) error {
	if !a.Config.Storage.Enabled {
		return nil
	}

	photos, err := blob.NewS3PhotoStore(ctx, blob.S3Options{
		Bucket:         a.Config.Storage.Bucket,
		Region:         a.Config.Storage.Region,
		Endpoint:       a.Config.Storage.Endpoint,
		AccessKey:      a.Config.Storage.AccessKey,
		SecretKey:      a.Config.Storage.SecretKey,
		UsePathStyle:   a.Config.Storage.UsePathStyle,
		PresignTimeout: a.Config.Storage.PresignTimeout,
	}, a.Logger)
	if err != nil {
		return err
	}
	a.Photos = photos
	return nil
}

func (a *App) initServices() error {
	clock := services.SystemClock

	a.Router = services.NewTenantRouter(a.Storage.Tenants(), a.Storage.TxManager(), a.Config.Tenants.CacheTTL, clock, a.Logger)
	a.Limiter = services.NewRateLimiter(a.Storage, a.Config.QuotaPolicy(), a.Logger)
	a.Queue = services.NewTaskQueue(a.Storage, a.Limiter, a.Logger)
	a.Reconciler = services.NewReconciler(a.Storage, a.Validate, clock, a.Logger)

	deps := services.DispatcherDeps{
		Router:     a.Router,
		Queue:      a.Queue,
		Limiter:    a.Limiter,
		Reconciler: a.Reconciler,
		Presence:   services.NewPresence(a.Cache, a.Config.Dispatch.PresenceTTL),
		Events:     a.Events,
		Validate:   a.Validate,
		Clock:      clock,
		Logger:     a.Logger,
	}
	if a.Photos != nil {
		deps.Photos = a.Photos
	}
	a.Dispatcher = services.NewDispatcher(deps, a.Config.DispatchConfig())
	a.Sweeper = services.NewSweeper(a.Router, a.Queue, a.Dispatcher, a.Locker, a.Config.SweeperConfig(), clock, a.Logger)

	jwtManager, err := a.jwtManager()
	if err != nil {
		return err
	}
	a.Tokens = security.NewExecutorTokenService(jwtManager, func(ctx context.Context, tenantID string) error {
		_, err := a.Router.Resolve(ctx, tenantID)
		return err
	})

	return nil
}

func (a *App) jwtManager() (*security.JWTManager, error) {
	sec := a.Config.Security
	if sec.JWTPrivateKeyFile == "" || sec.JWTPublicKeyFile == "" {
		a.Logger.Warn("Ключи подписи не заданы, используется временный ключ: токены расширений не переживут перезапуск")
		return security.NewEphemeralJWTManager(sec.JWTExpiration, sec.JWTIssuer)
	}

	privateKey, err := os.ReadFile(sec.JWTPrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read jwt private key: %w", err)
	}
	publicKey, err := os.ReadFile(sec.JWTPublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read jwt public key: %w", err)
	}

	return security.NewJWTManager(privateKey, publicKey, sec.JWTExpiration, sec.JWTIssuer)
}

// HandlerDeps зависимости HTTP обработчиков
func (a *App) HandlerDeps() handlers.Deps {
	return handlers.Deps{
		Router:      a.Router,
		Dispatcher:  a.Dispatcher,
		Queue:       a.Queue,
		Limiter:     a.Limiter,
		Reconciler:  a.Reconciler,
		Tokens:      a.Tokens,
		Validate:    a.Validate,
		Clock:       services.SystemClock,
		Logger:      a.Logger,
		WaitTimeout: a.Config.Dispatch.WaitTimeout,
		MaxWait:     a.Config.Server.RequestTimeout - time.Second,
	}
}

// HealthChecks проверки зависимостей для /health
func (a *App) HealthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"postgres": a.Storage.Ping,
		"cache":    a.Cache.Ping,
	}
	if a.Photos != nil {
		checks["photos"] = a.Photos.Ping
	}
	return checks
}

// Close останавливает трассировку и закрывает соединения в обратном порядке
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil

	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
