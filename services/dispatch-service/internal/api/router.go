package api

import (
	"context"
	"net/http"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/auth"
	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	_ "github.com/athebyme/crosslist-platform/services/dispatch-service/docs"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/api/handlers"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/api/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

// HealthCheck проверка зависимости для /health
type HealthCheck func(ctx context.Context) error

// RouterConfig настройки маршрутизатора
type RouterConfig struct {
	CORSAllowedOrigins []string
	RequestTimeout     time.Duration
	// BodyLimit максимальный размер тела запроса в байтах
	BodyLimit int64
	// UserAuth проверяет токены пользователей панели. nil отключает
	// проверку, арендатор берется из X-Tenant-ID (только разработка).
	UserAuth interfaces.AuthPort
	// ExposeMetrics отдавать /metrics на основном порту
	ExposeMetrics bool
	HealthChecks  map[string]HealthCheck
}

// SetupRouter настраивает маршрутизатор
func SetupRouter(cfg RouterConfig, deps handlers.Deps) *chi.Mux {
	logger := deps.Logger
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 35 * time.Second
	}

	r := chi.NewRouter()

	// Глобальные middleware
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Tracing)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Metrics)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(middleware.SecurityHeaders)
	if cfg.BodyLimit > 0 {
		r.Use(chimiddleware.RequestSize(cfg.BodyLimit))
	}

	r.Method(http.MethodGet, "/health", health(cfg.HealthChecks))
	r.Method(http.MethodHead, "/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	if cfg.ExposeMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	executorHandler := handlers.NewExecutorHandler(deps)
	taskHandler := handlers.NewTaskHandler(deps)
	inventoryHandler := handlers.NewInventoryHandler(deps)
	marketplaceHandler := handlers.NewMarketplaceHandler(deps)
	tenantHandler := handlers.NewTenantHandler(deps)

	r.Route("/api/v1", func(r chi.Router) {
		// Протокол расширения браузера
		r.Group(func(r chi.Router) {
			r.Use(middleware.ExecutorAuth(deps.Tokens, logger))

			r.Get("/executor/tasks/next", executorHandler.PollTask)
			r.Post("/executor/tasks/{id}/result", executorHandler.SubmitResult)
		})

		// Панель управления
		r.Group(func(r chi.Router) {
			if cfg.UserAuth != nil {
				r.Use(auth.AuthMiddleware(cfg.UserAuth, logger))
			}
			r.Use(middleware.Tenant(logger))

			r.Post("/tenants", tenantHandler.Provision)
			r.Get("/tenants/me", tenantHandler.Current)

			r.Post("/executor/tokens", executorHandler.IssueToken)
			r.Get("/executor/status", executorHandler.Status)

			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", taskHandler.ListTasks)
				r.Post("/", taskHandler.Dispatch)
				r.Post("/wait", taskHandler.DispatchAndWait)
				r.Get("/{id}", taskHandler.GetTask)
			})

			r.Route("/inventory", func(r chi.Router) {
				r.Get("/", inventoryHandler.ListItems)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", inventoryHandler.GetItem)
					r.Patch("/", inventoryHandler.EditItem)
					r.Get("/history", inventoryHandler.ItemHistory)
				})
			})

			r.Route("/marketplaces", func(r chi.Router) {
				r.Get("/usage", marketplaceHandler.Usage)
				r.Route("/{marketplace}", func(r chi.Router) {
					r.Put("/quota", marketplaceHandler.SetQuota)
					r.Get("/sync", marketplaceHandler.SyncState)
					r.Post("/sync", marketplaceHandler.TriggerSync)
					r.Post("/check", marketplaceHandler.CheckConnection)
				})
			})
		})
	})

	return r
}

// health проверяет зависимости сервиса
func health(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		result := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				result[name] = err.Error()
				continue
			}
			result[name] = "ok"
		}

		render.Status(r, status)
		render.JSON(w, r, map[string]interface{}{
			"status": http.StatusText(status),
			"checks": result,
		})
	}
}
