package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/services"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/security"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Deps зависимости обработчиков
type Deps struct {
	Router     *services.TenantRouter
	Dispatcher *services.Dispatcher
	Queue      *services.TaskQueue
	Limiter    *services.RateLimiter
	Reconciler *services.Reconciler
	Tokens     *security.ExecutorTokenService
	Validate   *validator.Validate
	Clock      services.Clock
	Logger     interfaces.LoggerPort
	// WaitTimeout предел синхронного ожидания по умолчанию
	WaitTimeout time.Duration
	// MaxWait верхняя граница параметра timeout
	MaxWait time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = services.SystemClock
	}
	if d.Validate == nil {
		d.Validate = validator.New()
	}
	if d.WaitTimeout <= 0 {
		d.WaitTimeout = services.DefaultDispatchConfig().WaitTimeout
	}
	if d.MaxWait < d.WaitTimeout {
		d.MaxWait = d.WaitTimeout
	}
	return d
}

func marketplaceParam(r *http.Request) (models.Marketplace, error) {
	m, err := models.ParseMarketplace(chi.URLParam(r, "marketplace"))
	if err != nil {
		return "", fmt.Errorf("%w: %s", utils.ErrInvalidMarketplace, err.Error())
	}
	return m, nil
}

func tenantID(r *http.Request) string {
	return interfaces.TenantIDFromContext(r.Context())
}

func userOrigin(r *http.Request) services.ChangeOrigin {
	return services.ChangeOrigin{UserID: interfaces.StringFromContext(r.Context(), interfaces.UserIDKey)}
}
