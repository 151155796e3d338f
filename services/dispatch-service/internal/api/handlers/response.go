package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/athebyme/crosslist-platform/pkg/tx"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/security"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
	"github.com/go-chi/render"
)

// errorResponse представляет структуру ответа с ошибкой
type errorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	// RetryAfter секунды до повтора, только для rate_limited
	RetryAfter int `json:"retry_after,omitempty"`
}

// response представляет структуру успешного ответа
type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
}

const executorUnavailableMessage = "Не удалось связаться с браузером: проверьте, что расширение открыто и подключено"

func respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	render.Status(r, status)
	render.JSON(w, r, response{Success: true, Data: data})
}

func respondPaged(w http.ResponseWriter, r *http.Request, data, meta interface{}) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{Success: true, Data: data, Meta: meta})
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: code, Code: status, Message: message})
}

// writeError переводит ошибку сервиса в HTTP ответ
func writeError(w http.ResponseWriter, r *http.Request, logger interfaces.LoggerPort, err error) {
	var (
		rateLimited *utils.RateLimitedError
		taskFailed  *utils.TaskFailedError
	)

	switch {
	case errors.As(err, &rateLimited):
		seconds := int(rateLimited.RetryAfter.Round(time.Second).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		render.Status(r, http.StatusTooManyRequests)
		render.JSON(w, r, errorResponse{
			Error: "rate_limited",
			Code:  http.StatusTooManyRequests,
			Message: fmt.Sprintf("Лимит действий на %s исчерпан, повторите через %d мин.",
				rateLimited.Marketplace, rateLimited.RetryAfterMinutes()),
			RetryAfter: seconds,
		})
	case errors.Is(err, utils.ErrRateLimited):
		fail(w, r, http.StatusTooManyRequests, "rate_limited", "Лимит действий на площадке исчерпан")
	case errors.Is(err, utils.ErrExecutorUnavailable):
		fail(w, r, http.StatusGatewayTimeout, "executor_unavailable", executorUnavailableMessage)
	case errors.As(err, &taskFailed):
		fail(w, r, http.StatusBadGateway, "task_failed", taskFailed.Kind+": "+taskFailed.Reason)
	case errors.Is(err, utils.ErrTaskExpired):
		fail(w, r, http.StatusGatewayTimeout, "task_expired", "Задача не была выполнена вовремя")
	case errors.Is(err, utils.ErrDuplicateTask):
		fail(w, r, http.StatusConflict, "duplicate_task", "Такая задача уже выполняется")
	case errors.Is(err, utils.ErrInvalidTransition):
		fail(w, r, http.StatusConflict, "invalid_transition", "Задача не выдана этому исполнителю или уже завершена")
	case errors.Is(err, utils.ErrVersionConflict):
		fail(w, r, http.StatusConflict, "version_conflict", "Объявление изменилось, обновите данные")
	case errors.Is(err, utils.ErrTaskNotFound):
		fail(w, r, http.StatusNotFound, "not_found", "Задача не найдена")
	case errors.Is(err, utils.ErrItemNotFound):
		fail(w, r, http.StatusNotFound, "not_found", "Объявление не найдено")
	case errors.Is(err, utils.ErrTenantNotFound):
		fail(w, r, http.StatusNotFound, "tenant_not_found", "Аккаунт не найден")
	case errors.Is(err, utils.ErrNamespaceNotProvisioned):
		fail(w, r, http.StatusConflict, "namespace_not_provisioned", "Аккаунт еще не подготовлен")
	case errors.Is(err, utils.ErrTenantMismatch), errors.Is(err, tx.ErrNoScope):
		logger.WarnWithContext(r.Context(), "Отклонен доступ к данным другого арендатора",
			interfaces.LogField{Key: "error", Value: err.Error()})
		fail(w, r, http.StatusForbidden, "forbidden", "Доступ запрещен")
	case errors.Is(err, utils.ErrInvalidParams), errors.Is(err, utils.ErrInvalidAction),
		errors.Is(err, utils.ErrInvalidMarketplace), errors.Is(err, utils.ErrInvalidTenantID),
		errors.Is(err, utils.ErrInvalidWeight):
		fail(w, r, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, security.ErrInvalidToken), errors.Is(err, security.ErrExpiredToken):
		fail(w, r, http.StatusUnauthorized, "unauthorized", "Невалидный токен")
	default:
		logger.ErrorWithContext(r.Context(), "Ошибка обработки запроса",
			interfaces.LogField{Key: "path", Value: r.URL.Path},
			interfaces.LogField{Key: "error", Value: err.Error()})
		fail(w, r, http.StatusInternalServerError, "internal_error", "Внутренняя ошибка сервера")
	}
}

// decodeJSON читает тело запроса
func decodeJSON(r *http.Request, v interface{}) error {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return fmt.Errorf("%w: invalid json body: %s", utils.ErrInvalidParams, err.Error())
	}
	return nil
}

// waitBound разбирает параметр timeout синхронного ожидания
func waitBound(r *http.Request, fallback, limit time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		seconds, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, fmt.Errorf("%w: timeout must be a duration", utils.ErrInvalidParams)
		}
		d = time.Duration(seconds) * time.Second
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: timeout must be positive", utils.ErrInvalidParams)
	}
	if limit > 0 && d > limit {
		d = limit
	}
	return d, nil
}
