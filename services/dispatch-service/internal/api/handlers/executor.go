package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// ExecutorHandler протокол расширения браузера: опрос очереди и отчет о результате
type ExecutorHandler struct {
	deps Deps
}

// NewExecutorHandler создает ExecutorHandler
func NewExecutorHandler(deps Deps) *ExecutorHandler {
	return &ExecutorHandler{deps: deps.withDefaults()}
}

// executorTask задача в том виде, в котором ее получает расширение
type executorTask struct {
	TaskID      string             `json:"task_id"`
	Action      models.Action      `json:"action"`
	Marketplace models.Marketplace `json:"marketplace"`
	Params      json.RawMessage    `json:"params" swaggertype:"object"`
	DeadlineAt  time.Time          `json:"deadline_at"`
}

type submitResponse struct {
	TaskID string           `json:"task_id"`
	State  models.TaskState `json:"state"`
}

// PollTask выдает следующую задачу
// @Summary Получить следующую задачу
// @Tags executor
// @Produce json
// @Security ExecutorToken
// @Success 200 {object} executorTask
// @Success 204 "Задач нет"
// @Failure 401 {object} errorResponse
// @Router /executor/tasks/next [get]
func (h *ExecutorHandler) PollTask(w http.ResponseWriter, r *http.Request) {
	executorID := interfaces.ExecutorIDFromContext(r.Context())

	task, err := h.deps.Dispatcher.Poll(r.Context(), tenantID(r), executorID)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, executorTask{
		TaskID:      task.ID,
		Action:      task.Action,
		Marketplace: task.Marketplace,
		Params:      task.Params,
		DeadlineAt:  task.DeadlineAt,
	})
}

// SubmitResult принимает результат выполнения задачи
// @Summary Отправить результат задачи
// @Tags executor
// @Accept json
// @Produce json
// @Security ExecutorToken
// @Param id path string true "ID задачи"
// @Param result body models.ResultSubmission true "Результат"
// @Success 200 {object} submitResponse
// @Failure 400 {object} errorResponse
// @Failure 409 {object} errorResponse
// @Router /executor/tasks/{id}/result [post]
func (h *ExecutorHandler) SubmitResult(w http.ResponseWriter, r *http.Request) {
	var sub models.ResultSubmission
	if err := decodeJSON(r, &sub); err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	executorID := interfaces.ExecutorIDFromContext(r.Context())
	task, err := h.deps.Dispatcher.SubmitResult(r.Context(), tenantID(r), executorID, chi.URLParam(r, "id"), sub)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, submitResponse{TaskID: task.ID, State: task.State})
}

type issueTokenRequest struct {
	ExecutorID string `json:"executor_id,omitempty" validate:"omitempty,max=128"`
}

// IssueToken выпускает токен для расширения браузера арендатора
// @Summary Выпустить токен расширения
// @Tags executor
// @Accept json
// @Produce json
// @Param request body issueTokenRequest false "Исполнитель"
// @Success 201 {object} response{data=security.ExecutorToken}
// @Router /executor/tokens [post]
func (h *ExecutorHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, h.deps.Logger, err)
			return
		}
	}
	if err := h.deps.Validate.Struct(&req); err != nil {
		fail(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	token, err := h.deps.Tokens.Issue(r.Context(), tenantID(r), req.ExecutorID, h.deps.Clock.Now())
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	h.deps.Logger.InfoWithContext(r.Context(), "Выпущен токен расширения",
		interfaces.LogField{Key: "executor_id", Value: token.ExecutorID},
		interfaces.LogField{Key: "expires_at", Value: token.ExpiresAt},
	)
	respond(w, r, http.StatusCreated, token)
}

// Status сообщает, опрашивает ли расширение очередь
// @Summary Статус расширения
// @Tags executor
// @Produce json
// @Success 200 {object} response{data=models.ExecutorPresence}
// @Router /executor/status [get]
func (h *ExecutorHandler) Status(w http.ResponseWriter, r *http.Request) {
	presence, err := h.deps.Dispatcher.ExecutorStatus(r.Context(), tenantID(r))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	respond(w, r, http.StatusOK, presence)
}
