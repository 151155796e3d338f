package handlers

import (
	"net/http"

	"github.com/athebyme/crosslist-platform/pkg/utils"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/services"
	"github.com/go-chi/chi/v5"
)

// TaskHandler постановка задач из панели управления и их просмотр
type TaskHandler struct {
	deps Deps
}

// NewTaskHandler создает TaskHandler
func NewTaskHandler(deps Deps) *TaskHandler {
	return &TaskHandler{deps: deps.withDefaults()}
}

// Dispatch ставит задачу в очередь без ожидания
// @Summary Поставить задачу
// @Tags tasks
// @Accept json
// @Produce json
// @Param request body services.DispatchRequest true "Задача"
// @Success 202 {object} response{data=models.Task}
// @Failure 400 {object} errorResponse
// @Failure 409 {object} errorResponse
// @Failure 429 {object} errorResponse
// @Router /tasks [post]
func (h *TaskHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req services.DispatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	task, err := h.deps.Dispatcher.Dispatch(r.Context(), tenantID(r), req)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	respond(w, r, http.StatusAccepted, task)
}

// DispatchAndWait ставит задачу и ждет результат не дольше timeout
// @Summary Выполнить задачу синхронно
// @Tags tasks
// @Accept json
// @Produce json
// @Param request body services.DispatchRequest true "Задача"
// @Param timeout query string false "Предел ожидания, например 20s"
// @Success 200 {object} response{data=services.Outcome}
// @Failure 429 {object} errorResponse
// @Failure 502 {object} errorResponse
// @Failure 504 {object} errorResponse
// @Router /tasks/wait [post]
func (h *TaskHandler) DispatchAndWait(w http.ResponseWriter, r *http.Request) {
	var req services.DispatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	bound, err := waitBound(r, h.deps.WaitTimeout, h.deps.MaxWait)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	outcome, err := h.deps.Dispatcher.DispatchAndWait(r.Context(), tenantID(r), req, bound)
	if err != nil {
		// задача остается в очереди, клиент может проверить ее позже
		if outcome != nil && outcome.Task != nil {
			w.Header().Set("X-Task-ID", outcome.Task.ID)
		}
		writeError(w, r, h.deps.Logger, err)
		return
	}

	respond(w, r, http.StatusOK, outcome)
}

// GetTask возвращает задачу арендатора
// @Summary Получить задачу
// @Tags tasks
// @Produce json
// @Param id path string true "ID задачи"
// @Success 200 {object} response{data=models.Task}
// @Failure 404 {object} errorResponse
// @Router /tasks/{id} [get]
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Router.Resolve(r.Context(), tenantID(r))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	task, err := h.deps.Queue.Get(r.Context(), sess, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	respond(w, r, http.StatusOK, task)
}

// ListTasks возвращает задачи арендатора, новые первыми
// @Summary Список задач
// @Tags tasks
// @Produce json
// @Param state query string false "Состояние"
// @Param action query string false "Действие"
// @Param marketplace query string false "Площадка"
// @Param page query int false "Страница"
// @Param page_size query int false "Размер страницы"
// @Success 200 {object} response{data=[]models.Task,meta=utils.Pagination}
// @Router /tasks [get]
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.TaskFilter{
		State:       models.TaskState(q.Get("state")),
		Action:      models.Action(q.Get("action")),
		Marketplace: models.Marketplace(q.Get("marketplace")),
	}
	if filter.State != "" && !filter.State.Valid() {
		fail(w, r, http.StatusBadRequest, "bad_request", "Неизвестное состояние задачи")
		return
	}

	sess, err := h.deps.Router.Resolve(r.Context(), tenantID(r))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	pagination := utils.PaginationFromQuery(q.Get)
	tasks, err := h.deps.Queue.List(r.Context(), sess, filter, pagination)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	respondPaged(w, r, tasks, pagination)
}
