package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"github.com/athebyme/crosslist-platform/pkg/utils"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/services"
	svcutils "github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
	"github.com/go-chi/chi/v5"
)

// InventoryHandler объявления арендатора
type InventoryHandler struct {
	deps Deps
}

// NewInventoryHandler создает InventoryHandler
func NewInventoryHandler(deps Deps) *InventoryHandler {
	return &InventoryHandler{deps: deps.withDefaults()}
}

// editItemRequest локальная правка объявления
type editItemRequest struct {
	Version int `json:"version" validate:"min=1"`
	models.ItemPatch
	// Push отправить правку на площадку, по умолчанию да
	Push *bool `json:"push,omitempty"`
}

type editItemResponse struct {
	Item *models.InventoryItem `json:"item"`
	// Task задача, отправляющая правку на площадку
	Task *models.Task `json:"task,omitempty"`
	// PushError правка сохранена, но задача не поставлена
	PushError  string `json:"push_error,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// ListItems возвращает объявления арендатора
// @Summary Список объявлений
// @Tags inventory
// @Produce json
// @Param marketplace query string false "Площадка"
// @Param status query string false "Статус"
// @Param search query string false "Поиск по названию"
// @Param include_removed query bool false "Включать удаленные"
// @Param page query int false "Страница"
// @Param page_size query int false "Размер страницы"
// @Success 200 {object} response{data=[]models.InventoryItem,meta=utils.Pagination}
// @Router /inventory [get]
func (h *InventoryHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.InventoryFilter{
		Marketplace: models.Marketplace(q.Get("marketplace")),
		Status:      models.ItemStatus(q.Get("status")),
		Search:      q.Get("search"),
	}
	filter.IncludeRemoved, _ = strconv.ParseBool(q.Get("include_removed"))

	if filter.Marketplace != "" && !filter.Marketplace.Valid() {
		fail(w, r, http.StatusBadRequest, "bad_request", "Неизвестная площадка")
		return
	}

	sess, err := h.deps.Router.Resolve(r.Context(), tenantID(r))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	pagination := utils.PaginationFromQuery(q.Get)
	items, err := h.deps.Reconciler.ListItems(r.Context(), sess, filter, pagination)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	respondPaged(w, r, items, pagination)
}

// GetItem возвращает объявление
// @Summary Получить объявление
// @Tags inventory
// @Produce json
// @Param id path string true "ID объявления"
// @Success 200 {object} response{data=models.InventoryItem}
// @Failure 404 {object} errorResponse
// @Router /inventory/{id} [get]
func (h *InventoryHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Router.Resolve(r.Context(), tenantID(r))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	item, err := h.deps.Reconciler.GetItem(r.Context(), sess, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	respond(w, r, http.StatusOK, item)
}

// EditItem применяет правку из панели и отправляет ее на площадку
// @Summary Изменить объявление
// @Tags inventory
// @Accept json
// @Produce json
// @Param id path string true "ID объявления"
// @Param request body editItemRequest true "Правка"
// @Success 200 {object} response{data=editItemResponse}
// @Failure 409 {object} errorResponse
// @Router /inventory/{id} [patch]
func (h *InventoryHandler) EditItem(w http.ResponseWriter, r *http.Request) {
	var req editItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	if err := h.deps.Validate.Struct(&req); err != nil {
		fail(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	sess, err := h.deps.Router.Resolve(r.Context(), tenantID(r))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	item, err := h.deps.Reconciler.ApplyLocalEdit(r.Context(), sess, chi.URLParam(r, "id"), req.Version, req.ItemPatch, userOrigin(r))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	resp := editItemResponse{Item: item}
	if req.Push == nil || *req.Push {
		if dispatch, ok := pushRequest(item, req.ItemPatch); ok {
			task, err := h.deps.Dispatcher.Dispatch(r.Context(), sess.TenantID(), dispatch)
			if err != nil {
				resp.PushError = err.Error()
				var limited *svcutils.RateLimitedError
				if errors.As(err, &limited) {
					resp.RetryAfter = int(limited.RetryAfter.Seconds())
				}
				h.deps.Logger.WarnWithContext(r.Context(), "Правка сохранена, но не отправлена на площадку",
					interfaces.LogField{Key: "item_id", Value: item.ID},
					interfaces.LogField{Key: "error", Value: err.Error()},
				)
			}
			resp.Task = task
		}
	}

	respond(w, r, http.StatusOK, resp)
}

// pushRequest задача, которая повторит правку на площадке
func pushRequest(item *models.InventoryItem, patch models.ItemPatch) (services.DispatchRequest, bool) {
	switch {
	case patch.Price != nil:
		params, _ := json.Marshal(models.UpdatePriceParams{
			ExternalID: item.ExternalID,
			Price:      item.Price,
			Currency:   item.Currency,
		})
		return services.DispatchRequest{Action: models.ActionUpdatePrice, Marketplace: item.Marketplace, Params: params}, true
	case patch.Title != nil:
		params, _ := json.Marshal(models.UpdateListingParams{
			ExternalID: item.ExternalID,
			Title:      &item.Title,
		})
		return services.DispatchRequest{Action: models.ActionUpdateListing, Marketplace: item.Marketplace, Params: params}, true
	}
	return services.DispatchRequest{}, false
}

// ItemHistory история изменений объявления
// @Summary История объявления
// @Tags inventory
// @Produce json
// @Param id path string true "ID объявления"
// @Param page query int false "Страница"
// @Success 200 {object} response{data=[]models.InventoryHistoryRecord}
// @Router /inventory/{id}/history [get]
func (h *InventoryHandler) ItemHistory(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))

	sess, err := h.deps.Router.Resolve(r.Context(), tenantID(r))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	records, err := h.deps.Reconciler.ItemHistory(r.Context(), sess, chi.URLParam(r, "id"), page)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	respond(w, r, http.StatusOK, records)
}
