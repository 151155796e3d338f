package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/services"
)

// MarketplaceHandler квоты, сверка и проверка связи по площадкам
type MarketplaceHandler struct {
	deps Deps
}

// NewMarketplaceHandler создает MarketplaceHandler
func NewMarketplaceHandler(deps Deps) *MarketplaceHandler {
	return &MarketplaceHandler{deps: deps.withDefaults()}
}

type quotaRequest struct {
	MaxActions    int `json:"max_actions" validate:"min=1,max=100000"`
	WindowSeconds int `json:"window_seconds" validate:"min=1,max=604800"`
}

// usageResponse заполнение окна в секундах для панели
type usageResponse struct {
	Marketplace     models.Marketplace `json:"marketplace"`
	Used            int                `json:"used"`
	Pending         int                `json:"pending"`
	Limit           int                `json:"limit"`
	WindowSeconds   int                `json:"window_seconds"`
	ResetsInSeconds int                `json:"resets_in_seconds"`
}

func newUsageResponse(u models.RateUsage) usageResponse {
	return usageResponse{
		Marketplace:     u.Marketplace,
		Used:            u.Used,
		Pending:         u.Pending,
		Limit:           u.Limit,
		WindowSeconds:   int(u.Window.Seconds()),
		ResetsInSeconds: int(u.ResetsIn.Round(time.Second).Seconds()),
	}
}

// Usage заполнение окна квоты по всем площадкам
// @Summary Использование квот
// @Tags marketplaces
// @Produce json
// @Success 200 {object} response{data=[]usageResponse}
// @Router /marketplaces/usage [get]
func (h *MarketplaceHandler) Usage(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Router.Resolve(r.Context(), tenantID(r))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	now := h.deps.Clock.Now()
	out := make([]usageResponse, 0, len(models.Marketplaces))
	for _, m := range models.Marketplaces {
		usage, err := h.deps.Limiter.Usage(r.Context(), sess, m, now)
		if err != nil {
			writeError(w, r, h.deps.Logger, err)
			return
		}
		out = append(out, newUsageResponse(usage))
	}

	respond(w, r, http.StatusOK, out)
}

// SetQuota задает арендатору собственную квоту площадки
// @Summary Изменить квоту
// @Tags marketplaces
// @Accept json
// @Produce json
// @Param marketplace path string true "Площадка"
// @Param request body quotaRequest true "Квота"
// @Success 200 {object} response{data=usageResponse}
// @Router /marketplaces/{marketplace}/quota [put]
func (h *MarketplaceHandler) SetQuota(w http.ResponseWriter, r *http.Request) {
	marketplace, err := marketplaceParam(r)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	var req quotaRequest
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

	quota := models.Quota{MaxActions: req.MaxActions, Window: time.Duration(req.WindowSeconds) * time.Second}
	if err := h.deps.Limiter.SetQuota(r.Context(), sess, marketplace, quota); err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	usage, err := h.deps.Limiter.Usage(r.Context(), sess, marketplace, h.deps.Clock.Now())
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	respond(w, r, http.StatusOK, newUsageResponse(usage))
}

// SyncState итог последней сверки площадки
// @Summary Состояние синхронизации
// @Tags marketplaces
// @Produce json
// @Param marketplace path string true "Площадка"
// @Success 200 {object} response{data=models.SyncState}
// @Router /marketplaces/{marketplace}/sync [get]
func (h *MarketplaceHandler) SyncState(w http.ResponseWriter, r *http.Request) {
	marketplace, err := marketplaceParam(r)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	sess, err := h.deps.Router.Resolve(r.Context(), tenantID(r))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	state, err := h.deps.Reconciler.SyncState(r.Context(), sess, marketplace)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	if state == nil {
		state = &models.SyncState{Marketplace: marketplace}
	}

	respond(w, r, http.StatusOK, state)
}

// TriggerSync запускает чтение каталога площадки. С wait=true ждет отчет сверки.
// @Summary Синхронизировать площадку
// @Tags marketplaces
// @Produce json
// @Param marketplace path string true "Площадка"
// @Param wait query bool false "Ждать отчет"
// @Param max_pages query int false "Ограничение страниц каталога"
// @Param timeout query string false "Предел ожидания"
// @Success 200 {object} response{data=services.Outcome}
// @Success 202 {object} response{data=models.Task}
// @Failure 504 {object} errorResponse
// @Router /marketplaces/{marketplace}/sync [post]
func (h *MarketplaceHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	marketplace, err := marketplaceParam(r)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	q := r.URL.Query()
	maxPages, _ := strconv.Atoi(q.Get("max_pages"))
	params, err := json.Marshal(models.FetchListingsParams{MaxPages: maxPages})
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}
	req := services.DispatchRequest{
		Action:      models.ActionFetchListings,
		Marketplace: marketplace,
		Params:      params,
	}

	if wait, _ := strconv.ParseBool(q.Get("wait")); !wait {
		task, err := h.deps.Dispatcher.Dispatch(r.Context(), tenantID(r), req)
		if err != nil {
			writeError(w, r, h.deps.Logger, err)
			return
		}
		respond(w, r, http.StatusAccepted, task)
		return
	}

	bound, err := waitBound(r, h.deps.WaitTimeout, h.deps.MaxWait)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	outcome, err := h.deps.Dispatcher.DispatchAndWait(r.Context(), tenantID(r), req, bound)
	if err != nil {
		if outcome != nil && outcome.Task != nil {
			w.Header().Set("X-Task-ID", outcome.Task.ID)
		}
		writeError(w, r, h.deps.Logger, err)
		return
	}

	respond(w, r, http.StatusOK, outcome)
}

// CheckConnection проверяет, что расширение отвечает и сессия площадки жива
// @Summary Проверить подключение
// @Tags marketplaces
// @Produce json
// @Param marketplace path string true "Площадка"
// @Success 200 {object} response{data=services.Outcome}
// @Failure 504 {object} errorResponse
// @Router /marketplaces/{marketplace}/check [post]
func (h *MarketplaceHandler) CheckConnection(w http.ResponseWriter, r *http.Request) {
	marketplace, err := marketplaceParam(r)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	bound, err := waitBound(r, h.deps.WaitTimeout, h.deps.MaxWait)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	outcome, err := h.deps.Dispatcher.CheckConnection(r.Context(), tenantID(r), marketplace, bound)
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	respond(w, r, http.StatusOK, outcome)
}
