package handlers

import (
	"net/http"

	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
)

// TenantHandler регистрация арендатора
type TenantHandler struct {
	deps Deps
}

// NewTenantHandler создает TenantHandler
func NewTenantHandler(deps Deps) *TenantHandler {
	return &TenantHandler{deps: deps.withDefaults()}
}

type provisionRequest struct {
	QuotaTier          string `json:"quota_tier,omitempty" validate:"omitempty,alphanum,max=32"`
	SessionFingerprint string `json:"session_fingerprint,omitempty" validate:"max=256"`
}

// Provision создает схему арендатора. Повторный вызов безопасен.
// @Summary Зарегистрировать арендатора
// @Tags tenants
// @Accept json
// @Produce json
// @Param request body provisionRequest false "Параметры"
// @Success 200 {object} response{data=models.Tenant}
// @Router /tenants [post]
func (h *TenantHandler) Provision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
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

	tenant, err := h.deps.Router.Provision(r.Context(), models.Tenant{
		ID:                 tenantID(r),
		QuotaTier:          req.QuotaTier,
		SessionFingerprint: req.SessionFingerprint,
	})
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	respond(w, r, http.StatusOK, tenant)
}

// Current возвращает арендатора запроса
// @Summary Текущий арендатор
// @Tags tenants
// @Produce json
// @Success 200 {object} response{data=models.Tenant}
// @Failure 404 {object} errorResponse
// @Router /tenants/me [get]
func (h *TenantHandler) Current(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Router.Resolve(r.Context(), tenantID(r))
	if err != nil {
		writeError(w, r, h.deps.Logger, err)
		return
	}

	tenant := sess.Tenant()
	respond(w, r, http.StatusOK, &tenant)
}
