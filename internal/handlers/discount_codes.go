package handlers

import (
	"net/http"
	"strconv"

	"promo-engine/internal/logger"
	"promo-engine/internal/models"
)

// DiscountCodeHandler обрабатывает администрирование промокодов.
type DiscountCodeHandler struct {
	service DiscountCodeService
	log     *logger.Logger
}

// NewDiscountCodeHandler создаёт обработчик промокодов.
func NewDiscountCodeHandler(service DiscountCodeService, log *logger.Logger) *DiscountCodeHandler {
	return &DiscountCodeHandler{
		service: service,
		log:     log,
	}
}

// CreateDiscountCode создаёт промокод.
func (h *DiscountCodeHandler) CreateDiscountCode(w http.ResponseWriter, r *http.Request) {
	var req models.CreateDiscountCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	dc, err := h.service.CreateDiscountCode(r.Context(), &req)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to create discount code")
		return
	}

	writeJSONResponse(w, http.StatusCreated, dc)
}

// ListDiscountCodes возвращает промокоды; фильтры ?active=true|false и ?scope=.
func (h *DiscountCodeHandler) ListDiscountCodes(w http.ResponseWriter, r *http.Request) {
	var filter models.DiscountCodeFilter
	filter.Limit, filter.Offset = parsePagination(r)

	q := r.URL.Query()
	if a := q.Get("active"); a != "" {
		active, err := strconv.ParseBool(a)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid active filter")
			return
		}
		filter.Active = &active
	}
	if s := q.Get("scope"); s != "" {
		scope := models.DiscountScope(s)
		filter.Scope = &scope
	}

	codes, err := h.service.ListDiscountCodes(r.Context(), filter)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to list discount codes")
		return
	}
	if codes == nil {
		codes = []*models.DiscountCode{}
	}

	writeJSONResponse(w, http.StatusOK, codes)
}

// GetDiscountCode возвращает промокод по коду.
func (h *DiscountCodeHandler) GetDiscountCode(w http.ResponseWriter, r *http.Request) {
	code, err := codeParam(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	dc, err := h.service.GetDiscountCode(r.Context(), code)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get discount code")
		return
	}

	writeJSONResponse(w, http.StatusOK, dc)
}

// UpdateDiscountCode заменяет правила промокода.
func (h *DiscountCodeHandler) UpdateDiscountCode(w http.ResponseWriter, r *http.Request) {
	code, err := codeParam(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req models.UpdateDiscountCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	dc, err := h.service.UpdateDiscountCode(r.Context(), code, &req)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to update discount code")
		return
	}

	writeJSONResponse(w, http.StatusOK, dc)
}

// Activate включает промокод.
func (h *DiscountCodeHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// Deactivate приостанавливает промокод.
func (h *DiscountCodeHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *DiscountCodeHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	code, err := codeParam(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	dc, err := h.service.SetActive(r.Context(), code, active)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to change discount code status")
		return
	}

	writeJSONResponse(w, http.StatusOK, dc)
}
