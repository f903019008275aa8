package handlers

import (
	"net/http"

	"promo-engine/internal/logger"
	"promo-engine/internal/models"
)

// RedemptionHandler обрабатывает погашение и предпросмотр промокодов в checkout.
type RedemptionHandler struct {
	service RedemptionService
	log     *logger.Logger
}

// NewRedemptionHandler создаёт обработчик погашений.
func NewRedemptionHandler(service RedemptionService, log *logger.Logger) *RedemptionHandler {
	return &RedemptionHandler{
		service: service,
		log:     log,
	}
}

// Redeem применяет промокод.
// 200 - списано, 422 - отказ по правилам (тело содержит причину), 404 - код не найден.
func (h *RedemptionHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	code, req, ok := h.readRequest(w, r)
	if !ok {
		return
	}

	result, err := h.service.Redeem(r.Context(), code, req)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to redeem discount code")
		return
	}

	writeJSONResponse(w, resultStatusCode(result), result)
}

// Preview проверяет применимость без списания.
func (h *RedemptionHandler) Preview(w http.ResponseWriter, r *http.Request) {
	code, req, ok := h.readRequest(w, r)
	if !ok {
		return
	}

	result, err := h.service.Preview(r.Context(), code, req)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to preview discount code")
		return
	}

	writeJSONResponse(w, resultStatusCode(result), result)
}

// ListRedemptions возвращает журнал погашений кода.
func (h *RedemptionHandler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	code, err := codeParam(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, offset := parsePagination(r)
	records, err := h.service.ListRedemptions(r.Context(), code, limit, offset)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to list redemptions")
		return
	}
	if records == nil {
		records = []*models.RedemptionRecord{}
	}

	writeJSONResponse(w, http.StatusOK, records)
}

// Reconcile сверяет счётчик кода с журналом.
func (h *RedemptionHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	code, err := codeParam(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := h.service.Reconcile(r.Context(), code)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to reconcile discount code")
		return
	}

	writeJSONResponse(w, http.StatusOK, report)
}

func (h *RedemptionHandler) readRequest(w http.ResponseWriter, r *http.Request) (string, *models.RedeemRequest, bool) {
	code, err := codeParam(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return "", nil, false
	}

	var req models.RedeemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return "", nil, false
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}
	return code, &req, true
}

func resultStatusCode(result *models.RedemptionResult) int {
	switch {
	case result.Status != models.RedemptionStatusRejected:
		return http.StatusOK
	case result.Reason == models.ReasonCodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusUnprocessableEntity
	}
}
