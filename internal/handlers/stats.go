package handlers

import (
	"net/http"

	"promo-engine/internal/logger"
)

// StatsHandler отдаёт отчётную статистику по промокодам.
type StatsHandler struct {
	stats StatsProvider
	log   *logger.Logger
}

// NewStatsHandler создаёт обработчик статистики.
func NewStatsHandler(stats StatsProvider, log *logger.Logger) *StatsHandler {
	return &StatsHandler{stats: stats, log: log}
}

// GetStats возвращает агрегаты.
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.GetStats(r.Context())
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get redemption stats")
		return
	}
	writeJSONResponse(w, http.StatusOK, stats)
}
