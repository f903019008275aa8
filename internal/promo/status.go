package promo

import (
	"time"

	"promo-engine/internal/models"
)

// StatusOf выводит состояние жизненного цикла из флага активности, окна и счётчика.
// Исчерпание терминально и проверяется первым.
func StatusOf(code *models.DiscountCode, now time.Time) models.CodeStatus {
	switch {
	case QuotaExhausted(code):
		return models.CodeStatusExhausted
	case !code.IsActive && code.ActivatedAt == nil:
		return models.CodeStatusDraft
	case !code.IsActive:
		return models.CodeStatusSuspended
	case code.ValidFrom != nil && now.Before(*code.ValidFrom):
		return models.CodeStatusScheduled
	case code.ValidUntil != nil && !now.Before(*code.ValidUntil):
		return models.CodeStatusExpired
	default:
		return models.CodeStatusActive
	}
}

// WithStatus заполняет производный статус и возвращает тот же код.
func WithStatus(code *models.DiscountCode, now time.Time) *models.DiscountCode {
	if code != nil {
		code.Status = StatusOf(code, now)
	}
	return code
}
