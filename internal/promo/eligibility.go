// Package promo содержит чистые правила промокодов: проверку применимости,
// расчёт скидки и производный статус. Пакет не обращается к хранилищу.
package promo

import (
	"time"

	"promo-engine/internal/models"
)

// Decision представляет результат проверки применимости промокода.
type Decision struct {
	Eligible bool
	Reason   models.RejectReason
}

// Allow возвращает положительное решение.
func Allow() Decision {
	return Decision{Eligible: true}
}

// Reject возвращает отказ с причиной.
func Reject(reason models.RejectReason) Decision {
	return Decision{Reason: reason}
}

// Input описывает попытку погашения на момент проверки.
type Input struct {
	Amount          int64
	Scope           models.DiscountScope
	Now             time.Time
	UserRedemptions int
}

// Evaluate проверяет правила в фиксированном порядке и возвращает первую причину отказа.
// Порядок: активность, окно действия, область, минимальная сумма, общая квота, лимит пользователя.
func Evaluate(code *models.DiscountCode, in Input) Decision {
	if !code.IsActive {
		return Reject(models.ReasonInactive)
	}

	// окно полуоткрытое: [validFrom, validUntil)
	if code.ValidFrom != nil && in.Now.Before(*code.ValidFrom) {
		return Reject(models.ReasonNotYetValid)
	}
	if code.ValidUntil != nil && !in.Now.Before(*code.ValidUntil) {
		return Reject(models.ReasonExpired)
	}

	if !ScopeMatches(code.Scope, in.Scope) {
		return Reject(models.ReasonScopeMismatch)
	}

	if code.MinAmount != nil && in.Amount < *code.MinAmount {
		return Reject(models.ReasonBelowMinimum)
	}

	if QuotaExhausted(code) {
		return Reject(models.ReasonGloballyExhausted)
	}

	if in.UserRedemptions >= perUserLimit(code) {
		return Reject(models.ReasonUserLimitReached)
	}

	return Allow()
}

// ScopeMatches сообщает, применим ли код с областью codeScope к транзакции requested.
func ScopeMatches(codeScope, requested models.DiscountScope) bool {
	return codeScope == models.ScopeAll || codeScope == requested
}

// QuotaExhausted сообщает, что общая квота кода выбрана.
func QuotaExhausted(code *models.DiscountCode) bool {
	return code.MaxTotalUses != nil && code.TotalUsedCount >= *code.MaxTotalUses
}

func perUserLimit(code *models.DiscountCode) int {
	if code.MaxUsesPerUser < 1 {
		return 1
	}
	return code.MaxUsesPerUser
}
