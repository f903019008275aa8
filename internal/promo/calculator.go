package promo

import (
	"promo-engine/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ComputeDiscount рассчитывает скидку в минимальных единицах валюты.
// Процент округляется вниз, фиксированная скидка не превышает сумму,
// результат всегда в диапазоне [0, amount].
func ComputeDiscount(code *models.DiscountCode, amount int64) int64 {
	if amount <= 0 {
		return 0
	}

	var discount int64
	switch code.Kind {
	case models.DiscountKindFixed:
		discount = code.Value.Floor().IntPart()
	case models.DiscountKindPercentage:
		discount = decimal.NewFromInt(amount).Mul(code.Value).Div(hundred).Floor().IntPart()
		if code.Cap != nil && discount > *code.Cap {
			discount = *code.Cap
		}
	default:
		return 0
	}

	return clamp(discount, 0, amount)
}

// FinalAmount возвращает сумму к оплате после скидки.
func FinalAmount(amount, discount int64) int64 {
	return amount - discount
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
