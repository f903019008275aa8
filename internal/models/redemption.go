package models

import (
	"time"

	"github.com/google/uuid"
)

// RejectReason описывает ожидаемый бизнес-исход отказа в погашении.
type RejectReason string

const (
	ReasonInactive          RejectReason = "INACTIVE"
	ReasonExpired           RejectReason = "EXPIRED"
	ReasonNotYetValid       RejectReason = "NOT_YET_VALID"
	ReasonScopeMismatch     RejectReason = "SCOPE_MISMATCH"
	ReasonBelowMinimum      RejectReason = "BELOW_MINIMUM"
	ReasonGloballyExhausted RejectReason = "GLOBALLY_EXHAUSTED"
	ReasonUserLimitReached  RejectReason = "USER_LIMIT_REACHED"
	ReasonCodeNotFound      RejectReason = "CODE_NOT_FOUND"
)

// RedemptionStatus описывает итог попытки погашения.
type RedemptionStatus string

const (
	RedemptionStatusRedeemed RedemptionStatus = "redeemed"
	RedemptionStatusRejected RedemptionStatus = "rejected"
	// RedemptionStatusEligible возвращается предпросмотром: код применим, но квота не списана.
	RedemptionStatusEligible RedemptionStatus = "eligible"
)

// RedeemRequest представляет запрос checkout-потока на применение промокода.
type RedeemRequest struct {
	Amount         int64         `json:"amount"`
	Scope          DiscountScope `json:"scope"`
	UserID         string        `json:"user_id"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

// RedemptionResult представляет типизированный результат погашения или предпросмотра.
// Отказы по правилам возвращаются здесь, а не ошибкой.
type RedemptionResult struct {
	Status               RedemptionStatus `json:"status"`
	Reason               RejectReason     `json:"reason,omitempty"`
	Code                 string           `json:"code"`
	UserID               string           `json:"user_id"`
	AmountBeforeDiscount int64            `json:"amount_before_discount"`
	DiscountApplied      int64            `json:"discount_applied"`
	FinalAmount          int64            `json:"final_amount"`
	RedemptionID         *uuid.UUID       `json:"redemption_id,omitempty"`
	RedeemedAt           *time.Time       `json:"redeemed_at,omitempty"`
	Replayed             bool             `json:"replayed,omitempty"`
}

// Succeeded сообщает, что квота была списана (или запрос повторён по ключу идемпотентности).
func (r *RedemptionResult) Succeeded() bool {
	return r != nil && r.Status == RedemptionStatusRedeemed
}

// RedemptionRecord представляет неизменяемую запись журнала погашений.
type RedemptionRecord struct {
	ID                   uuid.UUID     `json:"id" db:"id"`
	CodeID               uuid.UUID     `json:"code_id" db:"code_id"`
	Code                 string        `json:"code" db:"code"`
	UserID               string        `json:"user_id" db:"user_id"`
	Scope                DiscountScope `json:"scope" db:"scope"`
	AmountBeforeDiscount int64         `json:"amount_before_discount" db:"amount_before_discount"`
	DiscountApplied      int64         `json:"discount_applied" db:"discount_applied"`
	FinalAmount          int64         `json:"final_amount" db:"final_amount"`
	IdempotencyKey       *string       `json:"idempotency_key,omitempty" db:"idempotency_key"`
	RedeemedAt           time.Time     `json:"redeemed_at" db:"redeemed_at"`
}

// ToResult восстанавливает результат погашения по записи журнала.
func (r *RedemptionRecord) ToResult() *RedemptionResult {
	id := r.ID
	at := r.RedeemedAt
	return &RedemptionResult{
		Status:               RedemptionStatusRedeemed,
		Code:                 r.Code,
		UserID:               r.UserID,
		AmountBeforeDiscount: r.AmountBeforeDiscount,
		DiscountApplied:      r.DiscountApplied,
		FinalAmount:          r.FinalAmount,
		RedemptionID:         &id,
		RedeemedAt:           &at,
	}
}

// ReconcileReport сравнивает кешированный счётчик с журналом.
type ReconcileReport struct {
	Code           string    `json:"code"`
	TotalUsedCount int       `json:"total_used_count"`
	RecordCount    int       `json:"record_count"`
	Consistent     bool      `json:"consistent"`
	CheckedAt      time.Time `json:"checked_at"`
}

// RedemptionStats содержит агрегаты для отчётных экранов.
type RedemptionStats struct {
	TotalCodes           int       `json:"total_codes"`
	ActiveCodes          int       `json:"active_codes"`
	ExpiredCodes         int       `json:"expired_codes"`
	ExhaustedCodes       int       `json:"exhausted_codes"`
	TotalRedemptions     int       `json:"total_redemptions"`
	TotalDiscountGranted int64     `json:"total_discount_granted"`
	GeneratedAt          time.Time `json:"generated_at"`
}
