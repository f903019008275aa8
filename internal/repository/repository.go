// Package repository задаёт границы хранения промокодов и журнала погашений.
//
// Счётчик total_used_count меняется только через LedgerTx.IncrementUsage
// внутри WithCodeLock; CodeStore обновляет лишь статические правила.
package repository

import (
	"context"
	"errors"
	"time"

	"promo-engine/internal/models"
)

var (
	// ErrCodeNotFound возвращается, если промокод не существует.
	ErrCodeNotFound = errors.New("discount code not found")
	// ErrDuplicateCode возвращается при повторном создании кода.
	ErrDuplicateCode = errors.New("discount code already exists")
	// ErrQuotaExhausted возвращается защищённым инкрементом, если квота выбрана.
	ErrQuotaExhausted = errors.New("discount code quota exhausted")
	// ErrQuotaBelowUsage возвращается, если новая квота меньше уже использованной.
	ErrQuotaBelowUsage = errors.New("max_total_uses is below current usage")
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// CodeStore хранит промокоды и их правила.
type CodeStore interface {
	CreateCode(ctx context.Context, code *models.DiscountCode) error
	GetCode(ctx context.Context, code string) (*models.DiscountCode, error)
	ListCodes(ctx context.Context, filter models.DiscountCodeFilter) ([]*models.DiscountCode, error)
	// UpdateRules заменяет правила кода и возвращает сохранённую запись.
	UpdateRules(ctx context.Context, code *models.DiscountCode) (*models.DiscountCode, error)
	// SetActive переключает флаг активности и возвращает запись и прежнее значение флага.
	SetActive(ctx context.Context, code string, active bool, at time.Time) (*models.DiscountCode, bool, error)
}

// Ledger представляет журнал погашений и единственную точку изменения счётчика использования.
type Ledger interface {
	// WithCodeLock выполняет fn как одну атомарную единицу под блокировкой кода.
	// Ошибка fn откатывает все изменения.
	WithCodeLock(ctx context.Context, code string, fn func(tx LedgerTx) error) error
	ListRedemptions(ctx context.Context, code string, limit, offset int) ([]*models.RedemptionRecord, error)
	// UserRedemptionCount читает число погашений пользователя без блокировки.
	UserRedemptionCount(ctx context.Context, code, userID string) (int, error)
	Reconcile(ctx context.Context, code string) (*models.ReconcileReport, error)
	Stats(ctx context.Context, now time.Time) (*models.RedemptionStats, error)
}

// LedgerTx объединяет операции, доступные под блокировкой кода.
type LedgerTx interface {
	// Code возвращает заблокированный промокод.
	Code() *models.DiscountCode
	CountUserRedemptions(ctx context.Context, userID string) (int, error)
	// FindByIdempotencyKey возвращает nil без ошибки, если записи нет.
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*models.RedemptionRecord, error)
	// IncrementUsage увеличивает счётчик, только если квота не выбрана, и возвращает новое значение.
	IncrementUsage(ctx context.Context, at time.Time) (int, error)
	AppendRecord(ctx context.Context, rec *models.RedemptionRecord) error
}

// Store объединяет обе границы хранения.
type Store interface {
	CodeStore
	Ledger
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
