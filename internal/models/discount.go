package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DiscountKind описывает тип скидки промокода.
type DiscountKind string

const (
	DiscountKindPercentage DiscountKind = "percentage"
	DiscountKindFixed      DiscountKind = "fixed"
)

// DiscountScope ограничивает тип транзакций, к которым применим промокод.
type DiscountScope string

const (
	ScopeAll             DiscountScope = "all"
	ScopeFeaturedListing DiscountScope = "featured-listing"
	ScopeWalletTopup     DiscountScope = "wallet-topup"
)

// Valid сообщает, что область известна системе.
func (s DiscountScope) Valid() bool {
	switch s {
	case ScopeAll, ScopeFeaturedListing, ScopeWalletTopup:
		return true
	}
	return false
}

// CodeStatus описывает производное состояние промокода, в базе не хранится.
type CodeStatus string

const (
	CodeStatusDraft     CodeStatus = "draft"
	CodeStatusScheduled CodeStatus = "scheduled"
	CodeStatusActive    CodeStatus = "active"
	CodeStatusSuspended CodeStatus = "suspended"
	CodeStatusExpired   CodeStatus = "expired"
	CodeStatusExhausted CodeStatus = "exhausted"
)

// DiscountCode представляет промокод и его статические правила.
// TotalUsedCount изменяется только координатором погашений.
type DiscountCode struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	Code           string          `json:"code" db:"code"`
	Kind           DiscountKind    `json:"kind" db:"kind"`
	Value          decimal.Decimal `json:"value" db:"value"`
	Cap            *int64          `json:"cap,omitempty" db:"cap"`
	MinAmount      *int64          `json:"min_amount,omitempty" db:"min_amount"`
	Scope          DiscountScope   `json:"scope" db:"scope"`
	MaxTotalUses   *int            `json:"max_total_uses,omitempty" db:"max_total_uses"`
	MaxUsesPerUser int             `json:"max_uses_per_user" db:"max_uses_per_user"`
	ValidFrom      *time.Time      `json:"valid_from,omitempty" db:"valid_from"`
	ValidUntil     *time.Time      `json:"valid_until,omitempty" db:"valid_until"`
	IsActive       bool            `json:"is_active" db:"is_active"`
	ActivatedAt    *time.Time      `json:"activated_at,omitempty" db:"activated_at"`
	TotalUsedCount int             `json:"total_used_count" db:"total_used_count"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	Status         CodeStatus      `json:"status,omitempty" db:"-"`
}

// Clone возвращает независимую копию (указатели тоже копируются).
func (c *DiscountCode) Clone() *DiscountCode {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Cap = cloneInt64(c.Cap)
	cp.MinAmount = cloneInt64(c.MinAmount)
	if c.MaxTotalUses != nil {
		v := *c.MaxTotalUses
		cp.MaxTotalUses = &v
	}
	cp.ValidFrom = cloneTime(c.ValidFrom)
	cp.ValidUntil = cloneTime(c.ValidUntil)
	cp.ActivatedAt = cloneTime(c.ActivatedAt)
	return &cp
}

// CreateDiscountCodeRequest описывает запрос на создание промокода.
type CreateDiscountCodeRequest struct {
	Code           string          `json:"code"`
	Kind           DiscountKind    `json:"kind"`
	Value          decimal.Decimal `json:"value"`
	Cap            *int64          `json:"cap,omitempty"`
	MinAmount      *int64          `json:"min_amount,omitempty"`
	Scope          DiscountScope   `json:"scope"`
	MaxTotalUses   *int            `json:"max_total_uses,omitempty"` // nil = безлимит
	MaxUsesPerUser int             `json:"max_uses_per_user,omitempty"`
	ValidFrom      *time.Time      `json:"valid_from,omitempty"`
	ValidUntil     *time.Time      `json:"valid_until,omitempty"`
	IsActive       bool            `json:"is_active"`
}

// UpdateDiscountCodeRequest заменяет правила промокода. Активность меняется отдельным переключателем.
type UpdateDiscountCodeRequest struct {
	Kind           DiscountKind    `json:"kind"`
	Value          decimal.Decimal `json:"value"`
	Cap            *int64          `json:"cap,omitempty"`
	MinAmount      *int64          `json:"min_amount,omitempty"`
	Scope          DiscountScope   `json:"scope"`
	MaxTotalUses   *int            `json:"max_total_uses,omitempty"`
	MaxUsesPerUser int             `json:"max_uses_per_user,omitempty"`
	ValidFrom      *time.Time      `json:"valid_from,omitempty"`
	ValidUntil     *time.Time      `json:"valid_until,omitempty"`
}

// DiscountCodeFilter задает выборку для списка промокодов.
type DiscountCodeFilter struct {
	Active *bool
	Scope  *DiscountScope
	Limit  int
	Offset int
}

// NormalizeCode приводит код к каноническому виду (без пробелов, в верхнем регистре).
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}
