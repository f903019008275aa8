package handlers

import (
	"context"

	"promo-engine/internal/models"
)

// ----- Discount codes -----

type DiscountCodeService interface {
	CreateDiscountCode(ctx context.Context, req *models.CreateDiscountCodeRequest) (*models.DiscountCode, error)
	GetDiscountCode(ctx context.Context, code string) (*models.DiscountCode, error)
	ListDiscountCodes(ctx context.Context, filter models.DiscountCodeFilter) ([]*models.DiscountCode, error)
	UpdateDiscountCode(ctx context.Context, code string, req *models.UpdateDiscountCodeRequest) (*models.DiscountCode, error)
	SetActive(ctx context.Context, code string, active bool) (*models.DiscountCode, error)
}

// ----- Redemptions -----

type RedemptionService interface {
	Redeem(ctx context.Context, code string, req *models.RedeemRequest) (*models.RedemptionResult, error)
	Preview(ctx context.Context, code string, req *models.RedeemRequest) (*models.RedemptionResult, error)
	ListRedemptions(ctx context.Context, code string, limit, offset int) ([]*models.RedemptionRecord, error)
	Reconcile(ctx context.Context, code string) (*models.ReconcileReport, error)
}

// ----- Stats -----

type StatsProvider interface {
	GetStats(ctx context.Context) (*models.RedemptionStats, error)
}

// ----- Health -----

type DBHealth interface {
	Health() error
}

type RedisHealth interface {
	Health(ctx context.Context) error
}
