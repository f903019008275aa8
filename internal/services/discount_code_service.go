package services

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"promo-engine/internal/apperror"
	"promo-engine/internal/logger"
	"promo-engine/internal/models"
	"promo-engine/internal/promo"
	"promo-engine/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var codePattern = regexp.MustCompile(`^[A-Z0-9_-]{1,64}$`)

var hundred = decimal.NewFromInt(100)

// DiscountCodeService управляет жизненным циклом промокодов.
// Счётчик использования здесь не меняется.
type DiscountCodeService struct {
	store     repository.CodeStore
	publisher EventPublisher
	stats     StatsInvalidator
	log       *logger.Logger
	now       func() time.Time
}

// NewDiscountCodeService создаёт сервис промокодов.
func NewDiscountCodeService(store repository.CodeStore, publisher EventPublisher, stats StatsInvalidator, log *logger.Logger) *DiscountCodeService {
	return &DiscountCodeService{
		store:     store,
		publisher: publisher,
		stats:     stats,
		log:       log,
		now:       time.Now,
	}
}

// CreateDiscountCode создаёт новый промокод.
func (s *DiscountCodeService) CreateDiscountCode(ctx context.Context, req *models.CreateDiscountCodeRequest) (*models.DiscountCode, error) {
	if req == nil {
		return nil, apperror.Validation("request body is required", nil)
	}

	code := models.NormalizeCode(req.Code)
	if !codePattern.MatchString(code) {
		err := fmt.Errorf("code must match %s", codePattern.String())
		return nil, apperror.Validation(err.Error(), err)
	}

	rules := rulesFromCreate(req)
	if err := validateRules(rules); err != nil {
		return nil, apperror.Validation(err.Error(), err)
	}

	now := s.now()
	dc := rules
	dc.ID = uuid.New()
	dc.Code = code
	dc.IsActive = req.IsActive
	dc.CreatedAt = now
	dc.UpdatedAt = now
	if req.IsActive {
		activatedAt := now
		dc.ActivatedAt = &activatedAt
	}

	if err := s.store.CreateCode(ctx, dc); err != nil {
		return nil, mapStoreError(err, "failed to create discount code")
	}

	s.log.WithFields(map[string]interface{}{
		"code":  dc.Code,
		"kind":  dc.Kind,
		"scope": dc.Scope,
	}).Info("Discount code created")

	s.publishCodeEvent(models.EventTypeDiscountCodeCreated, dc)
	s.invalidateStats(ctx)

	return promo.WithStatus(dc, now), nil
}

// GetDiscountCode возвращает промокод с вычисленным статусом.
func (s *DiscountCodeService) GetDiscountCode(ctx context.Context, codeRef string) (*models.DiscountCode, error) {
	dc, err := s.store.GetCode(ctx, models.NormalizeCode(codeRef))
	if err != nil {
		return nil, mapStoreError(err, "failed to get discount code")
	}
	return promo.WithStatus(dc, s.now()), nil
}

// ListDiscountCodes возвращает промокоды по фильтру.
func (s *DiscountCodeService) ListDiscountCodes(ctx context.Context, filter models.DiscountCodeFilter) ([]*models.DiscountCode, error) {
	if filter.Scope != nil && !filter.Scope.Valid() {
		return nil, apperror.Validation("unknown scope", nil)
	}

	codes, err := s.store.ListCodes(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list discount codes: %w", err)
	}

	now := s.now()
	for _, c := range codes {
		promo.WithStatus(c, now)
	}
	return codes, nil
}

// UpdateDiscountCode заменяет правила промокода. Счётчик и активность не меняются.
func (s *DiscountCodeService) UpdateDiscountCode(ctx context.Context, codeRef string, req *models.UpdateDiscountCodeRequest) (*models.DiscountCode, error) {
	if req == nil {
		return nil, apperror.Validation("request body is required", nil)
	}

	rules := rulesFromUpdate(req)
	if err := validateRules(rules); err != nil {
		return nil, apperror.Validation(err.Error(), err)
	}

	now := s.now()
	rules.Code = models.NormalizeCode(codeRef)
	rules.UpdatedAt = now

	updated, err := s.store.UpdateRules(ctx, rules)
	if err != nil {
		return nil, mapStoreError(err, "failed to update discount code")
	}

	s.log.WithField("code", updated.Code).Info("Discount code rules updated")

	s.publishCodeEvent(models.EventTypeDiscountCodeUpdated, updated)
	s.invalidateStats(ctx)

	return promo.WithStatus(updated, now), nil
}

// SetActive включает или приостанавливает промокод.
func (s *DiscountCodeService) SetActive(ctx context.Context, codeRef string, active bool) (*models.DiscountCode, error) {
	now := s.now()
	dc, wasActive, err := s.store.SetActive(ctx, models.NormalizeCode(codeRef), active, now)
	if err != nil {
		return nil, mapStoreError(err, "failed to change discount code status")
	}

	if wasActive != active {
		s.log.WithFields(map[string]interface{}{
			"code":       dc.Code,
			"old_active": wasActive,
			"new_active": active,
		}).Info("Discount code status changed")

		if s.publisher != nil {
			err := s.publisher.PublishDiscountCodeEvent(models.EventTypeDiscountCodeStatusChanged, dc.Code, &models.CodeStatusChangedData{
				Code:      dc.Code,
				OldActive: wasActive,
				NewActive: active,
			})
			if err != nil {
				s.log.WithError(err).WithField("code", dc.Code).Warn("Failed to publish status change event")
			}
		}
		s.invalidateStats(ctx)
	}

	return promo.WithStatus(dc, now), nil
}

func (s *DiscountCodeService) publishCodeEvent(eventType models.EventType, dc *models.DiscountCode) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.PublishDiscountCodeEvent(eventType, dc.Code, &models.DiscountCodeEventData{
		Code:     dc.Code,
		Kind:     dc.Kind,
		Scope:    dc.Scope,
		IsActive: dc.IsActive,
	})
	if err != nil {
		s.log.WithError(err).WithFields(map[string]interface{}{
			"code":       dc.Code,
			"event_type": eventType,
		}).Warn("Failed to publish discount code event")
	}
}

func (s *DiscountCodeService) invalidateStats(ctx context.Context) {
	if s.stats != nil {
		s.stats.Invalidate(ctx)
	}
}

func rulesFromCreate(req *models.CreateDiscountCodeRequest) *models.DiscountCode {
	return &models.DiscountCode{
		Kind:           req.Kind,
		Value:          req.Value,
		Cap:            req.Cap,
		MinAmount:      req.MinAmount,
		Scope:          req.Scope,
		MaxTotalUses:   req.MaxTotalUses,
		MaxUsesPerUser: req.MaxUsesPerUser,
		ValidFrom:      req.ValidFrom,
		ValidUntil:     req.ValidUntil,
	}
}

func rulesFromUpdate(req *models.UpdateDiscountCodeRequest) *models.DiscountCode {
	return &models.DiscountCode{
		Kind:           req.Kind,
		Value:          req.Value,
		Cap:            req.Cap,
		MinAmount:      req.MinAmount,
		Scope:          req.Scope,
		MaxTotalUses:   req.MaxTotalUses,
		MaxUsesPerUser: req.MaxUsesPerUser,
		ValidFrom:      req.ValidFrom,
		ValidUntil:     req.ValidUntil,
	}
}

// validateRules проверяет правила и проставляет значения по умолчанию.
func validateRules(c *models.DiscountCode) error {
	switch c.Kind {
	case models.DiscountKindPercentage:
		if !c.Value.IsPositive() || c.Value.GreaterThan(hundred) {
			return fmt.Errorf("percentage value must be in (0, 100]")
		}
		if c.Cap != nil && *c.Cap <= 0 {
			return fmt.Errorf("cap must be positive")
		}
	case models.DiscountKindFixed:
		if !c.Value.IsPositive() || !c.Value.IsInteger() {
			return fmt.Errorf("fixed value must be a positive integer in minor units")
		}
		if c.Cap != nil {
			return fmt.Errorf("cap is only allowed for percentage discounts")
		}
	default:
		return fmt.Errorf("kind must be %q or %q", models.DiscountKindPercentage, models.DiscountKindFixed)
	}

	if !c.Scope.Valid() {
		return fmt.Errorf("scope must be one of %q, %q, %q", models.ScopeAll, models.ScopeFeaturedListing, models.ScopeWalletTopup)
	}
	if c.MinAmount != nil && *c.MinAmount < 0 {
		return fmt.Errorf("min_amount must not be negative")
	}
	if c.MaxTotalUses != nil && *c.MaxTotalUses < 1 {
		return fmt.Errorf("max_total_uses must be at least 1")
	}
	if c.MaxUsesPerUser == 0 {
		c.MaxUsesPerUser = 1
	}
	if c.MaxUsesPerUser < 1 {
		return fmt.Errorf("max_uses_per_user must be at least 1")
	}
	if c.ValidFrom != nil && c.ValidUntil != nil && !c.ValidFrom.Before(*c.ValidUntil) {
		return fmt.Errorf("valid_from must be before valid_until")
	}
	return nil
}
