package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"promo-engine/internal/apperror"
	"promo-engine/internal/config"
	"promo-engine/internal/database"
	"promo-engine/internal/logger"
	"promo-engine/internal/metrics"
	"promo-engine/internal/models"
	"promo-engine/internal/promo"
	"promo-engine/internal/repository"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
)

const (
	defaultRedeemAttempts = 3
	defaultRetryDelay     = 20 * time.Millisecond
	maxIdempotencyKeyLen  = 128
	maxUserIDLen          = 128
)

// errRejected откатывает атомарную единицу при отказе по правилам.
var errRejected = errors.New("redemption rejected")

// RedemptionService координирует погашение: блокировка кода, проверка правил,
// защищённый инкремент счётчика и запись в журнал выполняются одной единицей.
type RedemptionService struct {
	store     repository.Store
	publisher EventPublisher
	stats     StatsInvalidator
	metrics   *metrics.Metrics
	log       *logger.Logger
	attempts  uint
	delay     time.Duration
	now       func() time.Time
}

// NewRedemptionService создает сервис погашений.
func NewRedemptionService(store repository.Store, publisher EventPublisher, stats StatsInvalidator, m *metrics.Metrics, log *logger.Logger, cfg *config.RedemptionConfig) *RedemptionService {
	attempts := uint(defaultRedeemAttempts)
	delay := defaultRetryDelay
	if cfg != nil {
		if cfg.MaxAttempts > 0 {
			attempts = uint(cfg.MaxAttempts)
		}
		if cfg.RetryDelayMs > 0 {
			delay = time.Duration(cfg.RetryDelayMs) * time.Millisecond
		}
	}

	return &RedemptionService{
		store:     store,
		publisher: publisher,
		stats:     stats,
		metrics:   m,
		log:       log,
		attempts:  attempts,
		delay:     delay,
		now:       time.Now,
	}
}

// Redeem применяет промокод к транзакции. Отказы по правилам возвращаются
// в результате с nil-ошибкой; ошибка означает неверный ввод или сбой хранилища.
func (s *RedemptionService) Redeem(ctx context.Context, codeRef string, req *models.RedeemRequest) (*models.RedemptionResult, error) {
	code := models.NormalizeCode(codeRef)
	if err := validateRedeemRequest(code, req); err != nil {
		return nil, apperror.Validation(err.Error(), err)
	}

	started := time.Now()
	var (
		result    *models.RedemptionResult
		totalUsed int
	)

	err := retry.Do(
		func() error {
			r, used, err := s.redeemOnce(ctx, code, req)
			if err != nil {
				return err
			}
			result, totalUsed = r, used
			return nil
		},
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && database.IsRetryable(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			s.metrics.IncRetry()
			s.log.WithError(err).WithFields(map[string]interface{}{
				"code":    code,
				"attempt": n + 1,
			}).Warn("Redemption conflicted, retrying")
		}),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(s.delay),
		retry.Attempts(s.attempts),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		s.metrics.ObserveRedemption(metrics.OutcomeError, "", time.Since(started))
		s.log.WithError(err).WithFields(map[string]interface{}{
			"code":    code,
			"user_id": req.UserID,
		}).Error("Redemption failed")
		return nil, apperror.Transient("redemption could not be completed, try again", err)
	}

	s.finish(ctx, req, result, totalUsed, time.Since(started))
	return result, nil
}

// redeemOnce выполняет одну попытку в рамках WithCodeLock.
func (s *RedemptionService) redeemOnce(ctx context.Context, code string, req *models.RedeemRequest) (*models.RedemptionResult, int, error) {
	var (
		result    *models.RedemptionResult
		totalUsed int
	)

	err := s.store.WithCodeLock(ctx, code, func(tx repository.LedgerTx) error {
		locked := tx.Code()

		if req.IdempotencyKey != "" {
			prev, err := tx.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if prev != nil {
				result = prev.ToResult()
				result.Replayed = true
				totalUsed = locked.TotalUsedCount
				return nil
			}
		}

		userRedemptions, err := tx.CountUserRedemptions(ctx, req.UserID)
		if err != nil {
			return err
		}

		now := s.now()
		decision := promo.Evaluate(locked, promo.Input{
			Amount:          req.Amount,
			Scope:           req.Scope,
			Now:             now,
			UserRedemptions: userRedemptions,
		})
		if !decision.Eligible {
			result = rejected(code, req, decision.Reason)
			return errRejected
		}

		discount := promo.ComputeDiscount(locked, req.Amount)

		used, err := tx.IncrementUsage(ctx, now)
		if err != nil {
			if errors.Is(err, repository.ErrQuotaExhausted) {
				result = rejected(code, req, models.ReasonGloballyExhausted)
				return errRejected
			}
			return err
		}

		record := &models.RedemptionRecord{
			ID:                   uuid.New(),
			CodeID:               locked.ID,
			Code:                 locked.Code,
			UserID:               req.UserID,
			Scope:                req.Scope,
			AmountBeforeDiscount: req.Amount,
			DiscountApplied:      discount,
			FinalAmount:          promo.FinalAmount(req.Amount, discount),
			RedeemedAt:           now,
		}
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			record.IdempotencyKey = &key
		}
		if err := tx.AppendRecord(ctx, record); err != nil {
			return err
		}

		result = record.ToResult()
		totalUsed = used
		return nil
	})

	switch {
	case errors.Is(err, errRejected):
		return result, totalUsed, nil
	case errors.Is(err, repository.ErrCodeNotFound):
		return rejected(code, req, models.ReasonCodeNotFound), 0, nil
	case err != nil:
		return nil, 0, err
	}
	return result, totalUsed, nil
}

// finish выполняет побочные эффекты после фиксации: метрики, событие, сброс кеша.
func (s *RedemptionService) finish(ctx context.Context, req *models.RedeemRequest, result *models.RedemptionResult, totalUsed int, elapsed time.Duration) {
	fields := map[string]interface{}{
		"code":    result.Code,
		"user_id": req.UserID,
		"amount":  req.Amount,
	}

	switch {
	case result.Replayed:
		s.metrics.ObserveRedemption(metrics.OutcomeReplayed, "", elapsed)
		s.log.WithFields(fields).Info("Redemption replayed by idempotency key")
		return
	case !result.Succeeded():
		s.metrics.ObserveRedemption(metrics.OutcomeRejected, string(result.Reason), elapsed)
		s.log.WithFields(fields).WithField("reason", result.Reason).Debug("Redemption rejected")
		return
	}

	s.metrics.ObserveRedemption(metrics.OutcomeRedeemed, "", elapsed)
	s.metrics.AddDiscount(result.DiscountApplied)
	s.log.WithFields(fields).WithField("discount", result.DiscountApplied).Info("Discount code redeemed")

	if s.publisher != nil {
		err := s.publisher.PublishRedemption(&models.RedemptionEventData{
			RedemptionID:    *result.RedemptionID,
			Code:            result.Code,
			UserID:          result.UserID,
			Scope:           req.Scope,
			Amount:          result.AmountBeforeDiscount,
			DiscountApplied: result.DiscountApplied,
			TotalUsedCount:  totalUsed,
		})
		s.metrics.ObserveEvent(string(models.EventTypeDiscountRedeemed), err)
		if err != nil {
			s.log.WithError(err).WithFields(fields).Warn("Failed to publish redemption event")
		}
	}

	if s.stats != nil {
		s.stats.Invalidate(ctx)
	}
}

// Preview проверяет применимость и считает скидку без блокировки и без изменений.
func (s *RedemptionService) Preview(ctx context.Context, codeRef string, req *models.RedeemRequest) (*models.RedemptionResult, error) {
	code := models.NormalizeCode(codeRef)
	if err := validateRedeemRequest(code, req); err != nil {
		return nil, apperror.Validation(err.Error(), err)
	}

	dc, err := s.store.GetCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrCodeNotFound) {
			return rejected(code, req, models.ReasonCodeNotFound), nil
		}
		return nil, apperror.Transient("failed to load discount code", err)
	}

	userRedemptions, err := s.store.UserRedemptionCount(ctx, code, req.UserID)
	if err != nil {
		return nil, apperror.Transient("failed to load user redemptions", err)
	}

	decision := promo.Evaluate(dc, promo.Input{
		Amount:          req.Amount,
		Scope:           req.Scope,
		Now:             s.now(),
		UserRedemptions: userRedemptions,
	})
	if !decision.Eligible {
		return rejected(code, req, decision.Reason), nil
	}

	discount := promo.ComputeDiscount(dc, req.Amount)
	return &models.RedemptionResult{
		Status:               models.RedemptionStatusEligible,
		Code:                 code,
		UserID:               req.UserID,
		AmountBeforeDiscount: req.Amount,
		DiscountApplied:      discount,
		FinalAmount:          promo.FinalAmount(req.Amount, discount),
	}, nil
}

// ListRedemptions возвращает журнал погашений кода.
func (s *RedemptionService) ListRedemptions(ctx context.Context, codeRef string, limit, offset int) ([]*models.RedemptionRecord, error) {
	code := models.NormalizeCode(codeRef)
	if _, err := s.store.GetCode(ctx, code); err != nil {
		return nil, mapStoreError(err, "failed to get discount code")
	}

	records, err := s.store.ListRedemptions(ctx, code, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list redemptions: %w", err)
	}
	return records, nil
}

// Reconcile сверяет счётчик кода с журналом. Только чтение.
func (s *RedemptionService) Reconcile(ctx context.Context, codeRef string) (*models.ReconcileReport, error) {
	code := models.NormalizeCode(codeRef)
	report, err := s.store.Reconcile(ctx, code)
	if err != nil {
		return nil, mapStoreError(err, "failed to reconcile discount code")
	}
	if !report.Consistent {
		s.log.WithFields(map[string]interface{}{
			"code":             code,
			"total_used_count": report.TotalUsedCount,
			"record_count":     report.RecordCount,
		}).Warn("Usage counter drifted from redemption ledger")
	}
	return report, nil
}

func rejected(code string, req *models.RedeemRequest, reason models.RejectReason) *models.RedemptionResult {
	return &models.RedemptionResult{
		Status:               models.RedemptionStatusRejected,
		Reason:               reason,
		Code:                 code,
		UserID:               req.UserID,
		AmountBeforeDiscount: req.Amount,
		FinalAmount:          req.Amount,
	}
}

func validateRedeemRequest(code string, req *models.RedeemRequest) error {
	switch {
	case req == nil:
		return fmt.Errorf("request body is required")
	case code == "":
		return fmt.Errorf("code is required")
	case req.Amount <= 0:
		return fmt.Errorf("amount must be a positive integer in minor units")
	case req.Scope != models.ScopeFeaturedListing && req.Scope != models.ScopeWalletTopup:
		return fmt.Errorf("scope must be %q or %q", models.ScopeFeaturedListing, models.ScopeWalletTopup)
	case req.UserID == "":
		return fmt.Errorf("user_id is required")
	case len(req.UserID) > maxUserIDLen:
		return fmt.Errorf("user_id must be at most %d characters", maxUserIDLen)
	case len(req.IdempotencyKey) > maxIdempotencyKeyLen:
		return fmt.Errorf("idempotency_key must be at most %d characters", maxIdempotencyKeyLen)
	}
	return nil
}

// mapStoreError переводит ошибки хранилища в ошибки приложения.
func mapStoreError(err error, msg string) error {
	switch {
	case errors.Is(err, repository.ErrCodeNotFound):
		return apperror.NotFound("discount code not found", err)
	case errors.Is(err, repository.ErrDuplicateCode):
		return apperror.Conflict("discount code already exists", err)
	case errors.Is(err, repository.ErrQuotaBelowUsage):
		return apperror.Validation("max_total_uses cannot be lower than current usage", err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
