package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"promo-engine/internal/apperror"
	"promo-engine/internal/config"
	"promo-engine/internal/metrics"
	"promo-engine/internal/models"
	"promo-engine/internal/repository"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func redeemReq(user string, amount int64, scope models.DiscountScope) *models.RedeemRequest {
	return &models.RedeemRequest{Amount: amount, Scope: scope, UserID: user}
}

func TestRedemptionService_Summer2024(t *testing.T) {
	f := newServiceFixture()
	f.createCode(t, summerRequest())
	ctx := context.Background()

	first, err := f.redemptions.Redeem(ctx, "SUMMER2024", redeemReq("u1", 1000000, models.ScopeFeaturedListing))
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionStatusRedeemed, first.Status)
	assert.Equal(t, int64(100000), first.DiscountApplied)
	assert.Equal(t, int64(900000), first.FinalAmount)
	require.NotNil(t, first.RedemptionID)

	second, err := f.redemptions.Redeem(ctx, "summer2024", redeemReq("u2", 200000, models.ScopeWalletTopup))
	require.NoError(t, err)
	assert.Equal(t, int64(20000), second.DiscountApplied)
	assert.Equal(t, int64(180000), second.FinalAmount)

	dc, err := f.store.GetCode(ctx, "SUMMER2024")
	require.NoError(t, err)
	assert.Equal(t, 2, dc.TotalUsedCount)

	third, err := f.redemptions.Redeem(ctx, "SUMMER2024", redeemReq("u3", 200000, models.ScopeWalletTopup))
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionStatusRejected, third.Status)
	assert.Equal(t, models.ReasonGloballyExhausted, third.Reason)
	assert.Equal(t, int64(200000), third.FinalAmount)

	assert.Len(t, f.publisher.ofType(models.EventTypeDiscountRedeemed), 2)

	report, err := f.redemptions.Reconcile(ctx, "SUMMER2024")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, 2, report.RecordCount)
}

func TestRedemptionService_ScopeMismatchDoesNotMutate(t *testing.T) {
	f := newServiceFixture()
	f.createCode(t, &models.CreateDiscountCodeRequest{
		Code:     "TOPUP10",
		Kind:     models.DiscountKindFixed,
		Value:    decimal.NewFromInt(1000),
		Scope:    models.ScopeWalletTopup,
		IsActive: true,
	})
	ctx := context.Background()
	before := f.stats.count()

	res, err := f.redemptions.Redeem(ctx, "TOPUP10", redeemReq("u1", 50000, models.ScopeFeaturedListing))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonScopeMismatch, res.Reason)
	assert.Equal(t, int64(0), res.DiscountApplied)

	dc, err := f.store.GetCode(ctx, "TOPUP10")
	require.NoError(t, err)
	assert.Equal(t, 0, dc.TotalUsedCount)

	records, err := f.redemptions.ListRedemptions(ctx, "TOPUP10", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, f.publisher.ofType(models.EventTypeDiscountRedeemed))
	assert.Equal(t, before, f.stats.count())
}

func TestRedemptionService_CodeNotFoundIsResult(t *testing.T) {
	f := newServiceFixture()

	res, err := f.redemptions.Redeem(context.Background(), "MISSING", redeemReq("u1", 1000, models.ScopeWalletTopup))
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionStatusRejected, res.Status)
	assert.Equal(t, models.ReasonCodeNotFound, res.Reason)
}

func TestRedemptionService_Validation(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()

	cases := map[string]*models.RedeemRequest{
		"nil request":   nil,
		"zero amount":   redeemReq("u1", 0, models.ScopeWalletTopup),
		"negative":      redeemReq("u1", -5, models.ScopeWalletTopup),
		"scope all":     redeemReq("u1", 100, models.ScopeAll),
		"unknown scope": redeemReq("u1", 100, "boost"),
		"missing user":  redeemReq("", 100, models.ScopeWalletTopup),
		"key too long":  {Amount: 100, Scope: models.ScopeWalletTopup, UserID: "u1", IdempotencyKey: string(make([]byte, 129))},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.redemptions.Redeem(ctx, "ANY", req)
			require.Error(t, err)
			assert.True(t, apperror.Is(err, apperror.KindValidation))
		})
	}

	_, err := f.redemptions.Redeem(ctx, "  ", redeemReq("u1", 100, models.ScopeWalletTopup))
	assert.True(t, apperror.Is(err, apperror.KindValidation))
}

func TestRedemptionService_ConcurrentQuota(t *testing.T) {
	f := newServiceFixture()
	f.createCode(t, &models.CreateDiscountCodeRequest{
		Code:         "FLASH",
		Kind:         models.DiscountKindFixed,
		Value:        decimal.NewFromInt(500),
		Scope:        models.ScopeAll,
		MaxTotalUses: ptrInt(10),
		IsActive:     true,
	})
	ctx := context.Background()

	var redeemed, exhausted int32
	var g errgroup.Group
	for i := 0; i < 50; i++ {
		user := fmt.Sprintf("user-%d", i)
		g.Go(func() error {
			res, err := f.redemptions.Redeem(ctx, "FLASH", redeemReq(user, 10000, models.ScopeFeaturedListing))
			if err != nil {
				return err
			}
			switch {
			case res.Succeeded():
				atomic.AddInt32(&redeemed, 1)
			case res.Reason == models.ReasonGloballyExhausted:
				atomic.AddInt32(&exhausted, 1)
			default:
				return fmt.Errorf("unexpected reason %s", res.Reason)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(10), redeemed)
	assert.Equal(t, int32(40), exhausted)

	report, err := f.redemptions.Reconcile(ctx, "FLASH")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, 10, report.TotalUsedCount)
}

func TestRedemptionService_ConcurrentPerUserLimit(t *testing.T) {
	f := newServiceFixture()
	f.createCode(t, &models.CreateDiscountCodeRequest{
		Code:           "TWICE",
		Kind:           models.DiscountKindPercentage,
		Value:          decimal.NewFromInt(5),
		Scope:          models.ScopeAll,
		MaxUsesPerUser: 2,
		IsActive:       true,
	})
	ctx := context.Background()

	var redeemed, limited int32
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			res, err := f.redemptions.Redeem(ctx, "TWICE", redeemReq("same-user", 10000, models.ScopeWalletTopup))
			if err != nil {
				return err
			}
			if res.Succeeded() {
				atomic.AddInt32(&redeemed, 1)
			} else if res.Reason == models.ReasonUserLimitReached {
				atomic.AddInt32(&limited, 1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(2), redeemed)
	assert.Equal(t, int32(18), limited)
}

func TestRedemptionService_IdempotentReplay(t *testing.T) {
	f := newServiceFixture()
	f.createCode(t, summerRequest())
	ctx := context.Background()

	req := redeemReq("u1", 1000000, models.ScopeWalletTopup)
	req.IdempotencyKey = "checkout-42"

	first, err := f.redemptions.Redeem(ctx, "SUMMER2024", req)
	require.NoError(t, err)
	require.True(t, first.Succeeded())
	assert.False(t, first.Replayed)

	again, err := f.redemptions.Redeem(ctx, "SUMMER2024", req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, *first.RedemptionID, *again.RedemptionID)
	assert.Equal(t, first.DiscountApplied, again.DiscountApplied)

	dc, err := f.store.GetCode(ctx, "SUMMER2024")
	require.NoError(t, err)
	assert.Equal(t, 1, dc.TotalUsedCount)
	assert.Len(t, f.publisher.ofType(models.EventTypeDiscountRedeemed), 1)

	// без ключа тот же пользователь упирается в лимит
	res, err := f.redemptions.Redeem(ctx, "SUMMER2024", redeemReq("u1", 1000000, models.ScopeWalletTopup))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonUserLimitReached, res.Reason)
}

func TestRedemptionService_InactiveCode(t *testing.T) {
	f := newServiceFixture()
	req := summerRequest()
	req.IsActive = false
	f.createCode(t, req)

	res, err := f.redemptions.Redeem(context.Background(), "SUMMER2024", redeemReq("u1", 100000, models.ScopeWalletTopup))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonInactive, res.Reason)
}

func TestRedemptionService_Preview(t *testing.T) {
	f := newServiceFixture()
	f.createCode(t, summerRequest())
	ctx := context.Background()

	res, err := f.redemptions.Preview(ctx, "SUMMER2024", redeemReq("u1", 1000000, models.ScopeWalletTopup))
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionStatusEligible, res.Status)
	assert.Equal(t, int64(100000), res.DiscountApplied)
	assert.Nil(t, res.RedemptionID)

	dc, err := f.store.GetCode(ctx, "SUMMER2024")
	require.NoError(t, err)
	assert.Equal(t, 0, dc.TotalUsedCount)

	low, err := f.redemptions.Preview(ctx, "SUMMER2024", redeemReq("u1", 100, models.ScopeWalletTopup))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonBelowMinimum, low.Reason)

	missing, err := f.redemptions.Preview(ctx, "NOPE", redeemReq("u1", 100, models.ScopeWalletTopup))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonCodeNotFound, missing.Reason)
}

func TestRedemptionService_ListRedemptionsUnknownCode(t *testing.T) {
	f := newServiceFixture()

	_, err := f.redemptions.ListRedemptions(context.Background(), "NOPE", 10, 0)
	assert.True(t, apperror.Is(err, apperror.KindNotFound))

	_, err = f.redemptions.Reconcile(context.Background(), "NOPE")
	assert.True(t, apperror.Is(err, apperror.KindNotFound))
}

// conflictingStore возвращает ошибку сериализации на первых попытках.
type conflictingStore struct {
	*repository.MemoryStore
	mu        sync.Mutex
	failures  int
	lockCalls int
	err       error
}

func (s *conflictingStore) WithCodeLock(ctx context.Context, code string, fn func(tx repository.LedgerTx) error) error {
	s.mu.Lock()
	s.lockCalls++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()

	if fail {
		return fmt.Errorf("failed to commit redemption: %w", s.err)
	}
	return s.MemoryStore.WithCodeLock(ctx, code, fn)
}

func TestRedemptionService_RetriesSerializationFailure(t *testing.T) {
	mem := repository.NewMemoryStore()
	store := &conflictingStore{MemoryStore: mem, failures: 2, err: &pq.Error{Code: "40001"}}
	m := metrics.New()
	log := newTestLogger()

	codes := NewDiscountCodeService(mem, nil, nil, log)
	_, err := codes.CreateDiscountCode(context.Background(), summerRequest())
	require.NoError(t, err)

	svc := NewRedemptionService(store, nil, nil, m, log, &config.RedemptionConfig{MaxAttempts: 3, RetryDelayMs: 1})
	res, err := svc.Redeem(context.Background(), "SUMMER2024", redeemReq("u1", 1000000, models.ScopeWalletTopup))
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, 3, store.lockCalls)
}

func TestRedemptionService_RetriesExhausted(t *testing.T) {
	mem := repository.NewMemoryStore()
	store := &conflictingStore{MemoryStore: mem, failures: 10, err: &pq.Error{Code: "40P01"}}
	log := newTestLogger()

	_, err := NewDiscountCodeService(mem, nil, nil, log).CreateDiscountCode(context.Background(), summerRequest())
	require.NoError(t, err)

	svc := NewRedemptionService(store, nil, nil, nil, log, &config.RedemptionConfig{MaxAttempts: 2, RetryDelayMs: 1})
	_, err = svc.Redeem(context.Background(), "SUMMER2024", redeemReq("u1", 1000000, models.ScopeWalletTopup))
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindTransient))
	assert.Equal(t, 2, store.lockCalls)

	dc, err := mem.GetCode(context.Background(), "SUMMER2024")
	require.NoError(t, err)
	assert.Equal(t, 0, dc.TotalUsedCount)
}

func TestRedemptionService_NonRetryableErrorIsTransient(t *testing.T) {
	mem := repository.NewMemoryStore()
	store := &conflictingStore{MemoryStore: mem, failures: 1, err: errors.New("connection reset")}
	log := newTestLogger()

	_, err := NewDiscountCodeService(mem, nil, nil, log).CreateDiscountCode(context.Background(), summerRequest())
	require.NoError(t, err)

	svc := NewRedemptionService(store, nil, nil, nil, log, nil)
	_, err = svc.Redeem(context.Background(), "SUMMER2024", redeemReq("u1", 1000000, models.ScopeWalletTopup))
	assert.True(t, apperror.Is(err, apperror.KindTransient))
	assert.Equal(t, 1, store.lockCalls)
}

func TestRedemptionService_PublishFailureDoesNotFailRedemption(t *testing.T) {
	f := newServiceFixture()
	f.createCode(t, summerRequest())
	f.publisher.err = errors.New("broker down")

	res, err := f.redemptions.Redeem(context.Background(), "SUMMER2024", redeemReq("u1", 1000000, models.ScopeWalletTopup))
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
}

func TestRedemptionService_ExpiredWindow(t *testing.T) {
	f := newServiceFixture()
	now := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	from := now.Add(-48 * time.Hour)
	until := now
	req := summerRequest()
	req.ValidFrom = &from
	req.ValidUntil = &until
	f.createCode(t, req)
	f.redemptions.now = func() time.Time { return now }

	res, err := f.redemptions.Redeem(context.Background(), "SUMMER2024", redeemReq("u1", 1000000, models.ScopeWalletTopup))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonExpired, res.Reason)

	f.redemptions.now = func() time.Time { return from.Add(-time.Second) }
	res, err = f.redemptions.Redeem(context.Background(), "SUMMER2024", redeemReq("u1", 1000000, models.ScopeWalletTopup))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonNotYetValid, res.Reason)
}
