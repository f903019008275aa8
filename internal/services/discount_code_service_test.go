package services

import (
	"context"
	"testing"
	"time"

	"promo-engine/internal/apperror"
	"promo-engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscountCodeService_CreateNormalizesAndDefaults(t *testing.T) {
	f := newServiceFixture()

	dc := f.createCode(t, &models.CreateDiscountCodeRequest{
		Code:     "  welcome5 ",
		Kind:     models.DiscountKindFixed,
		Value:    decimal.NewFromInt(500),
		Scope:    models.ScopeFeaturedListing,
		IsActive: true,
	})

	assert.Equal(t, "WELCOME5", dc.Code)
	assert.Equal(t, 1, dc.MaxUsesPerUser)
	assert.Equal(t, 0, dc.TotalUsedCount)
	assert.Equal(t, models.CodeStatusActive, dc.Status)
	require.NotNil(t, dc.ActivatedAt)

	created := f.publisher.ofType(models.EventTypeDiscountCodeCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "WELCOME5", created[0].Code)
	assert.Equal(t, 1, f.stats.count())
}

func TestDiscountCodeService_CreateDraftHasNoActivation(t *testing.T) {
	f := newServiceFixture()
	req := summerRequest()
	req.IsActive = false

	dc := f.createCode(t, req)
	assert.Nil(t, dc.ActivatedAt)
	assert.Equal(t, models.CodeStatusDraft, dc.Status)
}

func TestDiscountCodeService_CreateDuplicate(t *testing.T) {
	f := newServiceFixture()
	f.createCode(t, summerRequest())

	_, err := f.codes.CreateDiscountCode(context.Background(), summerRequest())
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindConflict))
}

func TestDiscountCodeService_CreateValidation(t *testing.T) {
	f := newServiceFixture()
	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		mutate func(r *models.CreateDiscountCodeRequest)
	}{
		{"bad code", func(r *models.CreateDiscountCodeRequest) { r.Code = "SUMMER 2024!" }},
		{"empty code", func(r *models.CreateDiscountCodeRequest) { r.Code = "" }},
		{"unknown kind", func(r *models.CreateDiscountCodeRequest) { r.Kind = "bogo" }},
		{"percent zero", func(r *models.CreateDiscountCodeRequest) { r.Value = decimal.Zero }},
		{"percent over 100", func(r *models.CreateDiscountCodeRequest) { r.Value = decimal.NewFromInt(101) }},
		{"zero cap", func(r *models.CreateDiscountCodeRequest) { r.Cap = ptrInt64(0) }},
		{"negative min", func(r *models.CreateDiscountCodeRequest) { r.MinAmount = ptrInt64(-1) }},
		{"unknown scope", func(r *models.CreateDiscountCodeRequest) { r.Scope = "rentals" }},
		{"zero quota", func(r *models.CreateDiscountCodeRequest) { r.MaxTotalUses = ptrInt(0) }},
		{"negative per user", func(r *models.CreateDiscountCodeRequest) { r.MaxUsesPerUser = -1 }},
		{"window inverted", func(r *models.CreateDiscountCodeRequest) {
			until := from
			start := from.Add(time.Hour)
			r.ValidFrom, r.ValidUntil = &start, &until
		}},
		{"fixed fraction", func(r *models.CreateDiscountCodeRequest) {
			r.Kind = models.DiscountKindFixed
			r.Value = decimal.RequireFromString("10.5")
			r.Cap = nil
		}},
		{"fixed with cap", func(r *models.CreateDiscountCodeRequest) {
			r.Kind = models.DiscountKindFixed
			r.Value = decimal.NewFromInt(1000)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := summerRequest()
			tc.mutate(req)
			_, err := f.codes.CreateDiscountCode(context.Background(), req)
			require.Error(t, err)
			assert.True(t, apperror.Is(err, apperror.KindValidation), "got %v", err)
		})
	}

	_, err := f.codes.CreateDiscountCode(context.Background(), nil)
	assert.True(t, apperror.Is(err, apperror.KindValidation))
}

func TestDiscountCodeService_UpdateRulesKeepsCounter(t *testing.T) {
	f := newServiceFixture()
	f.createCode(t, summerRequest())
	ctx := context.Background()

	_, err := f.redemptions.Redeem(ctx, "SUMMER2024", redeemReq("u1", 1000000, models.ScopeWalletTopup))
	require.NoError(t, err)

	updated, err := f.codes.UpdateDiscountCode(ctx, "summer2024", &models.UpdateDiscountCodeRequest{
		Kind:         models.DiscountKindPercentage,
		Value:        decimal.NewFromInt(15),
		Scope:        models.ScopeWalletTopup,
		MaxTotalUses: ptrInt(5),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.TotalUsedCount)
	assert.True(t, updated.IsActive)
	assert.True(t, updated.Value.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, 1, updated.MaxUsesPerUser)
	assert.Len(t, f.publisher.ofType(models.EventTypeDiscountCodeUpdated), 1)
}

func TestDiscountCodeService_UpdateQuotaBelowUsage(t *testing.T) {
	f := newServiceFixture()
	f.createCode(t, summerRequest())
	ctx := context.Background()

	for _, u := range []string{"u1", "u2"} {
		_, err := f.redemptions.Redeem(ctx, "SUMMER2024", redeemReq(u, 1000000, models.ScopeWalletTopup))
		require.NoError(t, err)
	}

	req := &models.UpdateDiscountCodeRequest{
		Kind:         models.DiscountKindPercentage,
		Value:        decimal.NewFromInt(10),
		Scope:        models.ScopeAll,
		MaxTotalUses: ptrInt(1),
	}
	_, err := f.codes.UpdateDiscountCode(ctx, "SUMMER2024", req)
	assert.True(t, apperror.Is(err, apperror.KindValidation))

	_, err = f.codes.UpdateDiscountCode(ctx, "NOPE", req)
	assert.True(t, apperror.Is(err, apperror.KindNotFound))
}

func TestDiscountCodeService_SetActive(t *testing.T) {
	f := newServiceFixture()
	req := summerRequest()
	req.IsActive = false
	f.createCode(t, req)
	ctx := context.Background()
	invalidations := f.stats.count()

	dc, err := f.codes.SetActive(ctx, "SUMMER2024", true)
	require.NoError(t, err)
	assert.True(t, dc.IsActive)
	require.NotNil(t, dc.ActivatedAt)
	firstActivation := *dc.ActivatedAt

	dc, err = f.codes.SetActive(ctx, "SUMMER2024", false)
	require.NoError(t, err)
	assert.Equal(t, models.CodeStatusSuspended, dc.Status)

	dc, err = f.codes.SetActive(ctx, "SUMMER2024", true)
	require.NoError(t, err)
	assert.True(t, firstActivation.Equal(*dc.ActivatedAt))

	// повторное включение не порождает событие
	_, err = f.codes.SetActive(ctx, "SUMMER2024", true)
	require.NoError(t, err)

	changes := f.publisher.ofType(models.EventTypeDiscountCodeStatusChanged)
	require.Len(t, changes, 3)
	data, ok := changes[1].Data.(*models.CodeStatusChangedData)
	require.True(t, ok)
	assert.True(t, data.OldActive)
	assert.False(t, data.NewActive)
	assert.Equal(t, invalidations+3, f.stats.count())

	_, err = f.codes.SetActive(ctx, "NOPE", true)
	assert.True(t, apperror.Is(err, apperror.KindNotFound))
}

func TestDiscountCodeService_ListAndGet(t *testing.T) {
	f := newServiceFixture()
	f.createCode(t, summerRequest())
	f.createCode(t, &models.CreateDiscountCodeRequest{
		Code:  "TOPUP",
		Kind:  models.DiscountKindFixed,
		Value: decimal.NewFromInt(100),
		Scope: models.ScopeWalletTopup,
	})
	ctx := context.Background()

	active := true
	codes, err := f.codes.ListDiscountCodes(ctx, models.DiscountCodeFilter{Active: &active})
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "SUMMER2024", codes[0].Code)
	assert.Equal(t, models.CodeStatusActive, codes[0].Status)

	scope := models.ScopeWalletTopup
	codes, err = f.codes.ListDiscountCodes(ctx, models.DiscountCodeFilter{Scope: &scope})
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, models.CodeStatusDraft, codes[0].Status)

	bad := models.DiscountScope("rentals")
	_, err = f.codes.ListDiscountCodes(ctx, models.DiscountCodeFilter{Scope: &bad})
	assert.True(t, apperror.Is(err, apperror.KindValidation))

	dc, err := f.codes.GetDiscountCode(ctx, " topup ")
	require.NoError(t, err)
	assert.Equal(t, "TOPUP", dc.Code)

	_, err = f.codes.GetDiscountCode(ctx, "NOPE")
	assert.True(t, apperror.Is(err, apperror.KindNotFound))
}
