package repository

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/cohere/internal/catalog/domain"
	"github.com/smallbiznis/cohere/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndGetContributionRoundTripsVariant(t *testing.T) {
	ctx := context.Background()
	repo := New(testutil.OpenDB(t, Models()...))

	contribution := domain.Contribution{
		ID:     "c-1",
		UserID: "coach-1",
		Type:   domain.ContributionCourse,
		Status: domain.StatusApproved,
		Payment: domain.PaymentInfo{
			Options:        []domain.PaymentOption{domain.EntireCourse, domain.SplitPayments},
			Currency:       "USD",
			PaymentType:    domain.PaymentTypeSimple,
			ProductID:      "prod_1",
			BillingPlanIDs: map[domain.PaymentOption]string{domain.SplitPayments: "price_split"},
			Cost: domain.CourseCost{
				Cost:         decimal.NewFromInt(300),
				SplitCost:    decimal.NewFromInt(110),
				SplitNumbers: 3,
				SplitPeriod:  "month",
			},
		},
	}
	require.NoError(t, repo.SaveContribution(ctx, contribution))

	got, err := repo.GetContribution(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "usd", got.Payment.Currency)
	assert.True(t, got.Payment.Allows(domain.SplitPayments))
	cost, ok := got.Payment.Cost.(domain.CourseCost)
	require.True(t, ok)
	assert.Equal(t, 3, cost.SplitNumbers)
	assert.True(t, cost.SplitCost.Equal(decimal.NewFromInt(110)))

	byPlan, err := repo.FindByBillingPlan(ctx, "price_split")
	require.NoError(t, err)
	assert.Equal(t, "c-1", byPlan.ID)

	byProduct, err := repo.FindByProductID(ctx, "prod_1")
	require.NoError(t, err)
	option, ok := byProduct.Payment.OptionForPlan("price_split")
	assert.True(t, ok)
	assert.Equal(t, domain.SplitPayments, option)
}

func TestSaveContributionRejectsMismatchedVariant(t *testing.T) {
	repo := New(testutil.OpenDB(t, Models()...))
	err := repo.SaveContribution(context.Background(), domain.Contribution{
		ID:      "c-2",
		Type:    domain.ContributionOneToOne,
		Payment: domain.PaymentInfo{Cost: domain.CourseCost{}},
	})
	assert.Error(t, err)
}

func TestMissingRecordsMapToSentinels(t *testing.T) {
	ctx := context.Background()
	repo := New(testutil.OpenDB(t, Models()...))

	_, err := repo.GetContribution(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrContributionNotFound)
	_, err = repo.GetCoupon(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrCouponNotFound)
	_, err = repo.FindAccessCode(ctx, "c", "x")
	assert.ErrorIs(t, err, domain.ErrAccessCodeNotFound)
}

func TestCouponAndAccessCode(t *testing.T) {
	ctx := context.Background()
	repo := New(testutil.OpenDB(t, Models()...))
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.SaveCoupon(ctx, domain.Coupon{ID: "FREE", ContributionID: "c-1", PercentOff: decimal.NewFromInt(100)}))
	coupon, err := repo.GetCoupon(ctx, "FREE")
	require.NoError(t, err)
	assert.True(t, coupon.IsFullDiscount())
	assert.True(t, coupon.ActiveAt(now))

	require.NoError(t, repo.SaveAccessCode(ctx, domain.AccessCode{Code: "join", ContributionID: "c-1", ExpiresAt: now.Add(time.Hour)}))
	code, err := repo.FindAccessCode(ctx, "c-1", "join")
	require.NoError(t, err)
	assert.True(t, code.ValidAt(now))
	assert.False(t, code.ValidAt(now.Add(2*time.Hour)))
}
