package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	"github.com/smallbiznis/cohere/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var stripeUS = GatewayFee{Percent: d("2.9"), Fixed: d("0.30")}

func TestApplyCouponAndPackageDiscountIsSequential(t *testing.T) {
	got := ApplyCouponAndPackageDiscount(d("100"), d("20"), d("10"))
	assert.Equal(t, "72", got.String())

	assert.True(t, ApplyCouponAndPackageDiscount(d("100"), d("100"), d("0")).IsZero())
}

func TestCoachPaysFeeScenario(t *testing.T) {
	q := NewQuote(QuoteInput{
		Base:            d("100.00"),
		CouponPercent:   d("20"),
		CoachPaysFee:    true,
		PaymentType:     catalogdomain.PaymentTypeSimple,
		Fee:             stripeUS,
		PlatformPercent: d("10"),
	})

	assert.Equal(t, "80.00", q.Net.StringFixed(2))
	assert.Equal(t, "80.00", q.Gross.StringFixed(2))
	// 80 - 8.00 platform - (2.32 + 0.30) gateway
	assert.Equal(t, "69.38", q.Transfer.StringFixed(2))
	assert.Equal(t, "2.62", q.CoachFee.StringFixed(2))
	assert.True(t, q.ClientFee.IsZero())
}

func TestClientPaysFeeScenario(t *testing.T) {
	q := NewQuote(QuoteInput{
		Base:            d("50.00"),
		PaymentType:     catalogdomain.PaymentTypeSimple,
		Fee:             stripeUS,
		PlatformPercent: d("10"),
	})

	assert.Equal(t, "51.80", q.Gross.StringFixed(2))
	assert.Equal(t, "45.00", q.Transfer.StringFixed(2))
	assert.Equal(t, "5.00", q.PlatformFee.StringFixed(2))
	assert.Equal(t, "1.80", q.ClientFee.StringFixed(2))
}

func TestTransferPlusFeesEqualsGross(t *testing.T) {
	bases := []string{"0.99", "9.99", "50", "79.5", "100", "1234.56"}
	coupons := []string{"0", "15", "33", "50"}
	packages := []string{"0", "10", "12.5"}
	tolerance := d("0.01")

	for _, base := range bases {
		for _, coupon := range coupons {
			for _, pkg := range packages {
				q := NewQuote(QuoteInput{
					Base:            d(base),
					CouponPercent:   d(coupon),
					PackagePercent:  d(pkg),
					PaymentType:     catalogdomain.PaymentTypeSimple,
					Fee:             stripeUS,
					PlatformPercent: d("7"),
				})
				sum := q.Transfer.Add(q.PlatformFee).Add(GatewayFeeAmount(q.Gross, stripeUS))
				diff := sum.Sub(q.Gross).Abs()
				assert.True(t, diff.LessThanOrEqual(tolerance),
					"base=%s coupon=%s package=%s gross=%s sum=%s", base, coupon, pkg, q.Gross, sum)
			}
		}
	}
}

func TestRoundMoneyIsAwayFromZero(t *testing.T) {
	assert.Equal(t, "1.01", RoundMoney(d("1.005")).String())
	assert.Equal(t, "-1.01", RoundMoney(d("-1.005")).String())
}

func TestAdvancePayeeBearsGatewayFee(t *testing.T) {
	q := NewQuote(QuoteInput{
		Base:            d("100"),
		PaymentType:     catalogdomain.PaymentTypeAdvance,
		Fee:             stripeUS,
		PlatformPercent: d("10"),
	})
	assert.Equal(t, "100.00", q.Gross.StringFixed(2))
	assert.Equal(t, "86.80", q.Transfer.StringFixed(2))
	assert.Equal(t, "3.20", q.CoachFee.StringFixed(2))
}

func TestAffiliateIncome(t *testing.T) {
	assert.True(t, AffiliateIncome(d("10"), d("50"), false).IsZero())
	assert.Equal(t, "5.00", AffiliateIncome(d("10"), d("50"), true).StringFixed(2))

	q := NewQuote(QuoteInput{
		Base:                  d("50"),
		PaymentType:           catalogdomain.PaymentTypeSimple,
		Fee:                   stripeUS,
		PlatformPercent:       d("10"),
		AffiliateSharePercent: d("50"),
		Referred:              true,
	})
	assert.Equal(t, "2.50", q.AffiliateIncome.StringFixed(2))
}

func TestQuoteFromSettlementUsesActualFee(t *testing.T) {
	q := QuoteFromSettlement(QuoteInput{
		PaymentType:     catalogdomain.PaymentTypeSimple,
		Fee:             stripeUS,
		PlatformPercent: d("10"),
	}, d("51.80"), d("1.95"))

	assert.Equal(t, "49.85", q.Net.StringFixed(2))
	assert.Equal(t, "44.87", q.Transfer.StringFixed(2))
	assert.Equal(t, "1.95", q.GatewayFee.StringFixed(2))
}

func TestFreeQuote(t *testing.T) {
	q := NewQuote(QuoteInput{Base: d("40"), CouponPercent: d("100"), Fee: stripeUS, PlatformPercent: d("10")})
	assert.True(t, q.IsFree())
	assert.True(t, q.Transfer.IsZero())
}

func TestTotalCostPerVariant(t *testing.T) {
	course := catalogdomain.CourseCost{Cost: d("300"), SplitCost: d("110"), SplitNumbers: 3}
	got, err := TotalCost(course, catalogdomain.SplitPayments, 0)
	require.NoError(t, err)
	assert.Equal(t, "330", got.String())
	got, err = TotalCost(course, catalogdomain.SplitPayments, 2)
	require.NoError(t, err)
	assert.Equal(t, "220", got.String())

	oneToOne := catalogdomain.OneToOneCost{SessionCost: d("60"), PackageCost: d("250"), MonthlyCost: d("200"), SubscriptionDuration: 6}
	got, err = TotalCost(oneToOne, catalogdomain.MonthlySessionSubscription, 0)
	require.NoError(t, err)
	assert.Equal(t, "1200", got.String())
	got, err = TotalCost(oneToOne, catalogdomain.PerSession, 0)
	require.NoError(t, err)
	assert.Equal(t, "60", got.String())

	membership := catalogdomain.MembershipCost{Monthly: d("15"), Yearly: d("150")}
	got, err = TotalCost(membership, catalogdomain.YearlyMembership, 0)
	require.NoError(t, err)
	assert.Equal(t, "150", got.String())

	got, err = TotalCost(catalogdomain.CommunityCost{Monthly: d("5")}, catalogdomain.Free, 0)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = TotalCost(course, catalogdomain.PerSession, 0)
	assert.ErrorIs(t, err, ErrOptionNotPriced)
}

func TestScheduleResolution(t *testing.T) {
	s := NewSchedule(config.DefaultPricingConfig())

	gb := s.GatewayFeeFor("GB", false)
	assert.Equal(t, "1.5", gb.Percent.String())
	intl := s.GatewayFeeFor("gb", true)
	assert.Equal(t, "3.25", intl.Percent.String())
	fallback := s.GatewayFeeFor("zz", false)
	assert.Equal(t, "2.9", fallback.Percent.String())

	assert.Equal(t, "7", s.PlatformPercent("impact", false).String())
	assert.Equal(t, "10", s.PlatformPercent("unknown", false).String())
	assert.True(t, s.PlatformPercent("scale", true).IsZero())

	assert.Equal(t, int64(5180), s.ToMinorUnits(d("51.80"), "usd"))
	assert.Equal(t, int64(5000), s.ToMinorUnits(d("5000"), "JPY"))
	assert.Equal(t, "51.8", s.FromMinorUnits(5180, "usd").String())
}
