// Package pricing computes gross prices, fees, and payee transfers.
// All functions are pure. Amounts are major currency units held as exact
// decimals; only the final transfer amount is rounded.
package pricing

import (
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// RoundMoney rounds to cents, half away from zero.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func percentOf(amount, percent decimal.Decimal) decimal.Decimal {
	return amount.Mul(percent).Div(hundred)
}

// ApplyCouponAndPackageDiscount applies the coupon first and then the package
// discount, multiplicatively.
func ApplyCouponAndPackageDiscount(base, couponPercent, packagePercent decimal.Decimal) decimal.Decimal {
	couponFactor := one.Sub(couponPercent.Div(hundred))
	packageFactor := one.Sub(packagePercent.Div(hundred))
	return base.Mul(couponFactor).Mul(packageFactor)
}

// GrossFromNet grosses up net so the payee receives net after the gateway fee
// when the client pays the fee. When the coach pays, gross equals net.
func GrossFromNet(net decimal.Decimal, coachPaysFee bool, fee GatewayFee) decimal.Decimal {
	if coachPaysFee || net.IsZero() {
		return net
	}
	denominator := one.Sub(fee.Percent.Div(hundred))
	return net.Add(fee.Fixed).DivRound(denominator, 16)
}

// GatewayFeeAmount is the processor fee charged on a gross amount.
func GatewayFeeAmount(gross decimal.Decimal, fee GatewayFee) decimal.Decimal {
	if gross.IsZero() {
		return decimal.Zero
	}
	return percentOf(gross, fee.Percent).Add(fee.Fixed)
}

// PlatformFee is the platform commission on a base amount.
func PlatformFee(base, platformPercent decimal.Decimal) decimal.Decimal {
	return percentOf(base, platformPercent)
}

type IncomeInput struct {
	Gross           decimal.Decimal
	Net             decimal.Decimal
	CoachPaysFee    bool
	PlatformPercent decimal.Decimal
	PaymentType     catalogdomain.PaymentType
	// GatewayFee is the processor fee actually charged on Gross. When zero it is
	// derived from Fee.
	GatewayFee decimal.Decimal
	Fee        GatewayFee
}

// ServiceProviderIncome is the amount owed to the payee. The platform
// commission is taken from the net price; a coach-pays-fee or Advance
// arrangement additionally bears the gateway fee.
func ServiceProviderIncome(in IncomeInput) decimal.Decimal {
	gatewayFee := in.GatewayFee
	if gatewayFee.IsZero() {
		gatewayFee = GatewayFeeAmount(in.Gross, in.Fee)
	}

	var income decimal.Decimal
	switch {
	case in.PaymentType == catalogdomain.PaymentTypeAdvance:
		income = in.Gross.Sub(PlatformFee(in.Net, in.PlatformPercent)).Sub(gatewayFee)
	case in.CoachPaysFee:
		income = in.Gross.Sub(PlatformFee(in.Gross, in.PlatformPercent)).Sub(gatewayFee)
	default:
		income = in.Net.Sub(PlatformFee(in.Net, in.PlatformPercent))
	}
	if income.IsNegative() {
		return decimal.Zero
	}
	return RoundMoney(income)
}

// AffiliateIncome is the referrer's share of the platform fee actually
// collected. It is zero when the payee was not referred.
func AffiliateIncome(platformFee, sharePercent decimal.Decimal, referred bool) decimal.Decimal {
	if !referred || platformFee.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return RoundMoney(percentOf(platformFee, sharePercent))
}
