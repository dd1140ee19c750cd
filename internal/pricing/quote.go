package pricing

import (
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
)

type QuoteInput struct {
	Base                  decimal.Decimal
	CouponPercent         decimal.Decimal
	PackagePercent        decimal.Decimal
	CoachPaysFee          bool
	PaymentType           catalogdomain.PaymentType
	Fee                   GatewayFee
	PlatformPercent       decimal.Decimal
	AffiliateSharePercent decimal.Decimal
	Referred              bool
}

// Quote is the full amount breakdown of one payment.
type Quote struct {
	Net             decimal.Decimal
	Gross           decimal.Decimal
	GatewayFee      decimal.Decimal
	PlatformFee     decimal.Decimal
	Transfer        decimal.Decimal
	AffiliateIncome decimal.Decimal
	// CoachFee is the gateway fee borne by the payee, ClientFee the surcharge paid by the client.
	CoachFee  decimal.Decimal
	ClientFee decimal.Decimal
}

func (q Quote) IsFree() bool {
	return q.Gross.LessThanOrEqual(decimal.Zero)
}

// NewQuote estimates amounts before the charge exists: discounts are applied
// first, then the fee gross-up.
func NewQuote(in QuoteInput) Quote {
	net := ApplyCouponAndPackageDiscount(in.Base, in.CouponPercent, in.PackagePercent)
	if net.LessThanOrEqual(decimal.Zero) {
		return Quote{}
	}
	coachPays := in.CoachPaysFee || in.PaymentType == catalogdomain.PaymentTypeAdvance
	gross := GrossFromNet(net, coachPays, in.Fee)
	return quoteFor(in, net, gross, GatewayFeeAmount(gross, in.Fee))
}

// QuoteFromSettlement recomputes amounts from the gateway's settled gross and
// fee, which override any local estimate.
func QuoteFromSettlement(in QuoteInput, settledGross, settledFee decimal.Decimal) Quote {
	if settledGross.LessThanOrEqual(decimal.Zero) {
		return Quote{}
	}
	coachPays := in.CoachPaysFee || in.PaymentType == catalogdomain.PaymentTypeAdvance
	net := settledGross
	if !coachPays {
		net = settledGross.Sub(settledFee)
	}
	return quoteFor(in, net, settledGross, settledFee)
}

func quoteFor(in QuoteInput, net, gross, gatewayFee decimal.Decimal) Quote {
	coachPays := in.CoachPaysFee || in.PaymentType == catalogdomain.PaymentTypeAdvance

	platformBase := net
	if in.CoachPaysFee && in.PaymentType != catalogdomain.PaymentTypeAdvance {
		platformBase = gross
	}
	platformFee := PlatformFee(platformBase, in.PlatformPercent)

	transfer := ServiceProviderIncome(IncomeInput{
		Gross:           gross,
		Net:             net,
		CoachPaysFee:    in.CoachPaysFee,
		PlatformPercent: in.PlatformPercent,
		PaymentType:     in.PaymentType,
		GatewayFee:      gatewayFee,
		Fee:             in.Fee,
	})

	q := Quote{
		Net:             net,
		Gross:           gross,
		GatewayFee:      gatewayFee,
		PlatformFee:     platformFee,
		Transfer:        transfer,
		AffiliateIncome: AffiliateIncome(platformFee, in.AffiliateSharePercent, in.Referred),
		CoachFee:        decimal.Zero,
		ClientFee:       decimal.Zero,
	}
	if coachPays {
		q.CoachFee = gatewayFee
	} else {
		q.ClientFee = gross.Sub(net)
	}
	return q
}
