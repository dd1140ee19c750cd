package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
)

var ErrOptionNotPriced = errors.New("payment_option_not_priced")

// BasePrice is the undiscounted price of a single payment object for option.
func BasePrice(cost catalogdomain.CostVariant, option catalogdomain.PaymentOption) (decimal.Decimal, error) {
	if option.IsFree() {
		return decimal.Zero, nil
	}
	switch c := cost.(type) {
	case catalogdomain.CourseCost:
		switch option {
		case catalogdomain.EntireCourse, catalogdomain.InvoicePayment:
			return c.Cost, nil
		case catalogdomain.SplitPayments:
			return c.SplitCost, nil
		}
	case catalogdomain.OneToOneCost:
		switch option {
		case catalogdomain.PerSession:
			return c.SessionCost, nil
		case catalogdomain.SessionsPackage:
			return c.PackageCost, nil
		case catalogdomain.MonthlySessionSubscription:
			return c.MonthlyCost, nil
		}
	case catalogdomain.MembershipCost:
		switch option {
		case catalogdomain.DailyMembership:
			return c.Daily, nil
		case catalogdomain.WeeklyMembership:
			return c.Weekly, nil
		case catalogdomain.MonthlyMembership:
			return c.Monthly, nil
		case catalogdomain.YearlyMembership:
			return c.Yearly, nil
		case catalogdomain.MembershipPackage:
			return c.Package, nil
		}
	case catalogdomain.CommunityCost:
		switch option {
		case catalogdomain.MonthlyMembership:
			return c.Monthly, nil
		case catalogdomain.YearlyMembership:
			return c.Yearly, nil
		}
	case nil:
		return decimal.Zero, fmt.Errorf("%w: missing cost", ErrOptionNotPriced)
	}
	return decimal.Zero, fmt.Errorf("%w: %s on %s", ErrOptionNotPriced, option, cost.Kind())
}

// TotalCost is the full price the purchase commits the client to, which for
// installment plans spans every installment. splitNumbers overrides the
// course's configured split count when positive.
func TotalCost(cost catalogdomain.CostVariant, option catalogdomain.PaymentOption, splitNumbers int) (decimal.Decimal, error) {
	base, err := BasePrice(cost, option)
	if err != nil {
		return decimal.Zero, err
	}
	switch c := cost.(type) {
	case catalogdomain.CourseCost:
		if option == catalogdomain.SplitPayments {
			splits := c.SplitNumbers
			if splitNumbers > 0 {
				splits = splitNumbers
			}
			return base.Mul(decimal.NewFromInt(int64(splits))), nil
		}
	case catalogdomain.OneToOneCost:
		if option == catalogdomain.MonthlySessionSubscription && c.SubscriptionDuration > 0 {
			return base.Mul(decimal.NewFromInt(int64(c.SubscriptionDuration))), nil
		}
	case catalogdomain.MembershipCost, catalogdomain.CommunityCost:
		// one period
	}
	return base, nil
}
