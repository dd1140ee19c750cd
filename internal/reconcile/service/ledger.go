package service

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	"github.com/smallbiznis/cohere/internal/events"
	identitydomain "github.com/smallbiznis/cohere/internal/identity/domain"
	"github.com/smallbiznis/cohere/internal/pricing"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	"github.com/smallbiznis/cohere/internal/reconcile/domain"
	"go.uber.org/zap"
)

// apply upserts the ledger payment described by st and enqueues its side effects in the
// same write. A payment already at st.status is a redelivery: only a changed transfer
// amount is written back.
func (s *Service) apply(ctx context.Context, st settlement) error {
	log := st.logger(s.log)

	payee, err := s.users.GetUser(ctx, st.contribution.UserID)
	if err != nil {
		return domain.Wrap("load contributor", err)
	}
	purchase, err := s.loadPurchase(ctx, st)
	if err != nil {
		return domain.Wrap("load purchase", err)
	}

	var (
		evts    []events.Event
		settled bool
	)
	pay, exists := purchase.FindPayment(st.transactionID)
	switch {
	case exists && pay.Status == st.status:
		if !st.status.IsSettled() || st.charge == nil {
			log.Debug("duplicate delivery ignored", zap.String("status", string(st.status)))
			return nil
		}
		payout, _ := s.payout(st, payee)
		if payout.Transfer.Equal(pay.TransferAmount) {
			log.Debug("duplicate settlement ignored")
			return nil
		}
		log.Info("transfer amount refreshed",
			zap.String("previous", pay.TransferAmount.String()),
			zap.String("current", payout.Transfer.String()),
		)
		pay.TransferAmount = payout.Transfer
		return s.save(ctx, purchase, nil, log)

	case exists:
		if err := pay.Transition(st.status); err != nil {
			if errors.Is(err, purchasedomain.ErrInvalidTransition) {
				log.Info("out of order event ignored",
					zap.String("current", string(pay.Status)),
					zap.String("incoming", string(st.status)),
				)
				return nil
			}
			return err
		}
		if pay.InvoiceID == "" {
			pay.InvoiceID = st.invoiceID
		}
		if len(pay.BookedClassesIDs) == 0 {
			pay.BookedClassesIDs = st.classIDs
		}
		settled = st.status.IsSettled()

	default:
		if st.status == purchasedomain.StatusCanceled {
			log.Debug("cancellation for unknown payment ignored")
			return nil
		}
		entry := purchasedomain.Payment{
			TransactionID:    st.transactionID,
			PaymentOption:    st.option,
			Status:           st.status,
			Currency:         st.contribution.Payment.Currency,
			PurchaseCurrency: st.contribution.Payment.Currency,
			ExchangeRate:     decimal.NewFromInt(1),
			IsInEscrow:       !st.contribution.InvitationOnly,
			BookedClassesIDs: st.classIDs,
			InvoiceID:        st.invoiceID,
		}
		if err := purchase.AppendPayment(entry); err != nil {
			return domain.Wrap("append payment", err)
		}
		pay, _ = purchase.FindPayment(st.transactionID)
		settled = st.status.IsSettled()
	}

	if st.subscriptionID != "" && purchase.SubscriptionID == "" {
		purchase.SubscriptionID = st.subscriptionID
	}
	purchase.SetCouponIfEmpty(st.couponID)

	switch {
	case settled:
		st.couponPercent = s.couponPercent(ctx, purchase.CouponID)
		s.settle(pay, st, payee, purchase)
		evts = append(evts, s.settledEvents(purchase, pay, st)...)
	case st.status == purchasedomain.StatusCanceled:
		if len(pay.BookedClassesIDs) > 0 {
			evts = append(evts, releaseEvent(purchase, pay.TransactionID, pay.BookedClassesIDs))
			pay.BookedClassesIDs = nil
		}
	}

	if err := s.save(ctx, purchase, evts, log); err != nil {
		return err
	}
	log.Info("payment reconciled",
		zap.String("status", string(st.status)),
		zap.String("payment_option", string(pay.PaymentOption)),
	)
	if settled {
		s.autoBook(ctx, purchase, log)
	}
	return nil
}

func (s *Service) save(ctx context.Context, purchase *purchasedomain.Purchase, evts []events.Event, log *zap.Logger) error {
	if err := s.purchases.Save(ctx, purchase, evts...); err != nil {
		log.Error("persist purchase failed", zap.Error(err))
		return domain.Wrap("save purchase", err)
	}
	return nil
}

func (s *Service) loadPurchase(ctx context.Context, st settlement) (*purchasedomain.Purchase, error) {
	purchase, err := s.purchases.Get(ctx, st.clientID, st.contribution.ID)
	if errors.Is(err, purchasedomain.ErrNotFound) {
		return &purchasedomain.Purchase{
			ClientID:         st.clientID,
			ContributorID:    st.contribution.UserID,
			ContributionID:   st.contribution.ID,
			ContributionType: st.contribution.Type,
			PaymentType:      st.contribution.Payment.PaymentType,
			SubscriptionID:   st.subscriptionID,
		}, nil
	}
	return purchase, err
}

func (s *Service) quoteInput(st settlement, payee identitydomain.User) pricing.QuoteInput {
	schedule := s.pricing.Schedule()
	return pricing.QuoteInput{
		CoachPaysFee:          st.contribution.Payment.CoachPaysStripeFee,
		PaymentType:           st.contribution.Payment.PaymentType,
		Fee:                   schedule.GatewayFeeFor(payee.Country, false),
		PlatformPercent:       schedule.PlatformPercent(payee.PlatformTier, payee.IsBetaUser),
		AffiliateSharePercent: s.affiliateShare,
		Referred:              payee.IsReferred(),
	}
}

// quote recomputes amounts from the settlement snapshot. The settled gross is the charge
// amount in the purchase currency; the fee is converted back from the payee currency.
func (s *Service) quote(st settlement, payee identitydomain.User) pricing.Quote {
	schedule := s.pricing.Schedule()
	currency := st.charge.Currency
	gross := schedule.FromMinorUnits(st.charge.Amount, currency)
	fee := decimal.Zero
	if st.balance != nil {
		fee = schedule.FromMinorUnits(st.balance.Fee, st.balance.Currency)
		if rate := st.balance.ExchangeRate; rate.IsPositive() && !rate.Equal(decimal.NewFromInt(1)) {
			fee = fee.Div(rate)
		}
	}
	return pricing.QuoteFromSettlement(s.quoteInput(st, payee), gross, fee)
}

// payout computes the transfer from the settled balance transaction, in the currency the
// funds actually landed in. Without a balance snapshot the charge is used.
func (s *Service) payout(st settlement, payee identitydomain.User) (pricing.Quote, string) {
	if st.balance == nil || strings.TrimSpace(st.balance.Currency) == "" {
		return s.quote(st, payee), st.charge.Currency
	}
	schedule := s.pricing.Schedule()
	currency := strings.ToLower(st.balance.Currency)
	gross := schedule.FromMinorUnits(st.balance.Amount, currency)
	fee := schedule.FromMinorUnits(st.balance.Fee, currency)
	return pricing.QuoteFromSettlement(s.quoteInput(st, payee), gross, fee), currency
}

// settle writes the settled amounts and the payee-side snapshot onto pay.
func (s *Service) settle(pay *purchasedomain.Payment, st settlement, payee identitydomain.User, purchase *purchasedomain.Purchase) {
	pay.DateTimeCharged = s.clock.Now()
	if st.charge == nil {
		return
	}
	schedule := s.pricing.Schedule()
	// Purchase-side amounts are kept in the charge currency; the payout follows the balance.
	q := s.quote(st, payee)
	payout, payoutCurrency := s.payout(st, payee)
	pay.PurchaseAmount = q.Net
	pay.GrossPurchaseAmount = q.Gross
	pay.ProcessingFee = q.GatewayFee
	pay.CoachFee = q.CoachFee
	pay.ClientFee = q.ClientFee
	pay.CohereFee = q.PlatformFee
	pay.PurchaseCurrency = st.charge.Currency
	pay.TransferAmount = payout.Transfer
	pay.Currency = payoutCurrency
	if payout.AffiliateIncome.IsPositive() {
		if pay.AffiliateRevenueTransfer == nil {
			pay.AffiliateRevenueTransfer = &purchasedomain.AffiliateTransfer{IsInEscrow: pay.IsInEscrow}
		}
		pay.AffiliateRevenueTransfer.Amount = payout.AffiliateIncome
	}
	if total, err := s.totalCost(st, purchase); err == nil {
		pay.TotalCost = total
	}

	if st.balance != nil {
		pay.ExchangeRate = st.balance.ExchangeRate
		if !pay.ExchangeRate.IsPositive() {
			pay.ExchangeRate = decimal.NewFromInt(1)
		}
		pay.DestinationBalanceTransaction = &purchasedomain.BalanceSnapshot{
			Amount:       schedule.FromMinorUnits(st.balance.Amount, st.balance.Currency),
			Fee:          schedule.FromMinorUnits(st.balance.Fee, st.balance.Currency),
			Net:          schedule.FromMinorUnits(st.balance.Net, st.balance.Currency),
			Currency:     st.balance.Currency,
			ExchangeRate: pay.ExchangeRate,
		}
	}
}

// totalCost follows the contribution kind's own price shape, discounted by the purchase coupon.
func (s *Service) totalCost(st settlement, purchase *purchasedomain.Purchase) (decimal.Decimal, error) {
	total, err := pricing.TotalCost(st.contribution.Payment.Cost, st.option, purchase.SplitNumbers)
	if err != nil {
		return decimal.Zero, err
	}
	packagePercent := decimal.Zero
	if st.option == catalogdomain.SessionsPackage {
		packagePercent = st.contribution.Payment.PackagePercentDiscount
	}
	return pricing.ApplyCouponAndPackageDiscount(total, st.couponPercent, packagePercent), nil
}

func (s *Service) couponPercent(ctx context.Context, couponID string) decimal.Decimal {
	if couponID == "" {
		return decimal.Zero
	}
	coupon, err := s.catalog.GetCoupon(ctx, couponID)
	if err != nil {
		return decimal.Zero
	}
	return coupon.PercentOff
}
