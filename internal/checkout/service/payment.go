package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/cohere/internal/catalog/domain"
	"github.com/smallbiznis/cohere/internal/checkout/domain"
	"github.com/smallbiznis/cohere/internal/events"
	gatewaydomain "github.com/smallbiznis/cohere/internal/gateway/domain"
	purchasedomain "github.com/smallbiznis/cohere/internal/purchase/domain"
	"go.uber.org/zap"
)

// payOnce reuses the newest awaiting-payment intent for the option, updating its amount,
// or creates a new one-off payment intent.
func (s *Service) payOnce(ctx context.Context, a *attempt, classIDs []string, description string) (domain.Result, error) {
	customerID, err := s.EnsureCustomerForCurrency(ctx, a.req.ClientID, a.currency())
	if err != nil {
		return domain.Result{}, err
	}
	q, total, err := s.quote(a)
	if err != nil {
		return domain.Result{}, err
	}
	if q.IsFree() {
		return s.grantFromAttempt(ctx, a)
	}

	currency := a.currency()
	amount := s.minor(q.Gross, currency)
	meta := s.metadata(a, classIDs)

	if pending, ok := a.purchase.LatestPending(a.option); ok {
		txID := pending.TransactionID
		previous := append([]string(nil), pending.BookedClassesIDs...)
		pi, err := s.gateway.UpdatePaymentIntentAmount(ctx, txID, amount, meta, a.account())
		if err != nil {
			return domain.Result{}, fmt.Errorf("update payment intent %s: %w", txID, err)
		}
		err = s.commit(ctx, a, func(p *purchasedomain.Purchase) error {
			pay, ok := p.FindPayment(txID)
			if !ok {
				return purchasedomain.ErrNotFound
			}
			applyQuote(pay, q, total)
			if len(classIDs) > 0 {
				pay.BookedClassesIDs = classIDs
			}
			p.SetCouponIfEmpty(a.couponID())
			return nil
		}, s.cancelJob(a, domain.ObjectPaymentIntent, txID, classIDs))
		if err != nil {
			return domain.Result{}, err
		}
		if len(classIDs) > 0 {
			s.releaseSlots(ctx, a, without(previous, classIDs))
		}
		s.log.Info("reused pending payment intent",
			zap.String("transaction_id", txID),
			zap.Int64("amount", amount),
		)
		return s.paymentResult(a, pi, classIDs), nil
	}

	in := gatewaydomain.PaymentIntentInput{
		CustomerID:  customerID,
		Amount:      amount,
		Currency:    currency,
		Description: description,
		Metadata:    meta,
	}
	if a.isAdvance() {
		in.CustomerID = ""
		in.ConnectedAccount = a.account()
		in.ApplicationFee = s.minor(q.PlatformFee, currency)
	}
	pi, err := s.gateway.CreatePaymentIntent(ctx, in)
	if err != nil {
		return domain.Result{}, err
	}

	var evts []events.Event
	if pi.Status != gatewaydomain.IntentSucceeded {
		evts = append(evts, s.cancelJob(a, domain.ObjectPaymentIntent, pi.ID, classIDs))
	}
	err = s.commit(ctx, a, func(p *purchasedomain.Purchase) error {
		p.SetCouponIfEmpty(a.couponID())
		return p.AppendPayment(s.newPayment(a, pi.ID, q, total, classIDs))
	}, evts...)
	if err != nil {
		s.abandonIntent(ctx, a, pi.ID)
		return domain.Result{}, err
	}
	return s.paymentResult(a, pi, classIDs), nil
}

// abandonIntent cancels an intent whose ledger entry could not be written.
func (s *Service) abandonIntent(ctx context.Context, a *attempt, id string) {
	if err := s.gateway.CancelPaymentIntent(ctx, id, a.account()); err != nil {
		s.log.Warn("cancel orphaned payment intent failed", zap.String("transaction_id", id), zap.Error(err))
	}
}

func (s *Service) paymentResult(a *attempt, pi gatewaydomain.PaymentIntent, classIDs []string) domain.Result {
	return domain.Result{
		Kind:              domain.ResultPaymentSecret,
		PurchaseID:        a.purchase.ID,
		TransactionID:     pi.ID,
		ClientSecret:      pi.ClientSecret,
		Currency:          a.currency(),
		BookedClassesIDs:  classIDs,
		Amount:            s.pricing.Schedule().FromMinorUnits(pi.Amount, a.currency()),
		PaymentObjectType: domain.ObjectPaymentIntent,
	}
}

// without returns the ids in from that are not in keep.
func without(from, keep []string) []string {
	kept := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		kept[id] = struct{}{}
	}
	out := make([]string, 0, len(from))
	for _, id := range from {
		if _, ok := kept[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// subscribe starts a gateway subscription for an installment or recurring option. An
// incomplete subscription from a previous attempt is returned instead of a new one.
func (s *Service) subscribe(ctx context.Context, a *attempt, cancelAt *time.Time) (domain.Result, error) {
	priceID := a.contribution.Payment.BillingPlanIDs[a.option]
	if priceID == "" {
		return domain.Result{}, domain.NewValidation(domain.CodeOptionNotAllowed,
			fmt.Sprintf("no billing plan configured for %s", a.option))
	}
	customerID, err := s.EnsureCustomerForCurrency(ctx, a.req.ClientID, a.currency())
	if err != nil {
		return domain.Result{}, err
	}
	q, total, err := s.quote(a)
	if err != nil {
		return domain.Result{}, err
	}

	pending, hasPending := a.purchase.LatestPending(a.option)
	if hasPending && a.purchase.SubscriptionID != "" && a.purchase.SubscriptionID != purchasedomain.FreeGrantSubscriptionID {
		sub, err := s.gateway.GetSubscription(ctx, a.purchase.SubscriptionID, a.account())
		if err == nil && sub.Status == "incomplete" && sub.ClientSecret != "" {
			return s.subscriptionResult(a, sub, q.Gross), nil
		}
	}
	var supersede string
	if hasPending {
		supersede = pending.TransactionID
	}

	meta := s.metadata(a, nil)
	in := gatewaydomain.SubscriptionInput{
		CustomerID:            customerID,
		PriceID:               priceID,
		CouponID:              a.couponID(),
		Metadata:              meta,
		CancelAt:              cancelAt,
		ApplicationFeePercent: s.platformPercent(a).InexactFloat64(),
	}
	if a.isAdvance() {
		in.ConnectedAccount = a.account()
	} else {
		in.TransferDestination = a.payee.ConnectedAccountID
	}
	sub, err := s.gateway.CreateSubscription(ctx, in)
	if err != nil {
		return domain.Result{}, err
	}

	txID := sub.PaymentIntentID
	if txID == "" {
		txID = sub.LatestInvoiceID
	}
	splits := 0
	if cost, ok := a.contribution.Payment.Cost.(catalogdomain.CourseCost); ok && a.option == catalogdomain.SplitPayments {
		splits = cost.SplitNumbers
	}
	err = s.commit(ctx, a, func(p *purchasedomain.Purchase) error {
		if supersede != "" {
			if old, ok := p.FindPayment(supersede); ok {
				if err := old.Transition(purchasedomain.StatusCanceled); err != nil {
					return err
				}
			}
		}
		p.SubscriptionID = sub.ID
		if splits > 0 {
			p.SplitNumbers = splits
		}
		p.SetCouponIfEmpty(a.couponID())
		if txID == "" {
			return nil
		}
		pay := s.newPayment(a, txID, q, total, nil)
		pay.InvoiceID = sub.LatestInvoiceID
		return p.AppendPayment(pay)
	}, s.cancelJob(a, domain.ObjectSubscription, sub.ID, nil))
	if err != nil {
		return domain.Result{}, err
	}
	return s.subscriptionResult(a, sub, q.Gross), nil
}

func (s *Service) subscriptionResult(a *attempt, sub gatewaydomain.Subscription, amount decimal.Decimal) domain.Result {
	return domain.Result{
		Kind:              domain.ResultSubscription,
		PurchaseID:        a.purchase.ID,
		TransactionID:     sub.PaymentIntentID,
		ClientSecret:      sub.ClientSecret,
		SubscriptionID:    sub.ID,
		InvoiceID:         sub.LatestInvoiceID,
		Amount:            amount,
		Currency:          a.currency(),
		PaymentObjectType: domain.ObjectSubscription,
	}
}

// payByInvoice issues a finalized gateway invoice for the full amount. An open invoice
// from the previous attempt is returned as is.
func (s *Service) payByInvoice(ctx context.Context, a *attempt, description string) (domain.Result, error) {
	customerID, err := s.EnsureCustomerForCurrency(ctx, a.req.ClientID, a.currency())
	if err != nil {
		return domain.Result{}, err
	}
	q, total, err := s.quote(a)
	if err != nil {
		return domain.Result{}, err
	}
	if q.IsFree() {
		return s.grantFromAttempt(ctx, a)
	}

	pending, hasPending := a.purchase.LatestPending(a.option)
	if hasPending && pending.InvoiceID != "" {
		inv, err := s.gateway.GetInvoice(ctx, pending.InvoiceID, a.account())
		if err == nil && inv.Status == gatewaydomain.InvoiceOpen {
			return s.invoiceResult(a, inv, pending.TransactionID), nil
		}
	}
	var supersede string
	if hasPending {
		supersede = pending.TransactionID
		if pending.InvoiceID != "" {
			if err := s.gateway.VoidInvoice(ctx, pending.InvoiceID, a.account()); err != nil {
				s.log.Warn("void superseded invoice failed", zap.String("invoice_id", pending.InvoiceID), zap.Error(err))
			}
		}
	}

	currency := a.currency()
	in := gatewaydomain.InvoiceInput{
		CustomerID:   customerID,
		Amount:       s.minor(q.Gross, currency),
		Currency:     currency,
		Description:  description,
		DaysUntilDue: 1,
		Metadata:     s.metadata(a, nil),
	}
	if a.isAdvance() {
		in.ConnectedAccount = a.account()
		in.ApplicationFee = s.minor(q.PlatformFee, currency)
	}
	draft, err := s.gateway.CreateInvoice(ctx, in)
	if err != nil {
		return domain.Result{}, err
	}
	inv, err := s.gateway.FinalizeInvoice(ctx, draft.ID, a.account())
	if err != nil {
		return domain.Result{}, err
	}

	txID := inv.PaymentIntentID
	if txID == "" {
		txID = inv.ID
	}
	err = s.commit(ctx, a, func(p *purchasedomain.Purchase) error {
		if supersede != "" {
			if old, ok := p.FindPayment(supersede); ok {
				if err := old.Transition(purchasedomain.StatusCanceled); err != nil {
					return err
				}
			}
		}
		p.IsPaidByInvoice = true
		p.SetCouponIfEmpty(a.couponID())
		pay := s.newPayment(a, txID, q, total, nil)
		pay.InvoiceID = inv.ID
		return p.AppendPayment(pay)
	}, s.cancelJob(a, domain.ObjectInvoice, inv.ID, nil))
	if err != nil {
		return domain.Result{}, err
	}
	return s.invoiceResult(a, inv, txID), nil
}

func (s *Service) invoiceResult(a *attempt, inv gatewaydomain.Invoice, txID string) domain.Result {
	return domain.Result{
		Kind:              domain.ResultInvoice,
		PurchaseID:        a.purchase.ID,
		TransactionID:     txID,
		InvoiceID:         inv.ID,
		RedirectURL:       inv.HostedURL,
		Amount:            s.pricing.Schedule().FromMinorUnits(inv.AmountDue, a.currency()),
		Currency:          a.currency(),
		PaymentObjectType: domain.ObjectInvoice,
	}
}
